// Package observability provides monitoring and debugging capabilities for
// the agent query loop, model transport, and tool dispatcher through
// metrics, structured logging, and distributed tracing.
//
// # Overview
//
// The package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed request tracing with OpenTelemetry
//
// # Metrics
//
// Metrics are implemented using Prometheus client libraries and track:
//   - Model transport request latency, retries, and token usage
//   - Tool dispatch outcomes and latency
//   - Permission engine decisions by mode
//   - Concurrency-planner group sizes
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... call the model transport ...
//	metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
//	metrics.LLMRequestCounter.WithLabelValues("anthropic", model, "success").Inc()
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request ID correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	logger.Info(ctx, "dispatching tool", "tool_name", "read_file", "tool_use_id", id)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a turn across the
// transport, aggregator and dispatcher:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "agentcli",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceTurn(ctx, sessionID, turnIndex)
//	defer span.End()
//
//	ctx, llmSpan := tracer.TraceLLMRequest(ctx, "anthropic", model)
//	defer llmSpan.End()
//
// # Security Considerations
//
// The logging component automatically redacts API keys, passwords,
// secrets, JWTs and bearer tokens, both from formatted strings and from
// well-known field names in structured attributes.
package observability
