package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting metrics about the
// agent query loop, the model transport, and tool dispatch.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM transport request performance and retry behaviour
//   - Tool dispatch outcomes and latencies
//   - Permission engine decisions
//   - Concurrency-planner group sizes
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures model transport latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts transport requests by outcome.
	// Labels: provider, model, status (success|retryable_error|fatal_error|cancelled)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRetryCounter counts transport retry attempts.
	// Labels: provider, reason (http_retryable|timeout)
	LLMRetryCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model and direction.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches by outcome.
	// Labels: tool_name, status (success|error|denied|cancelled)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PermissionDecisionCounter counts permission engine outcomes.
	// Labels: mode, decision (granted|denied)
	PermissionDecisionCounter *prometheus.CounterVec

	// ConcurrencyGroupSize observes the size of each dispatched group.
	// Labels: kind (parallel|serial)
	ConcurrencyGroupSize *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (transport|aggregator|dispatcher|permission|loop), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call this once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of model transport requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of model transport requests by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_retries_total",
				Help: "Total number of model transport retry attempts",
			},
			[]string{"provider", "reason"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens consumed by provider, model and direction",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool dispatches by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool dispatches in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		PermissionDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_permission_decisions_total",
				Help: "Total number of permission engine decisions by mode and outcome",
			},
			[]string{"mode", "decision"},
		),
		ConcurrencyGroupSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_concurrency_group_size",
				Help:    "Size of dispatched concurrency-planner groups",
				Buckets: []float64{1, 2, 4, 8, 16, 20},
			},
			[]string{"kind"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}
