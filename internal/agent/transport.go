package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/retry"
)

// ToolDeclaration is one tool's JSON-Schema-sanitised declaration, sent to
// the provider alongside the conversation so it knows what function calls
// it may propose.
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// GenerateRequest is the provider-agnostic request shape a Transport turns
// into a concrete HTTP call.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	System      string
	Tools       []ToolDeclaration
	Temperature float64
	MaxTokens   int
}

// TransportCandidate is one named Transport a Router offers as a candidate
// for a given turn, optionally overriding the model to request from it.
type TransportCandidate struct {
	Name      string
	Transport *Transport
	Model     string
}

// Router selects which Transport(s) to try for a turn, in priority order,
// and is told when a candidate failed so it can avoid offering it again
// until it recovers. A QueryLoop with a nil Router always uses its own
// Transport field.
type Router interface {
	Select(req GenerateRequest) ([]TransportCandidate, error)
	MarkUnhealthy(name string)
}

// HTTPDoer is the minimal surface the transport needs from an HTTP client,
// so tests can substitute a fake round-tripper without a real socket.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport issues non-streaming and SSE-streaming requests to a model
// provider, enforcing the cancellation scope's timeouts and mapping
// failures onto TransportError.
type Transport struct {
	Client  HTTPDoer
	BaseURL string
	APIKey  string

	// RequestTimeout and StreamIdleTimeout are the defaults applied when a
	// caller's Scope doesn't already carry its own timers (both ~90s).
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// BuildRequest adapts a GenerateRequest into the provider's HTTP
	// request, returning the non-streaming URL (alt=json) and the
	// streaming URL (alt=sse) along with the request body. Concrete
	// providers (providers.Anthropic, providers.OpenAI) supply this.
	BuildRequest func(req GenerateRequest, streaming bool) (method, rawURL string, body io.Reader, headers map[string]string, err error)

	// ParseChunk decodes one SSE data payload into a ResponseChunk. It is
	// provider-specific because providers differ in their event envelope.
	ParseChunk func(payload []byte) (ResponseChunk, error)

	// ParseNonStreaming decodes a full non-streaming JSON response body
	// into a single assistant Message plus usage.
	ParseNonStreaming func(body []byte) (Message, error)

	// ParseError decodes a non-2xx response body into a provider-specific
	// error, wrapped as TransportError.Err. Optional: nil leaves Err unset
	// and callers fall back to the raw status code and body.
	ParseError func(statusCode int, body []byte) error
}

func (t *Transport) wrapHTTPStatus(statusCode int, body []byte) *TransportError {
	te := &TransportError{Kind: ErrHttpStatus, StatusCode: statusCode, Body: string(body)}
	if t.ParseError != nil {
		te.Err = t.ParseError(statusCode, body)
	}
	return te
}

// Generate issues a single-shot JSON round trip.
func (t *Transport) Generate(scope *Scope, req GenerateRequest) (Message, error) {
	method, rawURL, body, headers, err := t.BuildRequest(req, false)
	if err != nil {
		return Message{}, &TransportError{Kind: ErrTransport, Err: err}
	}
	if _, err := url.Parse(rawURL); err != nil {
		return Message{}, &TransportError{Kind: ErrTransport, Err: fmt.Errorf("invalid url: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(scope.Context(), method, rawURL, body)
	if err != nil {
		return Message{}, &TransportError{Kind: ErrTransport, Err: err}
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		if scope.Aborted() {
			return Message{}, &TransportError{Kind: ErrAborted}
		}
		return Message{}, &TransportError{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Message{}, &TransportError{Kind: ErrTransport, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Message{}, t.wrapHTTPStatus(resp.StatusCode, respBody)
	}

	msg, err := t.ParseNonStreaming(respBody)
	if err != nil {
		return Message{}, &TransportError{Kind: ErrTransport, Err: err}
	}
	return msg, nil
}

// Stream issues an SSE request and returns a channel of ResponseChunks and
// a channel that carries at most one terminal error (nil on clean
// completion). Both channels close when the stream ends.
func (t *Transport) Stream(scope *Scope, req GenerateRequest) (<-chan ResponseChunk, <-chan error) {
	chunks := make(chan ResponseChunk)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		method, rawURL, body, headers, err := t.BuildRequest(req, true)
		if err != nil {
			errc <- &TransportError{Kind: ErrTransport, Err: err}
			return
		}

		httpReq, err := http.NewRequestWithContext(scope.Context(), method, rawURL, body)
		if err != nil {
			errc <- &TransportError{Kind: ErrTransport, Err: err}
			return
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := t.Client.Do(httpReq)
		if err != nil {
			if scope.Aborted() {
				errc <- nil // Aborted: stream yields a terminal empty response, not an error.
				return
			}
			errc <- &TransportError{Kind: ErrTransport, Err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			errc <- t.wrapHTTPStatus(resp.StatusCode, respBody)
			return
		}

		scope.ClearRequestTimer()
		idleTimeout := t.StreamIdleTimeout
		if idleTimeout <= 0 {
			idleTimeout = 90 * time.Second
		}
		scope.StartIdleTimer(idleTimeout)

		err = ParseSSE(resp.Body, scope, func(payload []byte) error {
			scope.ResetIdleTimer()
			chunk, err := t.ParseChunk(payload)
			if err != nil {
				return err
			}
			select {
			case chunks <- chunk:
				return nil
			case <-scope.Done():
				return errAbortedMidStream
			}
		})

		switch {
		case err == errAbortedMidStream:
			errc <- nil
		case scope.Aborted():
			// A tripped scope takes priority over a coincidental clean EOF:
			// a connection whose read unblocks exactly when cancellation
			// fires must still report the timeout/abort reason, not success.
			switch scope.Reason() {
			case ReasonRequestTimeout:
				errc <- &TransportError{Kind: ErrRequestTimeout}
			case ReasonStreamIdleTimeout:
				errc <- &TransportError{Kind: ErrStreamIdleTimeout}
			default:
				errc <- nil
			}
		case err == nil:
			errc <- nil
		default:
			errc <- &TransportError{Kind: ErrTransport, Err: err}
		}
	}()

	return chunks, errc
}

var errAbortedMidStream = fmt.Errorf("aborted mid-stream")

// ParseSSE implements the SSE framing rule: read bytes
// into a buffer; normalise CRLF to LF; split on blank line ("\n\n"); within
// a block keep only lines starting with "data:", joined with LF and
// trimmed. Empty or "[DONE]" payloads are skipped. Each remaining payload
// is handed to onPayload. A trailing block with no terminating blank line
// is flushed at end-of-stream. On a mid-stream callback failure: if scope
// is already aborted, return quietly (nil); otherwise propagate the error.
func ParseSSE(r io.Reader, scope *Scope, onPayload func(payload []byte) error) error {
	reader := bufio.NewReader(r)
	var buf bytes.Buffer
	chunk := make([]byte, 4096)

	flush := func(block string) error {
		payload := extractDataPayload(block)
		if payload == "" || payload == "[DONE]" {
			return nil
		}
		return onPayload([]byte(payload))
	}

	for {
		n, readErr := reader.Read(chunk)
		if n > 0 {
			normalized := bytes.ReplaceAll(chunk[:n], []byte("\r\n"), []byte("\n"))
			buf.Write(normalized)

			for {
				data := buf.Bytes()
				idx := bytes.Index(data, []byte("\n\n"))
				if idx == -1 {
					break
				}
				block := string(data[:idx])
				buf.Next(idx + 2)
				if err := flush(block); err != nil {
					if scope != nil && scope.Aborted() {
						return nil
					}
					return err
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if remaining := strings.TrimSpace(buf.String()); remaining != "" {
					if err := flush(remaining); err != nil {
						if scope != nil && scope.Aborted() {
							return nil
						}
						return err
					}
				}
				return nil
			}
			if scope != nil && scope.Aborted() {
				return nil
			}
			return readErr
		}
	}
}

func extractDataPayload(block string) string {
	lines := strings.Split(block, "\n")
	var dataLines []string
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data:"))
		}
	}
	return strings.TrimSpace(strings.Join(dataLines, "\n"))
}

// RetryableGenerate wraps Transport.Generate with the outer retry policy:
// retryable on HTTP 408/429/5xx and connection-class I/O errors, bounded
// exponential backoff with additive jitter, cancellable sleeps, capped
// attempts.
func RetryableGenerate(scope *Scope, t *Transport, req GenerateRequest, cfg retry.Config, jitterCap time.Duration) (Message, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if scope.Aborted() {
			return Message{}, &TransportError{Kind: ErrAborted}
		}
		msg, err := t.Generate(scope, req)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !IsRetryableTransportError(err) || attempt == cfg.MaxAttempts {
			return Message{}, err
		}
		sleep := retry.BackoffAdditiveJitter(attempt, cfg.InitialDelay, cfg.MaxDelay, jitterCap)
		SleepCancellable(scope, sleep)
	}
	return Message{}, lastErr
}

// ctxFromScope is a convenience for call sites that need a plain
// context.Context (e.g. constructing an HTTP client independent of Scope).
func ctxFromScope(scope *Scope) context.Context {
	if scope == nil {
		return context.Background()
	}
	return scope.Context()
}
