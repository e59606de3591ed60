package agent

import "fmt"

// TransportErrorKind discriminates the model transport's error taxonomy,
// propagated verbatim through the retry logic layered on top of it.
type TransportErrorKind string

const (
	ErrHttpStatus        TransportErrorKind = "http_status"
	ErrRequestTimeout    TransportErrorKind = "request_timeout"
	ErrStreamIdleTimeout TransportErrorKind = "stream_idle_timeout"
	ErrAborted           TransportErrorKind = "aborted"
	ErrTransport         TransportErrorKind = "transport"
)

// TransportError is the transport's typed error. HttpStatus/RequestTimeout/
// StreamIdleTimeout are candidates for retry (IsRetryableTransportError
// decides); Aborted never retries and a stream observing it yields a
// terminal empty response rather than raising.
type TransportError struct {
	Kind       TransportErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case ErrHttpStatus:
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
	case ErrRequestTimeout:
		return "request timeout (408-equivalent)"
	case ErrStreamIdleTimeout:
		return "stream idle timeout (408-equivalent)"
	case ErrAborted:
		return "aborted"
	default:
		if e.Err != nil {
			return fmt.Sprintf("transport error: %s", e.Err.Error())
		}
		return "transport error"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryableTransportError reports whether a failed attempt is worth
// retrying: HTTP 408/429/5xx and connection-class I/O errors are, aborts and
// other 4xx are not.
func IsRetryableTransportError(err error) bool {
	te, ok := err.(*TransportError)
	if !ok {
		return false
	}
	switch te.Kind {
	case ErrRequestTimeout, ErrStreamIdleTimeout, ErrTransport:
		return true
	case ErrHttpStatus:
		return te.StatusCode == 408 || te.StatusCode == 429 || te.StatusCode >= 500
	default:
		return false
	}
}

// DispatchErrorKind names the four locally-recovered error kinds that never
// escape the query loop; each becomes an error tool_result or synthetic
// assistant text instead.
type DispatchErrorKind string

const (
	ErrValidationFailed DispatchErrorKind = "validation_failed"
	ErrToolDenied       DispatchErrorKind = "tool_denied"
	ErrToolCrashed      DispatchErrorKind = "tool_crashed"
	ErrEmptyResponse    DispatchErrorKind = "empty_response"
)
