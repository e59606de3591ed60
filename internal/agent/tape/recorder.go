package tape

import (
	"bytes"
	"io"
	"net/http"
	"sync"
	"time"
)

// Recorder wraps an agent.HTTPDoer, capturing every request/response pair
// into a Tape as it passes through.
type Recorder struct {
	inner interface {
		Do(req *http.Request) (*http.Response, error)
	}
	tape *Tape
	mu   sync.Mutex
}

// NewRecorder creates a Recorder wrapping inner. The caller assigns the
// returned Recorder as a Transport's Client to record its traffic.
func NewRecorder(inner interface {
	Do(req *http.Request) (*http.Response, error)
}) *Recorder {
	return &Recorder{inner: inner, tape: NewTape()}
}

// WithModel records the model name in the tape's metadata.
func (r *Recorder) WithModel(model string) *Recorder {
	r.tape.Model = model
	return r
}

// Do implements agent.HTTPDoer, forwarding to inner and recording the
// request/response bodies. The response body is replayed via a fresh
// reader so the caller still observes the original stream.
func (r *Recorder) Do(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	start := time.Now()
	resp, err := r.inner.Do(req)
	if err != nil {
		return nil, err
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	r.mu.Lock()
	r.tape.Add(Interaction{
		Method:         req.Method,
		URL:            req.URL.String(),
		RequestHeaders: headers,
		RequestBody:    string(reqBody),
		StatusCode:     resp.StatusCode,
		ResponseBody:   string(respBody),
		Duration:       time.Since(start),
	})
	r.mu.Unlock()

	return resp, nil
}

// Tape returns a snapshot of everything recorded so far.
func (r *Recorder) Tape() *Tape {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tape.Clone()
}

// Reset discards everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	model := r.tape.Model
	r.tape = NewTape()
	r.tape.Model = model
}
