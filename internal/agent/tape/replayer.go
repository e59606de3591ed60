package tape

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrTapeExhausted is returned once every recorded interaction has been
// replayed and another request arrives.
var ErrTapeExhausted = errors.New("tape exhausted: no more interactions to replay")

// Replayer implements agent.HTTPDoer, returning the tape's interactions in
// recorded order regardless of the request it's given. It does not hit the
// network, making it suitable as a Transport's Client in tests.
type Replayer struct {
	tape *Tape
	idx  int
	mu   sync.Mutex
}

// NewReplayer creates a Replayer over tape. The tape is cloned so replaying
// never mutates the caller's copy.
func NewReplayer(tape *Tape) *Replayer {
	return &Replayer{tape: tape.Clone()}
}

// Do implements agent.HTTPDoer.
func (r *Replayer) Do(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	if r.idx >= len(r.tape.Interactions) {
		r.mu.Unlock()
		return nil, ErrTapeExhausted
	}
	interaction := r.tape.Interactions[r.idx]
	r.idx++
	r.mu.Unlock()

	status := interaction.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(interaction.ResponseBody))),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Remaining reports how many interactions have yet to be replayed.
func (r *Replayer) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tape.Interactions) - r.idx
}

// Reset rewinds the replayer to the first interaction.
func (r *Replayer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = 0
}
