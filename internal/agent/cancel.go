package agent

import (
	"context"
	"sync"
	"time"
)

// TimeoutReason tags why a Scope tripped, distinguishing a plain user/upstream
// abort from the two timer-driven causes so callers can translate it into
// the right transport error kind.
type TimeoutReason string

const (
	ReasonNone              TimeoutReason = "none"
	ReasonRequestTimeout    TimeoutReason = "request_timeout"
	ReasonStreamIdleTimeout TimeoutReason = "stream_idle_timeout"
)

// Scope unifies a user-initiated abort, a per-request timeout, and a
// per-stream idle timeout into a single cancellable scope with one
// first-writer-wins reason tag. Every suspension point in the transport,
// dispatcher and query loop observes the same Scope so that any one of the
// three triggers tears down all in-flight work.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason TimeoutReason
	closed bool

	requestTimer *time.Timer
	idleTimer    *time.Timer
	idleDuration time.Duration

	upstreamDone <-chan struct{}
	stopWatch    chan struct{}
	watchOnce    sync.Once
}

// NewScope creates a Scope. upstream, if non-nil, is an existing context
// (typically the process or request context) whose cancellation trips this
// scope with reason none — the upstream caller's cancellation always wins
// over any timer. requestTimeout, if non-zero, starts a timer that marks
// ReasonRequestTimeout and trips the scope if it fires before
// ClearRequestTimer is called.
func NewScope(upstream context.Context, requestTimeout time.Duration) *Scope {
	if upstream == nil {
		upstream = context.Background()
	}
	ctx, cancel := context.WithCancel(upstream)
	s := &Scope{
		ctx:          ctx,
		cancel:       cancel,
		upstreamDone: upstream.Done(),
		stopWatch:    make(chan struct{}),
	}

	s.watchOnce.Do(func() {
		go s.watchUpstream()
	})

	if requestTimeout > 0 {
		s.requestTimer = time.AfterFunc(requestTimeout, func() {
			s.Mark(ReasonRequestTimeout)
		})
	}
	return s
}

func (s *Scope) watchUpstream() {
	select {
	case <-s.upstreamDone:
		s.Mark(ReasonNone)
	case <-s.stopWatch:
	}
}

// Done returns the channel that closes when the scope trips, for use in
// select statements alongside any other suspension-point channel.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context returns the underlying context, for passing into APIs that expect
// one (HTTP requests, sub-calls).
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Aborted reports whether the scope has tripped.
func (s *Scope) Aborted() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Mark records reason (first writer wins) and trips the scope. Safe to call
// concurrently and more than once.
func (s *Scope) Mark(reason TimeoutReason) {
	s.mu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// Reason returns the recorded reason, or ReasonNone if the scope has not
// tripped or tripped with no specific timer cause.
func (s *Scope) Reason() TimeoutReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return ReasonNone
	}
	return s.reason
}

// ClearRequestTimer stops the per-request timeout timer. Callers invoke
// this once SSE framing is detected, switching over to the idle timer for
// the remainder of the stream.
func (s *Scope) ClearRequestTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestTimer != nil {
		s.requestTimer.Stop()
		s.requestTimer = nil
	}
}

// StartIdleTimer begins (or restarts) the stream idle timer. Call once per
// received byte/chunk; if idle exceeds duration with no call to
// StartIdleTimer in between, the scope marks ReasonStreamIdleTimeout and
// trips.
func (s *Scope) StartIdleTimer(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleDuration = duration
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(duration, func() {
		s.Mark(ReasonStreamIdleTimeout)
	})
}

// ResetIdleTimer restarts the idle timer with its previously configured
// duration. No-op if StartIdleTimer was never called.
func (s *Scope) ResetIdleTimer() {
	s.mu.Lock()
	duration := s.idleDuration
	timer := s.idleTimer
	s.mu.Unlock()
	if timer != nil && duration > 0 {
		timer.Reset(duration)
	}
}

// Close tears down timers and the upstream watcher goroutine. Idempotent.
// It does not itself trip the scope — callers that want cancellation-on-
// close should call Mark first.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.requestTimer != nil {
		s.requestTimer.Stop()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	close(s.stopWatch)
	s.cancel()
}

// SleepCancellable sleeps for d, or returns early if the scope trips first.
// Every retry backoff and no-content hint delay in the query loop uses this
// rather than a bare time.Sleep so cancellation is always observed.
func SleepCancellable(s *Scope, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.Done():
	}
}
