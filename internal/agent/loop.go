package agent

import (
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/retry"
)

const interruptText = "[Request interrupted by user]"

const emptyContentHint = "Your previous response had no visible content. Please provide a substantive reply."

// Compactor is the external collaborator that may replace the conversation
// history with a compressed variant before a turn starts. The bool return
// reports whether it actually changed anything, so a no-op compactor can be
// wired in without forcing a message-slice copy every turn.
type Compactor interface {
	Compact(messages []Message) ([]Message, bool)
}

// LoopConfig carries the resolved, host-supplied settings a QueryLoop needs.
type LoopConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int

	BaseSystemPrompt    string
	ContextualReminders []string
	ConfiguredTools     []string
	PermissionMode      string
	Verbose             bool
	MessageLogName      string

	ConcurrencyCap int

	RetryConfig            retry.Config
	RetryJitterCap         time.Duration
	MaxEmptyContentRetries int
}

// QueryLoop drives the turn-by-turn conversation loop on top of an
// already-constructed Transport, Registry and Dispatcher: generate an
// assistant message, dispatch any tool calls it proposes, and feed the
// results back in as the next turn, until no further tool call survives.
type QueryLoop struct {
	Transport  *Transport
	Registry   *Registry
	Dispatcher *Dispatcher
	Gating     *GatingContext
	Compactor  Compactor
	Journal    *Journal
	Config     LoopConfig

	// Router, if set, overrides which Transport a turn is sent to: each
	// attempt tries Router.Select's candidates in order, falling back to
	// the next on a retryable transport error and reporting failures back
	// via Router.MarkUnhealthy. A nil Router always uses Transport.
	Router Router

	readFileTimestampsOnce sync.Once
	readFileTimestamps     map[string]int64
}

// NewQueryLoop creates a QueryLoop. compactor, gating and journal may all be
// nil: a nil compactor disables auto-compact, a nil gating context disables
// environment-based tool eligibility checks, and a nil journal silently
// drops runtime events.
func NewQueryLoop(transport *Transport, registry *Registry, dispatcher *Dispatcher, gating *GatingContext, compactor Compactor, journal *Journal, cfg LoopConfig) *QueryLoop {
	return &QueryLoop{
		Transport:  transport,
		Registry:   registry,
		Dispatcher: dispatcher,
		Gating:     gating,
		Compactor:  compactor,
		Journal:    journal,
		Config:     cfg,
	}
}

// Query runs the turn loop to completion, calling emit for every message
// produced (assistant messages, progress messages, and tool_result user
// messages) in production order, until the conversation terminates: no
// tool_use was proposed, the scope was cancelled, or an unrecoverable
// transport error surfaced after its retry budget was exhausted.
func (q *QueryLoop) Query(scope *Scope, messages []Message, emit func(Message)) error {
	for {
		if scope.Aborted() {
			emit(interruptMessage())
			return nil
		}

		if q.Compactor != nil {
			if compacted, changed := q.Compactor.Compact(messages); changed {
				messages = compacted
			}
		}

		constraint := ParseSkillConstraint(messages)
		tools := EffectiveToolSet(q.Registry, q.Config.ConfiguredTools, constraint, q.Gating)
		systemPrompt := q.buildSystemPrompt(tools, constraint)
		reqMessages := injectContextualReminders(messages, q.Config.ContextualReminders)

		q.Journal.Record("turn_start", map[string]any{"message_count": len(messages), "tool_count": len(tools)})

		assistantMsg, err := q.generateAssistantMessage(scope, reqMessages, systemPrompt, toolDeclarations(tools))
		if err != nil {
			if te, ok := err.(*TransportError); ok && te.Kind == ErrAborted {
				emit(interruptMessage())
				return nil
			}
			q.Journal.Record("transport_error", map[string]any{"error": err.Error()})
			return err
		}

		gatedMsg, survivors := applySerialGate(assistantMsg, q.isConcurrencySafe)
		emit(gatedMsg)

		if len(survivors) == 0 {
			q.Journal.Record("turn_end", map[string]any{"tool_calls": 0})
			return nil
		}

		toolResultMsg := q.runTools(scope, survivors, emit)

		if scope.Aborted() {
			emit(interruptMessage())
			return nil
		}

		q.Journal.Record("turn_end", map[string]any{"tool_calls": len(survivors)})

		next := make([]Message, 0, len(messages)+2)
		next = append(next, messages...)
		next = append(next, gatedMsg, toolResultMsg)
		messages = next
	}
}

func interruptMessage() Message {
	return NewAssistantMessage([]Block{TextBlock(interruptText)}, Usage{}, 0)
}

// runTools plans and dispatches the groups for one turn's surviving
// tool_use blocks, relaying every emitted message live, and returns the
// single combined user message of reordered tool_results to extend history
// with.
func (q *QueryLoop) runTools(scope *Scope, survivors []Block, emit func(Message)) Message {
	toolNames := make([]string, len(survivors))
	siblingIDs := make([]string, len(survivors))
	for i, b := range survivors {
		toolNames[i] = b.ToolName
		siblingIDs[i] = b.ToolUseID
	}

	ctx := &InvocationContext{
		Scope:              scope,
		PermissionMode:     q.Config.PermissionMode,
		ToolNames:          toolNames,
		Verbose:            q.Config.Verbose,
		MessageLogName:     q.Config.MessageLogName,
		ReadFileTimestamps: q.sharedReadFileTimestamps(),
	}

	groups := PlanGroups(survivors, q.isConcurrencySafe)

	var (
		collected []Block
		collectMu sync.Mutex
		emitMu    sync.Mutex
	)
	safeEmit := func(m Message) {
		emitMu.Lock()
		emit(m)
		emitMu.Unlock()
	}

	for _, group := range groups {
		q.runGroup(group, siblingIDs, ctx, safeEmit, &collected, &collectMu)
	}

	ordered := ReorderToolResults(survivors, collected)
	return Message{Role: RoleUser, Content: ordered}
}

func (q *QueryLoop) runGroup(group Group, siblingIDs []string, ctx *InvocationContext, emit func(Message), collect *[]Block, mu *sync.Mutex) {
	if group.Kind == GroupSerial {
		for _, b := range group.Blocks {
			q.dispatchOne(b, siblingIDs, ctx, emit, collect, mu)
		}
		return
	}

	cap := ClampConcurrencyCap(q.Config.ConcurrencyCap)
	sem := make(chan struct{}, cap)
	var wg sync.WaitGroup
	for _, b := range group.Blocks {
		block := b
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.dispatchOne(block, siblingIDs, ctx, emit, collect, mu)
		}()
	}
	wg.Wait()
}

func (q *QueryLoop) dispatchOne(block Block, siblingIDs []string, ctx *InvocationContext, emit func(Message), collect *[]Block, mu *sync.Mutex) {
	q.Dispatcher.Dispatch(block, siblingIDs, ctx, DispatchOptions{}, func(msg Message) {
		emit(msg)
		if msg.IsProgress() {
			return
		}
		if msg.Role == RoleUser && len(msg.Content) > 0 && msg.Content[0].Type == BlockToolResult {
			mu.Lock()
			*collect = append(*collect, msg.Content[0])
			mu.Unlock()
		}
	})
}

func (q *QueryLoop) isConcurrencySafe(name string) bool {
	c, ok := q.Registry.Get(name)
	return ok && c.IsConcurrencySafe
}

func (q *QueryLoop) sharedReadFileTimestamps() map[string]int64 {
	q.readFileTimestampsOnce.Do(func() {
		q.readFileTimestamps = make(map[string]int64)
	})
	return q.readFileTimestamps
}

// generateAssistantMessage wraps the transport-retry loop with an inner
// empty-content retry: a response with no visible text or tool call gets one
// more chance with a hint appended, up to MaxEmptyContentRetries times.
func (q *QueryLoop) generateAssistantMessage(scope *Scope, messages []Message, systemPrompt string, tools []ToolDeclaration) (Message, error) {
	req := GenerateRequest{
		Model:       q.Config.Model,
		Messages:    messages,
		System:      systemPrompt,
		Tools:       tools,
		Temperature: q.Config.Temperature,
		MaxTokens:   q.Config.MaxTokens,
	}

	maxEmptyRetries := q.Config.MaxEmptyContentRetries
	if maxEmptyRetries <= 0 {
		maxEmptyRetries = 2
	}

	var last Message
	for attempt := 0; ; attempt++ {
		msg, err := q.streamWithRetries(scope, req)
		if err != nil {
			return Message{}, err
		}
		last = msg
		if !isEmptyContent(msg) || attempt == maxEmptyRetries {
			return last, nil
		}
		req.Messages = append(append([]Message{}, req.Messages...), NewUserText(emptyContentHint))
	}
}

// streamWithRetries implements the outer retry policy: bounded attempts,
// retryable transport errors only, cancellable exponential backoff with
// additive jitter. Each attempt gets its own child scope so a request or
// idle timer tripped on one attempt doesn't carry its cancelled state into
// the next; the user-level scope's cancellation still propagates through.
// When q.Router is set, a candidate that exhausts its retry budget is
// marked unhealthy and the next candidate is tried with a fresh budget.
func (q *QueryLoop) streamWithRetries(scope *Scope, req GenerateRequest) (Message, error) {
	candidates, err := q.transportCandidates(req)
	if err != nil {
		return Message{}, err
	}

	var lastErr error
	for _, candidate := range candidates {
		candReq := req
		if candidate.Model != "" {
			candReq.Model = candidate.Model
		}
		msg, err := q.streamCandidateWithRetries(scope, candidate.Transport, candReq)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if q.Router != nil && candidate.Name != "" {
			q.Router.MarkUnhealthy(candidate.Name)
		}
		if !IsRetryableTransportError(err) {
			return Message{}, err
		}
	}
	return Message{}, lastErr
}

// transportCandidates resolves the ordered list of (Transport, model)
// candidates for req: the Router's selection when one is configured, or a
// single candidate wrapping q.Transport otherwise.
func (q *QueryLoop) transportCandidates(req GenerateRequest) ([]TransportCandidate, error) {
	if q.Router == nil {
		return []TransportCandidate{{Transport: q.Transport}}, nil
	}
	return q.Router.Select(req)
}

func (q *QueryLoop) streamCandidateWithRetries(scope *Scope, transport *Transport, req GenerateRequest) (Message, error) {
	cfg := q.Config.RetryConfig
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if scope.Aborted() {
			return Message{}, &TransportError{Kind: ErrAborted}
		}
		attemptScope := NewScope(scope.Context(), transport.RequestTimeout)
		msg, err := q.aggregateStream(attemptScope, transport, req)
		attemptScope.Close()
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !IsRetryableTransportError(err) || attempt == cfg.MaxAttempts {
			return Message{}, err
		}
		sleep := retry.BackoffAdditiveJitter(attempt, cfg.InitialDelay, cfg.MaxDelay, q.Config.RetryJitterCap)
		SleepCancellable(scope, sleep)
	}
	return Message{}, lastErr
}

func (q *QueryLoop) aggregateStream(scope *Scope, transport *Transport, req GenerateRequest) (Message, error) {
	start := time.Now()
	chunks, errc := transport.Stream(scope, req)

	agg := NewAggregator()
	for chunk := range chunks {
		agg.Feed(chunk)
	}
	if err := <-errc; err != nil {
		return Message{}, err
	}
	return agg.Finish(time.Since(start)), nil
}

func isEmptyContent(msg Message) bool {
	return len(msg.Content) == 1 && msg.Content[0].Type == BlockText && msg.Content[0].Text == sentinelNoContent
}

// buildSystemPrompt assembles the base prompt, every enabled tool's
// non-empty prompt snippet, and the active skill constraint's banner.
func (q *QueryLoop) buildSystemPrompt(tools []*Capability, constraint *SkillConstraint) string {
	var b strings.Builder
	b.WriteString(q.Config.BaseSystemPrompt)
	for _, c := range tools {
		if c.Prompt == nil {
			continue
		}
		snippet := c.Prompt()
		if snippet == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(snippet)
	}
	if constraint != nil && constraint.Banner != "" {
		b.WriteString("\n\n")
		b.WriteString(constraint.Banner)
	}
	return b.String()
}

func toolDeclarations(tools []*Capability) []ToolDeclaration {
	out := make([]ToolDeclaration, 0, len(tools))
	for _, c := range tools {
		desc := ""
		if c.Description != nil {
			desc = c.Description()
		}
		out = append(out, ToolDeclaration{Name: c.Name, Description: desc, Schema: c.Schema})
	}
	return out
}

// applySerialGate applies the serial gate to msg's tool_use blocks and
// rebuilds msg's content keeping every non-tool_use block plus only the
// surviving tool_use blocks, preserving original block order.
func applySerialGate(msg Message, isSafe func(string) bool) (Message, []Block) {
	survivors := SerialGate(msg.ToolUseBlocks(), isSafe)
	keep := make(map[string]bool, len(survivors))
	for _, b := range survivors {
		keep[b.ToolUseID] = true
	}

	content := make([]Block, 0, len(msg.Content))
	for _, b := range msg.Content {
		if b.Type == BlockToolUse && !keep[b.ToolUseID] {
			continue
		}
		content = append(content, b)
	}
	msg.Content = content
	return msg, survivors
}

// injectContextualReminders appends reminders as extra text blocks onto the
// latest text-bearing user message, never a message whose first block is a
// tool_result. Returns messages unchanged (not copied) if there is nothing
// to inject or no eligible message is found.
func injectContextualReminders(messages []Message, reminders []string) []Message {
	if len(reminders) == 0 {
		return messages
	}

	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != RoleUser || m.FirstBlockIsToolResult() || !hasTextBlock(m) {
			continue
		}
		idx = i
		break
	}
	if idx == -1 {
		return messages
	}

	out := make([]Message, len(messages))
	copy(out, messages)

	msg := out[idx]
	content := make([]Block, len(msg.Content), len(msg.Content)+len(reminders))
	copy(content, msg.Content)
	for _, r := range reminders {
		content = append(content, TextBlock(r))
	}
	msg.Content = content
	out[idx] = msg
	return out
}

func hasTextBlock(m Message) bool {
	for _, b := range m.Content {
		if b.Type == BlockText {
			return true
		}
	}
	return false
}
