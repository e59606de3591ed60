package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/agent/routing"
	"github.com/haasonsaas/nexus/internal/retry"
)

// --- shared test transport plumbing ---------------------------------------

// sequenceDoer returns a distinct canned response for each successive call,
// one per turn or retry attempt, and errors once exhausted.
type sequenceDoer struct {
	mk []func() *http.Response
	i  int
}

func (s *sequenceDoer) Do(req *http.Request) (*http.Response, error) {
	if s.i >= len(s.mk) {
		return nil, fmt.Errorf("sequenceDoer: no response configured for call %d", s.i+1)
	}
	resp := s.mk[s.i]()
	s.i++
	return resp, nil
}

// factoryDoer invokes mk fresh on every call, for tests where the same
// response shape (e.g. a slow body) is needed across several attempts.
type factoryDoer struct{ mk func() *http.Response }

func (f *factoryDoer) Do(req *http.Request) (*http.Response, error) { return f.mk(), nil }

func sseOf(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

// testParseChunk decodes the small test wire format used by these fixtures:
// one of "text", "thought", or "tool_use" per payload.
func testParseChunk(payload []byte) (ResponseChunk, error) {
	var v struct {
		Text    string `json:"text"`
		Thought string `json:"thought"`
		ToolUse *struct {
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"tool_use"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return ResponseChunk{}, err
	}
	switch {
	case v.ToolUse != nil:
		return ResponseChunk{Parts: []ChunkPart{{
			Kind: PartFunctionCall, FunctionCallID: v.ToolUse.ID, FunctionCallName: v.ToolUse.Name, FunctionCallArgs: v.ToolUse.Input,
		}}}, nil
	case v.Thought != "":
		return ResponseChunk{Parts: []ChunkPart{{Kind: PartThought, ThoughtText: v.Thought}}}, nil
	default:
		return ResponseChunk{Parts: []ChunkPart{{Kind: PartText, Text: v.Text}}}, nil
	}
}

func recordingBuildRequest(requests *[]GenerateRequest) func(GenerateRequest, bool) (string, string, io.Reader, map[string]string, error) {
	return func(req GenerateRequest, streaming bool) (string, string, io.Reader, map[string]string, error) {
		*requests = append(*requests, req)
		return "POST", "https://example.test/v1/stream", strings.NewReader("{}"), nil, nil
	}
}

func newTestTransport(doer HTTPDoer, buildRequest func(GenerateRequest, bool) (string, string, io.Reader, map[string]string, error)) *Transport {
	return &Transport{
		Client:            doer,
		BuildRequest:      buildRequest,
		ParseChunk:        testParseChunk,
		StreamIdleTimeout: time.Second,
	}
}

func bypassDispatcher(registry *Registry) *Dispatcher {
	engine := NewEngine(PermissionEngineConfig{Mode: "bypass"})
	return NewDispatcher(registry, engine, nil)
}

// --- scenario 1: single tool turn ------------------------------------------

func TestQueryLoopSingleToolTurn(t *testing.T) {
	var reqs []GenerateRequest
	doer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response { return newFakeResponse(200, sseOf(`{"tool_use":{"id":"t1","name":"LS","input":{}}}`)) },
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"done"}`)) },
	}}
	tr := newTestTransport(doer, recordingBuildRequest(&reqs))

	registry := NewRegistry()
	registry.Register(&Capability{
		Name:              "LS",
		IsConcurrencySafe: true,
		NeedsPermissions:  func(json.RawMessage, *InvocationContext) bool { return false },
		Invoke: func(input json.RawMessage, ctx *InvocationContext) func(func(Yield) bool) {
			return func(yield func(Yield) bool) { yield(ResultYield(nil, "a\nb\n", false)) }
		},
	})

	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:          "m",
		ConcurrencyCap: 4,
		RetryConfig:    retry.Config{MaxAttempts: 1},
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("list files")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(emitted) != 3 {
		t.Fatalf("expected 3 emitted messages (tool_use turn, tool_result, final text), got %d: %+v", len(emitted), emitted)
	}
	if emitted[0].StopReason != StopReasonToolUse || len(emitted[0].ToolUseBlocks()) != 1 || emitted[0].ToolUseBlocks()[0].ToolName != "LS" {
		t.Errorf("expected first message to be the tool_use turn, got %+v", emitted[0])
	}
	if emitted[1].Role != RoleUser || emitted[1].Content[0].Type != BlockToolResult || emitted[1].Content[0].ToolResultText != "a\nb\n" {
		t.Errorf("expected second message to be the tool_result, got %+v", emitted[1])
	}
	if emitted[2].TextContent() != "done" {
		t.Errorf("expected final assistant text, got %+v", emitted[2])
	}
	if len(reqs) != 2 {
		t.Fatalf("expected exactly 2 transport calls, got %d", len(reqs))
	}
}

// --- scenario 2: parallel reads, concurrency cap 2 -------------------------

func TestQueryLoopParallelGroupRespectsConcurrencyCap(t *testing.T) {
	var reqs []GenerateRequest
	doer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response {
			return newFakeResponse(200, sseOf(
				`{"tool_use":{"id":"t1","name":"Read","input":{"path":"a"}}}`,
				`{"tool_use":{"id":"t2","name":"Read","input":{"path":"b"}}}`,
				`{"tool_use":{"id":"t3","name":"Read","input":{"path":"c"}}}`,
			))
		},
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"done"}`)) },
	}}
	tr := newTestTransport(doer, recordingBuildRequest(&reqs))

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	registry := NewRegistry()
	registry.Register(&Capability{
		Name:              "Read",
		IsConcurrencySafe: true,
		NeedsPermissions:  func(json.RawMessage, *InvocationContext) bool { return false },
		Invoke: func(input json.RawMessage, ctx *InvocationContext) func(func(Yield) bool) {
			return func(yield func(Yield) bool) {
				n := atomic.AddInt32(&inFlight, 1)
				mu.Lock()
				if n > maxInFlight {
					maxInFlight = n
				}
				mu.Unlock()
				time.Sleep(15 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				yield(ResultYield(nil, "contents", false))
			}
		},
	})

	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:          "m",
		ConcurrencyCap: 2,
		RetryConfig:    retry.Config{MaxAttempts: 1},
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	if err := loop.Query(scope, []Message{NewUserText("read 3 files")}, func(Message) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if maxInFlight > 2 {
		t.Errorf("expected concurrency never to exceed the configured cap of 2, observed %d", maxInFlight)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected exactly 2 transport calls, got %d", len(reqs))
	}

	combined := reqs[1].Messages[len(reqs[1].Messages)-1]
	if len(combined.Content) != 3 {
		t.Fatalf("expected 3 reordered tool_results sent back, got %d", len(combined.Content))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if combined.Content[i].ToolResultForID != want {
			t.Errorf("tool_result[%d].ToolResultForID = %s, want %s (original tool_use order)", i, combined.Content[i].ToolResultForID, want)
		}
	}
}

// --- scenario 3: serial gate trims a duplicate unsafe call ------------------

func TestQueryLoopSerialGateDropsSecondUnsafeCall(t *testing.T) {
	var reqs []GenerateRequest
	doer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response {
			return newFakeResponse(200, sseOf(
				`{"tool_use":{"id":"t1","name":"Bash","input":{"command":"ls"}}}`,
				`{"tool_use":{"id":"t2","name":"Read","input":{"path":"a"}}}`,
				`{"tool_use":{"id":"t3","name":"Bash","input":{"command":"pwd"}}}`,
			))
		},
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"done"}`)) },
	}}
	tr := newTestTransport(doer, recordingBuildRequest(&reqs))

	var executed []string
	var mu sync.Mutex
	registry := NewRegistry()
	registry.Register(&Capability{
		Name:              "Bash",
		IsConcurrencySafe: false,
		NeedsPermissions:  func(json.RawMessage, *InvocationContext) bool { return false },
		Invoke: func(input json.RawMessage, ctx *InvocationContext) func(func(Yield) bool) {
			return func(yield func(Yield) bool) {
				mu.Lock()
				executed = append(executed, string(input))
				mu.Unlock()
				yield(ResultYield(nil, "ok", false))
			}
		},
	})
	registry.Register(&Capability{
		Name:              "Read",
		IsConcurrencySafe: true,
		NeedsPermissions:  func(json.RawMessage, *InvocationContext) bool { return false },
		Invoke: func(input json.RawMessage, ctx *InvocationContext) func(func(Yield) bool) {
			return func(yield func(Yield) bool) { yield(ResultYield(nil, "contents", false)) }
		},
	})

	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:          "m",
		ConcurrencyCap: 4,
		RetryConfig:    retry.Config{MaxAttempts: 1},
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("run two shells")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(executed) != 1 || executed[0] != `{"command":"ls"}` {
		t.Fatalf("expected only the first unsafe call to execute, got %v", executed)
	}
	if len(emitted[0].ToolUseBlocks()) != 2 {
		t.Fatalf("expected the emitted turn to keep only the two surviving tool_use blocks, got %+v", emitted[0].ToolUseBlocks())
	}
}

// --- scenario 4: high-risk shell is always denied --------------------------

type fakeAllowListStore struct{ projectGrants map[string]bool }

func (f *fakeAllowListStore) HasProjectGrant(key string) bool { return f.projectGrants[key] }
func (f *fakeAllowListStore) HasSessionGrant(key string) bool { return false }
func (f *fakeAllowListStore) SaveProjectGrant(key string) error {
	f.projectGrants[key] = true
	return nil
}
func (f *fakeAllowListStore) SaveSessionGrant(key string) {}

func TestQueryLoopHighRiskShellAlwaysDenied(t *testing.T) {
	var reqs []GenerateRequest
	doer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response {
			return newFakeResponse(200, sseOf(`{"tool_use":{"id":"t1","name":"Bash","input":{"command":"rm -rf /"}}}`))
		},
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"done"}`)) },
	}}
	tr := newTestTransport(doer, recordingBuildRequest(&reqs))

	invoked := false
	registry := NewRegistry()
	registry.Register(&Capability{
		Name:              "Bash",
		IsConcurrencySafe: false,
		NeedsPermissions:  func(json.RawMessage, *InvocationContext) bool { return true },
		RenderToolUseMessage: func(input json.RawMessage, verbose bool) string {
			var v struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(input, &v)
			return v.Command
		},
		Invoke: func(input json.RawMessage, ctx *InvocationContext) func(func(Yield) bool) {
			return func(yield func(Yield) bool) { invoked = true; yield(ResultYield(nil, "ok", false)) }
		},
	})

	// Grant the exact command on the allow-list: the high-risk classification
	// must still deny, ahead of any allow-list consultation.
	store := &fakeAllowListStore{projectGrants: map[string]bool{"Bash(rm -rf /)": true}}
	engine := NewEngine(PermissionEngineConfig{Mode: "default", SafeMode: true, Store: store})
	dispatcher := NewDispatcher(registry, engine, nil)

	loop := NewQueryLoop(tr, registry, dispatcher, nil, nil, nil, LoopConfig{
		Model:          "m",
		ConcurrencyCap: 4,
		RetryConfig:    retry.Config{MaxAttempts: 1},
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("rm everything")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if invoked {
		t.Fatal("high-risk shell command must never be invoked, even with a matching allow-list grant")
	}
	toolResult := emitted[1]
	if !toolResult.Content[0].ToolResultError || toolResult.Content[0].ToolResultText != highRiskDenialMessage {
		t.Errorf("expected the high-risk denial, got %+v", toolResult.Content[0])
	}
}

// --- scenario 5: stream idle timeout retries then propagates ---------------

// slowEOFReader simulates a connection that goes quiet and is eventually torn
// down: its Read blocks past the configured idle timeout, then returns EOF,
// matching a real aborted connection whose body read unblocks right as
// cancellation fires.
type slowEOFReader struct{ delay time.Duration }

func (r *slowEOFReader) Read(p []byte) (int, error) {
	time.Sleep(r.delay)
	return 0, io.EOF
}

func TestQueryLoopStreamIdleTimeoutRetriesThenPropagates(t *testing.T) {
	var attempts int32
	doer := &factoryDoer{mk: func() *http.Response {
		atomic.AddInt32(&attempts, 1)
		return &http.Response{StatusCode: 200, Body: io.NopCloser(&slowEOFReader{delay: 30 * time.Millisecond}), Header: make(http.Header)}
	}}
	tr := &Transport{
		Client:            doer,
		BuildRequest:      buildRequestStub("POST", "https://example.test/v1/stream"),
		ParseChunk:        testParseChunk,
		StreamIdleTimeout: 10 * time.Millisecond,
	}

	registry := NewRegistry()
	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:          "m",
		RetryConfig:    retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 3 * time.Millisecond},
		RetryJitterCap: time.Millisecond,
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	err := loop.Query(scope, []Message{NewUserText("hi")}, func(Message) {})
	if err == nil {
		t.Fatal("expected the idle-timeout error to propagate once retries are exhausted")
	}
	te, ok := err.(*TransportError)
	if !ok || te.Kind != ErrStreamIdleTimeout {
		t.Fatalf("expected a stream idle timeout TransportError, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

// --- scenario 6: empty-content retry ---------------------------------------

func TestQueryLoopEmptyContentRetrySucceeds(t *testing.T) {
	var reqs []GenerateRequest
	doer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response { return newFakeResponse(200, sseOf(`{"thought":"**thinking** about it"}`)) },
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"hello world"}`)) },
	}}
	tr := newTestTransport(doer, recordingBuildRequest(&reqs))

	registry := NewRegistry()
	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:                  "m",
		RetryConfig:            retry.Config{MaxAttempts: 1},
		MaxEmptyContentRetries: 2,
	})

	scope := NewScope(nil, 0)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("say something")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(emitted) != 1 || emitted[0].TextContent() != "hello world" {
		t.Fatalf("expected only the retried, non-empty turn to be emitted, got %+v", emitted)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected exactly 2 transport calls (initial + 1 empty-content retry), got %d", len(reqs))
	}
	lastMessages := reqs[1].Messages
	if lastMessages[len(lastMessages)-1].TextContent() != emptyContentHint {
		t.Errorf("expected the retry request to append the empty-content hint, got %+v", lastMessages[len(lastMessages)-1])
	}
}

// --- cancellation -----------------------------------------------------------

func TestQueryLoopAbortedScopeEmitsInterruptWithoutCallingTransport(t *testing.T) {
	doer := &sequenceDoer{}
	tr := newTestTransport(doer, buildRequestStub("POST", "https://example.test/v1/stream"))

	registry := NewRegistry()
	loop := NewQueryLoop(tr, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{Model: "m"})

	scope := NewScope(nil, 0)
	scope.Mark(ReasonNone)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("hi")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emitted) != 1 || emitted[0].TextContent() != interruptText {
		t.Fatalf("expected a single synthetic interrupt message, got %+v", emitted)
	}
}

// --- scenario: router fallback on a failing candidate -----------------------

func TestQueryLoopRouterFallsBackToHealthyCandidateAndMarksFirstUnhealthy(t *testing.T) {
	primaryDoer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response { return newFakeResponse(500, "upstream exploded") },
	}}
	backupDoer := &sequenceDoer{mk: []func() *http.Response{
		func() *http.Response { return newFakeResponse(200, sseOf(`{"text":"done"}`)) },
	}}

	primary := newTestTransport(primaryDoer, buildRequestStub("POST", "https://primary.test/v1/stream"))
	backup := newTestTransport(backupDoer, buildRequestStub("POST", "https://backup.test/v1/stream"))

	router := routing.NewRouter(routing.Config{
		DefaultTransport: "primary",
		Fallback:         routing.Target{Transport: "backup"},
	}, map[string]*Transport{"primary": primary, "backup": backup})

	registry := NewRegistry()
	loop := NewQueryLoop(primary, registry, bypassDispatcher(registry), nil, nil, nil, LoopConfig{
		Model:       "m",
		RetryConfig: retry.Config{MaxAttempts: 1},
	})
	loop.Router = router

	scope := NewScope(nil, 0)
	defer scope.Close()

	var emitted []Message
	if err := loop.Query(scope, []Message{NewUserText("hello")}, func(m Message) { emitted = append(emitted, m) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emitted) != 1 || emitted[0].TextContent() != "done" {
		t.Fatalf("expected the backup transport's response, got %+v", emitted)
	}

	// A second Select should now skip the primary until its cooldown elapses.
	selections, err := router.Select(GenerateRequest{Messages: []Message{NewUserText("hello again")}})
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(selections) != 1 || selections[0].Name != "backup" {
		t.Fatalf("expected primary marked unhealthy and excluded, got %+v", selections)
	}
}

// --- pure-function unit tests -----------------------------------------------

func TestInjectContextualRemindersTargetsLatestTextUserMessage(t *testing.T) {
	messages := []Message{
		NewUserText("first"),
		NewAssistantMessage([]Block{ToolUseBlock("t1", "Read", json.RawMessage(`{}`))}, Usage{}, 0),
		NewUserMessage(ToolResultBlock("t1", "contents", false)),
		NewUserText("second"),
	}

	out := injectContextualReminders(messages, []string{"reminder-one"})

	last := out[len(out)-1]
	if len(last.Content) != 2 || last.Content[1].Text != "reminder-one" {
		t.Fatalf("expected the reminder appended to the latest text-bearing user message, got %+v", last)
	}
	if len(messages[len(messages)-1].Content) != 1 {
		t.Error("injectContextualReminders must not mutate the original message slice")
	}
}

func TestInjectContextualRemindersNeverTargetsToolResultMessage(t *testing.T) {
	messages := []Message{
		NewUserText("first"),
		NewUserMessage(ToolResultBlock("t1", "contents", false)),
	}

	out := injectContextualReminders(messages, []string{"r"})

	if len(out[1].Content) != 1 {
		t.Error("must never inject a reminder into a message whose first block is a tool_result")
	}
	if len(out[0].Content) != 2 {
		t.Error("expected the earlier text-bearing user message to receive the reminder instead")
	}
}

func TestInjectContextualRemindersNoEligibleMessageReturnsUnchanged(t *testing.T) {
	messages := []Message{NewUserMessage(ToolResultBlock("t1", "contents", false))}
	out := injectContextualReminders(messages, []string{"r"})
	if len(out[0].Content) != 1 {
		t.Error("expected messages unchanged when no eligible message exists")
	}
}

func TestApplySerialGatePreservesNonToolUseBlocks(t *testing.T) {
	msg := NewAssistantMessage([]Block{
		TextBlock("let me check"),
		ToolUseBlock("t1", "Bash", json.RawMessage(`{}`)),
		ToolUseBlock("t2", "Bash", json.RawMessage(`{}`)),
	}, Usage{}, 0)

	gated, survivors := applySerialGate(msg, func(string) bool { return false })

	if len(survivors) != 1 || survivors[0].ToolUseID != "t1" {
		t.Fatalf("expected only the first unsafe call to survive, got %+v", survivors)
	}
	if len(gated.Content) != 2 || gated.Content[0].Type != BlockText || gated.Content[1].ToolUseID != "t1" {
		t.Fatalf("expected the gated message to keep its text block and the surviving tool_use, got %+v", gated.Content)
	}
}

func TestBuildSystemPromptIncludesToolPromptsAndConstraintBanner(t *testing.T) {
	loop := &QueryLoop{Config: LoopConfig{BaseSystemPrompt: "base"}}
	tools := []*Capability{
		{Name: "Read", Prompt: func() string { return "read-snippet" }},
		{Name: "NoPrompt"},
	}
	constraint := &SkillConstraint{Banner: "restricted banner"}

	got := loop.buildSystemPrompt(tools, constraint)

	if !strings.Contains(got, "base") || !strings.Contains(got, "read-snippet") || !strings.Contains(got, "restricted banner") {
		t.Fatalf("expected system prompt to include base, tool snippet and banner, got %q", got)
	}
}
