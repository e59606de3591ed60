package agent

import (
	"encoding/json"
)

// YieldKind discriminates the two element kinds a capability's Invoke
// sequence can produce.
type YieldKind string

const (
	YieldProgress YieldKind = "progress"
	YieldResult   YieldKind = "result"
)

// Yield is one element of a capability's lazy invocation sequence.
type Yield struct {
	Kind YieldKind

	// Progress holds an opaque snapshot when Kind == YieldProgress.
	Progress any

	// Result fields are populated when Kind == YieldResult.
	ResultData         any
	ResultTextForModel string
	ResultIsError      bool
}

// ProgressYield builds a progress element.
func ProgressYield(snapshot any) Yield {
	return Yield{Kind: YieldProgress, Progress: snapshot}
}

// ResultYield builds a terminal result element.
func ResultYield(data any, textForModel string, isError bool) Yield {
	return Yield{Kind: YieldResult, ResultData: data, ResultTextForModel: textForModel, ResultIsError: isError}
}

// Denial is returned by ValidateInput to reject an input with a reason that
// is surfaced to the model as an error tool_result.
type Denial struct {
	Reason string
}

func (d *Denial) Error() string { return d.Reason }

// InvocationContext is the tool-use context passed into every capability
// invocation: constructed once per user request and shared by reference
// across every tool dispatched within it. Its Scope fires on user interrupt
// or fatal transport error and is observed by every suspended tool.
type InvocationContext struct {
	Scope          *Scope
	PermissionMode string
	ToolNames      []string
	Verbose        bool

	// MessageLogName identifies the current session/log for tools that
	// need to correlate their output with it.
	MessageLogName string

	// ReadFileTimestamps tracks the last-read mtime per path, so that an
	// edit tool can refuse to write a file that changed on disk since it
	// was last read by this session.
	ReadFileTimestamps map[string]int64

	// Progress is where a capability's progress yields are relayed as they
	// are produced, tagged by the dispatcher with the tool_use_id and its
	// sibling ids.
	Progress func(snapshot any)
}

// Capability is the full per-tool record the registry holds: schema,
// prompt snippet, concurrency/read-only flags, the permission predicate,
// optional semantic validation, and the lazy invocation sequence itself.
//
// A capability whose IsConcurrencySafe is false must never be scheduled in
// the same dispatch group as any other tool; the concurrency planner
// enforces this.
type Capability struct {
	Name string

	// Schema is the capability's declared JSON-Schema for its input.
	Schema json.RawMessage

	// Description returns the tool's human description. It may be backed
	// by an async producer at registration time; by the time the registry
	// is queried during a turn, the value has already been primed and
	// cached, because permission prompts need it synchronously.
	Description func() string

	// Prompt returns the tool-prompt snippet injected into the system
	// prompt when this tool is enabled. Empty means "no snippet".
	Prompt func() string

	IsReadOnly        bool
	IsConcurrencySafe bool

	// Requires, if set, further restricts eligibility beyond a bare
	// allow-list: a skill constraint naming this tool still excludes it from
	// the effective tool set when its environment requirements aren't met.
	Requires *GatingRequirements

	// NeedsPermissions reports whether input, given the current context,
	// requires a permission check at all. A pure read of an already
	// explicitly-granted directory can return false.
	NeedsPermissions func(input json.RawMessage, ctx *InvocationContext) bool

	// ValidateInput performs tool-specific semantic validation beyond
	// schema shape. Returning a non-nil *Denial aborts the dispatch with
	// that denial reason surfaced as an error tool_result.
	ValidateInput func(input json.RawMessage, ctx *InvocationContext) *Denial

	// RenderToolUseMessage renders input into the human-readable form used
	// to build permission allow-list keys (e.g. `Bash(ls -la)`), and is
	// shown to the interactive confirmer.
	RenderToolUseMessage func(input json.RawMessage, verbose bool) string

	// Invoke returns the lazy sequence of progress/result elements for one
	// call. The returned function is called at most once per dispatch and
	// must itself observe ctx.Scope between yields.
	Invoke func(input json.RawMessage, ctx *InvocationContext) func(yield func(Yield) bool)
}

// RenderInput renders input for permission-key construction, falling back
// to the raw JSON input when the capability has no custom renderer.
func (c *Capability) RenderInput(input json.RawMessage, verbose bool) string {
	if c.RenderToolUseMessage != nil {
		return c.RenderToolUseMessage(input, verbose)
	}
	return string(input)
}

// NeedsPermissionsFor reports whether input needs a permission check,
// defaulting to true (the conservative default) when the capability
// declares no predicate.
func (c *Capability) NeedsPermissionsFor(input json.RawMessage, ctx *InvocationContext) bool {
	if c.NeedsPermissions == nil {
		return true
	}
	return c.NeedsPermissions(input, ctx)
}
