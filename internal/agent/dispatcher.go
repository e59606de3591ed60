package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const toolCrashedTruncateLimit = 10000

// DispatchOptions controls a single tool_use dispatch.
type DispatchOptions struct {
	SkipPermissionCheck bool
}

// Dispatcher runs the per-tool_use lifecycle: lookup, schema-validate,
// normalize, custom-validate, permission-check, invoke,
// relaying progress and result messages and trapping any panic/crash into
// an error tool_result.
type Dispatcher struct {
	registry *Registry
	engine   *Engine
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *Registry, engine *Engine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, engine: engine, logger: logger}
}

// Dispatch runs one tool_use block to completion, emitting every message it
// produces (progress and/or a single terminal result) through emit, in
// order. siblingIDs are the ids of every tool_use block dispatched in the
// same turn, attached to progress messages.
func (d *Dispatcher) Dispatch(block Block, siblingIDs []string, ctx *InvocationContext, opts DispatchOptions, emit func(Message)) {
	// 1. Abort check.
	if ctx.Scope != nil && ctx.Scope.Aborted() {
		emit(Message{Role: RoleUser, Content: []Block{ToolResultBlock(block.ToolUseID, "Cancelled", true)}})
		return
	}

	// 2. Lookup.
	capability, ok := d.registry.Get(block.ToolName)
	if !ok {
		emit(Message{Role: RoleUser, Content: []Block{
			ToolResultBlock(block.ToolUseID, fmt.Sprintf("Error: No such tool available: %s", block.ToolName), true),
		}})
		return
	}

	// 3. Schema validation.
	input := block.ToolInput
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if msg, ok := validateAgainstSchema(capability.Schema, input); !ok {
		emit(Message{Role: RoleUser, Content: []Block{ToolResultBlock(block.ToolUseID, msg, true)}})
		return
	}

	// 4. Normalize input (tool-specific; a no-op for any capability that
	// doesn't need it).
	input = normalizeToolInput(capability.Name, input)

	// 5. Custom validation.
	if capability.ValidateInput != nil {
		if denial := capability.ValidateInput(input, ctx); denial != nil {
			emit(Message{Role: RoleUser, Content: []Block{ToolResultBlock(block.ToolUseID, denial.Reason, true)}})
			return
		}
	}

	// 6. Permission check.
	if !opts.SkipPermissionCheck && d.engine != nil {
		decision := d.engine.Check(capability, input, ctx)
		if !decision.Granted {
			emit(Message{Role: RoleUser, Content: []Block{ToolResultBlock(block.ToolUseID, decision.Reason, true)}})
			return
		}
	}

	// 7. Invoke, relaying progress/result, checking abort between elements.
	d.invoke(capability, block.ToolUseID, siblingIDs, input, ctx, emit)
}

func (d *Dispatcher) invoke(capability *Capability, toolUseID string, siblingIDs []string, input json.RawMessage, ctx *InvocationContext, emit func(Message)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool execution panicked", "tool", capability.Name, "tool_use_id", toolUseID, "panic", r)
			emit(Message{Role: RoleUser, Content: []Block{
				ToolResultBlock(toolUseID, truncateToolError(fmt.Sprintf("%v", r)), true),
			}})
		}
	}()

	if capability.Invoke == nil {
		emit(Message{Role: RoleUser, Content: []Block{
			ToolResultBlock(toolUseID, "Tool execution failed: capability has no invoke implementation", true),
		}})
		return
	}

	var lastWasProgress any
	sawResult := false

	seq := capability.Invoke(input, ctx)
	seq(func(y Yield) bool {
		if ctx.Scope != nil && ctx.Scope.Aborted() {
			if lastWasProgress != nil {
				emit(NewProgressMessage(toolUseID, siblingIDs, lastWasProgress))
			}
			emit(Message{Role: RoleUser, Content: []Block{ToolResultBlock(toolUseID, "Cancelled", true)}})
			sawResult = true
			return false
		}

		switch y.Kind {
		case YieldProgress:
			lastWasProgress = y.Progress
			emit(NewProgressMessage(toolUseID, siblingIDs, y.Progress))
			return true
		case YieldResult:
			msg := Message{Role: RoleUser, Content: []Block{ToolResultBlock(toolUseID, y.ResultTextForModel, y.ResultIsError)}}
			if len(msg.Content) > 0 {
				msg.Content[0].ToolResultData = y.ResultData
			}
			emit(msg)
			sawResult = true
			return false
		default:
			return true
		}
	})

	if !sawResult {
		// A well-behaved capability always terminates with a result
		// element; this guards against one that returns without yielding
		// one, so the model never sees a dangling tool_use.
		emit(Message{Role: RoleUser, Content: []Block{
			ToolResultBlock(toolUseID, "Tool execution failed: no result produced", true),
		}})
	}
}

func truncateToolError(msg string) string {
	if len(msg) <= toolCrashedTruncateLimit {
		return fmt.Sprintf("Tool execution failed: %s", msg)
	}
	return fmt.Sprintf("Tool execution failed: %s... (truncated)", msg[:toolCrashedTruncateLimit])
}

func validateAgainstSchema(schema json.RawMessage, input json.RawMessage) (string, bool) {
	if len(schema) == 0 {
		return "", true
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return "", true // treat an undeclarable schema as unenforceable, not a dispatch failure
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return "", true
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Sprintf("invalid input: %s", err.Error()), false
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Sprintf("input validation failed: %s", err.Error()), false
	}
	return "", true
}

// normalizeToolInput applies tool-specific normalization by dispatching on
// the capability's identity. Most tools need none; the dispatch table here
// is intentionally small and grows only as concrete tools require it.
func normalizeToolInput(toolName string, input json.RawMessage) json.RawMessage {
	return input
}
