package agent

import (
	"encoding/json"
	"strings"
	"time"
)

// ChunkPartKind discriminates one part of a streamed response chunk.
type ChunkPartKind string

const (
	PartText         ChunkPartKind = "text"
	PartFunctionCall ChunkPartKind = "function_call"
	PartThought      ChunkPartKind = "thought"
)

// ChunkPart is one element of a ResponseChunk's part list.
type ChunkPart struct {
	Kind ChunkPartKind

	Text string

	FunctionCallID   string
	FunctionCallName string
	FunctionCallArgs json.RawMessage
	ThoughtSignature string

	// ThoughtText holds the raw thought string/marker when Kind ==
	// PartThought.
	ThoughtText string
}

// ResponseChunk is one element of the model stream.
type ResponseChunk struct {
	Role         string
	Parts        []ChunkPart
	Usage        *Usage
	TraceID      string
	FinishReason string
}

// Thought is the parsed {subject, description} form of a thought part,
// split on the first "**...**" delimited span.
type Thought struct {
	Subject     string
	Description string
}

// ParseThought extracts subject/description from raw thought text. The
// first "**...**" span becomes the subject; everything else (joined, minus
// that span) becomes the description.
func ParseThought(raw string) Thought {
	start := strings.Index(raw, "**")
	if start == -1 {
		return Thought{Description: strings.TrimSpace(raw)}
	}
	end := strings.Index(raw[start+2:], "**")
	if end == -1 {
		return Thought{Description: strings.TrimSpace(raw)}
	}
	end += start + 2
	subject := raw[start+2 : end]
	description := raw[:start] + raw[end+2:]
	return Thought{Subject: strings.TrimSpace(subject), Description: strings.TrimSpace(description)}
}

// Aggregator folds a sequence of ResponseChunks into a single assistant
// Message, following the rules in order, part order:
//  1. thought parts never enter message content; the latest parsed thought
//     is delivered via OnThought unless suppressed.
//  2. text parts fold into a rolling buffer with snapshot-style dedup.
//  3. function-call parts are deduplicated by id, or by adjacent anonymous
//     name match, with deep-merged args.
//  4. any other part resets the anonymous function-call merge pointer.
//  5. an empty result becomes a single sentinel text block.
type Aggregator struct {
	// OnThought, if set, receives every parsed thought unless
	// ThoughtSuppressed is true (used by sub-agents that should not leak
	// their internal reasoning to the parent session's thought channel).
	OnThought         func(Thought)
	ThoughtSuppressed bool

	textBuf       strings.Builder
	blocks        []Block
	lastAnonIndex int // index into blocks of the last anonymous function-call merge target, or -1

	usage   Usage
	traceID string
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{lastAnonIndex: -1}
}

// Feed folds one chunk's parts into the aggregator's running state.
func (a *Aggregator) Feed(chunk ResponseChunk) {
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	if a.traceID == "" && chunk.TraceID != "" {
		a.traceID = chunk.TraceID
	}

	for _, part := range chunk.Parts {
		switch part.Kind {
		case PartThought:
			thought := ParseThought(part.ThoughtText)
			if a.OnThought != nil && !a.ThoughtSuppressed {
				a.OnThought(thought)
			}
		case PartText:
			a.foldText(part.Text)
			a.lastAnonIndex = -1
		case PartFunctionCall:
			a.foldFunctionCall(part)
		default:
			a.lastAnonIndex = -1
		}
	}
}

func (a *Aggregator) foldText(text string) {
	current := a.textBuf.String()
	var delta string
	if current != "" && strings.HasPrefix(text, current) {
		// Snapshot-style chunk: text is the full stream-so-far. Only the
		// suffix beyond what was already folded is new.
		delta = text[len(current):]
	} else {
		delta = text
	}
	a.textBuf.WriteString(delta)
	a.appendOrExtendText(delta)
}

// appendOrExtendText appends delta to the last block if it is a text block
// immediately following another text part, otherwise starts a new text
// block containing just delta. Only the incremental delta is ever written,
// so text interrupted by an intervening tool_use block is not duplicated
// when a new text block starts.
func (a *Aggregator) appendOrExtendText(delta string) {
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == BlockText {
		a.blocks[n-1].Text += delta
		return
	}
	a.blocks = append(a.blocks, TextBlock(delta))
}

func (a *Aggregator) foldFunctionCall(part ChunkPart) {
	if part.FunctionCallID != "" {
		for i := range a.blocks {
			if a.blocks[i].Type == BlockToolUse && a.blocks[i].ToolUseID == part.FunctionCallID {
				a.mergeFunctionCall(i, part)
				a.lastAnonIndex = -1
				return
			}
		}
		a.blocks = append(a.blocks, ToolUseBlock(part.FunctionCallID, part.FunctionCallName, part.FunctionCallArgs))
		if part.ThoughtSignature != "" {
			a.blocks[len(a.blocks)-1].ThoughtSig = part.ThoughtSignature
		}
		a.lastAnonIndex = -1
		return
	}

	// No id: merge into the previous anonymous function-call block if its
	// name matches, otherwise start a new anonymous block.
	if a.lastAnonIndex >= 0 && a.lastAnonIndex < len(a.blocks) {
		prev := a.blocks[a.lastAnonIndex]
		if prev.Type == BlockToolUse && prev.ToolUseID == "" && prev.ToolName == part.FunctionCallName {
			a.mergeFunctionCall(a.lastAnonIndex, part)
			return
		}
	}
	a.blocks = append(a.blocks, ToolUseBlock("", part.FunctionCallName, part.FunctionCallArgs))
	a.lastAnonIndex = len(a.blocks) - 1
}

func (a *Aggregator) mergeFunctionCall(index int, part ChunkPart) {
	existing := &a.blocks[index]
	if existing.ToolName == "" {
		existing.ToolName = part.FunctionCallName
	}
	existing.ToolInput = deepMergeJSON(existing.ToolInput, part.FunctionCallArgs)
	if existing.ThoughtSig == "" && part.ThoughtSignature != "" {
		existing.ThoughtSig = part.ThoughtSignature
	}
}

// deepMergeJSON deep-merges two JSON object fragments, with b's keys taking
// precedence on conflict and nested objects merged recursively. Non-object
// values (arrays, scalars) are replaced wholesale by b when both are
// present.
func deepMergeJSON(a, b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}

	var am, bm map[string]any
	errA := json.Unmarshal(a, &am)
	errB := json.Unmarshal(b, &bm)
	if errA != nil || errB != nil {
		return b
	}

	merged := deepMergeMaps(am, bm)
	out, err := json.Marshal(merged)
	if err != nil {
		return b
	}
	return out
}

func deepMergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = deepMergeMaps(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

const sentinelNoContent = "(No content)"

// Finish produces the aggregated AssistantMessage. If no content blocks
// were produced, a single sentinel text block is emitted instead of an
// empty message.
func (a *Aggregator) Finish(duration time.Duration) Message {
	blocks := a.blocks
	if len(blocks) == 0 {
		blocks = []Block{TextBlock(sentinelNoContent)}
	}
	msg := NewAssistantMessage(blocks, a.usage, duration)
	return msg
}
