package agent

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason explains why an assistant turn ended.
type StopReason string

const (
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// BlockType discriminates the variants of a content Block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of a Message's content. Only the fields relevant to
// its Type are populated; the others are left at their zero value. Modeling
// content as a single tagged struct (rather than an interface per variant)
// mirrors how the wire format itself multiplexes block kinds on one "type"
// discriminator field.
type Block struct {
	Type BlockType `json:"type"`

	// Text holds the payload for BlockText.
	Text string `json:"text,omitempty"`

	// Image holds the payload for BlockImage.
	ImageBase64 string `json:"image_base64,omitempty"`
	ImageMime   string `json:"image_mime,omitempty"`

	// ToolUse fields.
	ToolUseID  string          `json:"id,omitempty"`
	ToolName   string          `json:"name,omitempty"`
	ToolInput  json.RawMessage `json:"input,omitempty"`
	ThoughtSig string          `json:"thought_signature,omitempty"`

	// ToolResult fields.
	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolResultText  string `json:"content,omitempty"`
	ToolResultError bool   `json:"is_error,omitempty"`
	// ToolResultData carries an optional structured side-channel payload
	// produced by a tool's result element; never sent to the model, only
	// surfaced to the caller alongside ToolResultText.
	ToolResultData any `json:"-"`
}

// TextBlock builds a text content block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, text string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolResultForID: toolUseID, ToolResultText: text, ToolResultError: isError}
}

// Usage tracks token accounting for one assistant turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is the unified conversation unit exchanged between the agent
// query loop, the model transport, and the tool dispatcher.
//
// A Message is one of three shapes, distinguished by Role and Progress:
//   - a UserMessage: Role == RoleUser, content blocks are text/image/tool_result
//   - an AssistantMessage: Role == RoleAssistant, content blocks are
//     text/tool_use, with Usage and Duration populated
//   - a ProgressMessage: Progress != nil; an opaque, per tool_use_id snapshot
//     that is never sent back to the model
type Message struct {
	Role    Role    `json:"role,omitempty"`
	Content []Block `json:"content,omitempty"`

	// Usage and Duration are only meaningful on an AssistantMessage.
	Usage      Usage         `json:"usage,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	StopReason StopReason    `json:"stop_reason,omitempty"`

	// Progress, when non-nil, marks this as a ProgressMessage: an opaque
	// snapshot tied to one tool_use_id, tagged with the ids of every
	// sibling tool_use block dispatched in the same turn.
	Progress *ProgressPayload `json:"-"`
}

// ProgressPayload carries an in-flight tool's opaque progress snapshot.
type ProgressPayload struct {
	ToolUseID  string
	SiblingIDs []string
	Data       any
}

// IsProgress reports whether m is a ProgressMessage.
func (m Message) IsProgress() bool {
	return m.Progress != nil
}

// NewUserMessage builds a UserMessage from content blocks.
func NewUserMessage(blocks ...Block) Message {
	return Message{Role: RoleUser, Content: blocks}
}

// NewUserText builds a single-text-block UserMessage.
func NewUserText(text string) Message {
	return NewUserMessage(TextBlock(text))
}

// NewAssistantMessage builds an AssistantMessage from content blocks.
func NewAssistantMessage(blocks []Block, usage Usage, duration time.Duration) Message {
	stop := StopReasonStopSequence
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			stop = StopReasonToolUse
			break
		}
	}
	return Message{
		Role:       RoleAssistant,
		Content:    blocks,
		Usage:      usage,
		Duration:   duration,
		StopReason: stop,
	}
}

// NewProgressMessage builds a ProgressMessage for one tool_use_id.
func NewProgressMessage(toolUseID string, siblingIDs []string, data any) Message {
	return Message{
		Progress: &ProgressPayload{ToolUseID: toolUseID, SiblingIDs: siblingIDs, Data: data},
	}
}

// ToolUseBlocks returns the tool_use blocks in an AssistantMessage's content,
// in their original order.
func (m Message) ToolUseBlocks() []Block {
	var out []Block
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// FirstBlockIsToolResult reports whether m's first content block is a
// tool_result. The query loop must never inject a contextual reminder into
// such a message: the provider requires a function response to immediately
// follow its function call with nothing interposed.
func (m Message) FirstBlockIsToolResult() bool {
	return len(m.Content) > 0 && m.Content[0].Type == BlockToolResult
}

// TextContent concatenates every text block's contents, in order.
func (m Message) TextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
