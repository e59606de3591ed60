// Package providers adapts agent.GenerateRequest/agent.ResponseChunk to the
// wire formats of concrete model providers, for use as an agent.Transport's
// BuildRequest/ParseChunk/ParseNonStreaming hooks.
package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"
const anthropicVersion = "2023-06-01"

// AnthropicConfig configures an Anthropic transport adapter.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// NewAnthropicTransport builds an agent.Transport whose BuildRequest/
// ParseChunk/ParseNonStreaming hooks speak the Anthropic Messages API wire
// format. The caller supplies the HTTP client and timeouts; this function
// only wires the provider-specific pieces.
func NewAnthropicTransport(client agent.HTTPDoer, cfg AnthropicConfig) *agent.Transport {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = anthropicDefaultBaseURL
	}

	return &agent.Transport{
		Client:            client,
		BaseURL:           base,
		APIKey:            cfg.APIKey,
		BuildRequest:      anthropicBuildRequest(base, cfg.APIKey),
		ParseChunk:        anthropicParseChunk,
		ParseNonStreaming: anthropicParseNonStreaming,
		ParseError:        anthropicParseError,
	}
}

type anthropicErrorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicParseError turns a non-2xx Messages API response into a
// ProviderError carrying the provider's own error type and message, so
// callers can distinguish e.g. overloaded_error from invalid_request_error
// instead of pattern-matching the raw body.
func anthropicParseError(statusCode int, body []byte) error {
	perr := NewProviderError("anthropic", "", fmt.Errorf("status %d", statusCode)).WithStatus(statusCode)

	var env anthropicErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Type != "" {
		perr = perr.WithCode(env.Error.Type).WithMessage(env.Error.Message)
	}
	return perr
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

func toAnthropicMessages(messages []agent.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == agent.RoleAssistant {
			role = "assistant"
		}
		blocks := make([]anthropicContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case agent.BlockText:
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: b.Text})
			case agent.BlockToolUse:
				blocks = append(blocks, anthropicContentBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
			case agent.BlockToolResult:
				blocks = append(blocks, anthropicContentBlock{Type: "tool_result", ToolUseID: b.ToolResultForID, Content: b.ToolResultText, IsError: b.ToolResultError})
			case agent.BlockImage:
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: "[image omitted]"})
			}
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}
	return out
}

func anthropicBuildRequest(base, apiKey string) func(agent.GenerateRequest, bool) (string, string, io.Reader, map[string]string, error) {
	return func(req agent.GenerateRequest, streaming bool) (string, string, io.Reader, map[string]string, error) {
		tools := make([]anthropicTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
		}

		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}

		wire := anthropicRequest{
			Model:       req.Model,
			System:      req.System,
			Messages:    toAnthropicMessages(req.Messages),
			Tools:       tools,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			Stream:      streaming,
		}
		body, err := json.Marshal(wire)
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("anthropic: encode request: %w", err)
		}

		headers := map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": anthropicVersion,
		}
		if streaming {
			headers["Accept"] = "text/event-stream"
		}
		return "POST", base + "/v1/messages", bytes.NewReader(body), headers, nil
	}
}

type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
}

// anthropicParseChunk translates one content_block_start/delta/stop,
// message_start, or message_delta event into a ResponseChunk, following the
// vocabulary Anthropic's Messages API streams: text_delta and
// input_json_delta deltas map to PartText/PartFunctionCall parts;
// thinking_delta maps to PartThought; message_delta/message_start carry
// cumulative usage.
func anthropicParseChunk(payload []byte) (agent.ResponseChunk, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return agent.ResponseChunk{}, fmt.Errorf("anthropic: decode event: %w", err)
	}

	chunk := agent.ResponseChunk{Role: "assistant"}

	switch evt.Type {
	case "content_block_start":
		if evt.ContentBlock == nil {
			return chunk, nil
		}
		if evt.ContentBlock.Type == "tool_use" {
			chunk.Parts = append(chunk.Parts, agent.ChunkPart{
				Kind:             agent.PartFunctionCall,
				FunctionCallID:   evt.ContentBlock.ID,
				FunctionCallName: evt.ContentBlock.Name,
			})
		}
	case "content_block_delta":
		if evt.Delta == nil {
			return chunk, nil
		}
		switch evt.Delta.Type {
		case "text_delta":
			chunk.Parts = append(chunk.Parts, agent.ChunkPart{Kind: agent.PartText, Text: evt.Delta.Text})
		case "thinking_delta":
			chunk.Parts = append(chunk.Parts, agent.ChunkPart{Kind: agent.PartThought, ThoughtText: evt.Delta.Thinking})
		case "input_json_delta":
			chunk.Parts = append(chunk.Parts, agent.ChunkPart{Kind: agent.PartFunctionCall, FunctionCallArgs: json.RawMessage(evt.Delta.PartialJSON)})
		}
	case "message_start":
		if evt.Message != nil {
			chunk.Usage = &agent.Usage{InputTokens: evt.Message.Usage.InputTokens}
		}
	case "message_delta":
		if evt.Usage != nil {
			chunk.Usage = &agent.Usage{OutputTokens: evt.Usage.OutputTokens}
		}
		if evt.Delta != nil {
			chunk.FinishReason = evt.Delta.StopReason
		}
	}
	return chunk, nil
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

func anthropicParseNonStreaming(body []byte) (agent.Message, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return agent.Message{}, fmt.Errorf("anthropic: decode response: %w", err)
	}

	blocks := make([]agent.Block, 0, len(resp.Content))
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, agent.TextBlock(b.Text))
		case "tool_use":
			blocks = append(blocks, agent.ToolUseBlock(b.ID, b.Name, b.Input))
		}
	}

	usage := agent.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	return agent.NewAssistantMessage(blocks, usage, 0), nil
}
