package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
)

const openAIDefaultBaseURL = "https://api.openai.com"

// OpenAIConfig configures an OpenAI transport adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAITransport builds an agent.Transport whose BuildRequest/
// ParseChunk/ParseNonStreaming hooks speak the OpenAI chat completions wire
// format.
func NewOpenAITransport(client agent.HTTPDoer, cfg OpenAIConfig) *agent.Transport {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = openAIDefaultBaseURL
	}

	return &agent.Transport{
		Client:            client,
		BaseURL:           base,
		APIKey:            cfg.APIKey,
		BuildRequest:      openAIBuildRequest(base, cfg.APIKey),
		ParseChunk:        openAIParseChunk,
		ParseNonStreaming: openAIParseNonStreaming,
		ParseError:        openAIParseError,
	}
}

type openAIErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// openAIParseError turns a non-2xx chat completions response into a
// ProviderError, preferring the provider's own error code over the status
// code alone so e.g. insufficient_quota classifies as billing rather than
// the generic invalid_request 400 it's sometimes wrapped in.
func openAIParseError(statusCode int, body []byte) error {
	perr := NewProviderError("openai", "", fmt.Errorf("status %d", statusCode)).WithStatus(statusCode)

	var env openAIErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Code != "" || env.Error.Type != "") {
		code := env.Error.Code
		if code == "" {
			code = env.Error.Type
		}
		perr = perr.WithCode(code).WithMessage(env.Error.Message)
	}
	return perr
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionDecl `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

// toOpenAIMessages flattens the block-structured Message into OpenAI's flat
// role/content/tool_calls shape. A tool_result block becomes its own
// role:"tool" message; every other block kind folds into the same message.
func toOpenAIMessages(system string, messages []agent.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: system})
	}

	for _, m := range messages {
		role := "user"
		if m.Role == agent.RoleAssistant {
			role = "assistant"
		}

		var text strings.Builder
		var calls []openAIToolCall
		for _, b := range m.Content {
			switch b.Type {
			case agent.BlockText:
				text.WriteString(b.Text)
			case agent.BlockToolUse:
				calls = append(calls, openAIToolCall{
					ID:       b.ToolUseID,
					Type:     "function",
					Function: openAIFunctionCall{Name: b.ToolName, Arguments: string(b.ToolInput)},
				})
			case agent.BlockToolResult:
				out = append(out, openAIMessage{Role: "tool", Content: b.ToolResultText, ToolCallID: b.ToolResultForID})
			case agent.BlockImage:
				text.WriteString("[image omitted]")
			}
		}
		if text.Len() > 0 || len(calls) > 0 {
			out = append(out, openAIMessage{Role: role, Content: text.String(), ToolCalls: calls})
		}
	}
	return out
}

func openAIBuildRequest(base, apiKey string) func(agent.GenerateRequest, bool) (string, string, io.Reader, map[string]string, error) {
	return func(req agent.GenerateRequest, streaming bool) (string, string, io.Reader, map[string]string, error) {
		tools := make([]openAITool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openAITool{
				Type:     "function",
				Function: openAIFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Schema},
			})
		}

		wire := openAIRequest{
			Model:       req.Model,
			Messages:    toOpenAIMessages(req.System, req.Messages),
			Tools:       tools,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Stream:      streaming,
		}
		body, err := json.Marshal(wire)
		if err != nil {
			return "", "", nil, nil, fmt.Errorf("openai: encode request: %w", err)
		}

		headers := map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + apiKey,
		}
		if streaming {
			headers["Accept"] = "text/event-stream"
		}
		return "POST", base + "/v1/chat/completions", bytes.NewReader(body), headers, nil
	}
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// openAIParseChunk translates one chat.completion.chunk SSE payload into a
// ResponseChunk. A tool_calls delta identifies one anonymous function-call
// part per streamed argument fragment; the aggregator's
// adjacent-anonymous-merge rule reassembles them because OpenAI never
// repeats the call's id after the first fragment.
func openAIParseChunk(payload []byte) (agent.ResponseChunk, error) {
	var raw openAIStreamChunk
	if err := json.Unmarshal(payload, &raw); err != nil {
		return agent.ResponseChunk{}, fmt.Errorf("openai: decode chunk: %w", err)
	}

	chunk := agent.ResponseChunk{Role: "assistant"}
	if raw.Usage != nil {
		chunk.Usage = &agent.Usage{InputTokens: raw.Usage.PromptTokens, OutputTokens: raw.Usage.CompletionTokens}
	}
	if len(raw.Choices) == 0 {
		return chunk, nil
	}

	choice := raw.Choices[0]
	chunk.FinishReason = choice.FinishReason
	if choice.Delta.Content != "" {
		chunk.Parts = append(chunk.Parts, agent.ChunkPart{Kind: agent.PartText, Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		part := agent.ChunkPart{Kind: agent.PartFunctionCall, FunctionCallArgs: json.RawMessage(tc.Function.Arguments)}
		if tc.ID != "" {
			part.FunctionCallID = tc.ID
		}
		if tc.Function.Name != "" {
			part.FunctionCallName = tc.Function.Name
		}
		chunk.Parts = append(chunk.Parts, part)
	}
	return chunk, nil
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func openAIParseNonStreaming(body []byte) (agent.Message, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return agent.Message{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return agent.NewAssistantMessage(nil, agent.Usage{}, 0), nil
	}

	msg := resp.Choices[0].Message
	var blocks []agent.Block
	if msg.Content != "" {
		blocks = append(blocks, agent.TextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, agent.ToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	usage := agent.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	return agent.NewAssistantMessage(blocks, usage, 0), nil
}
