package providers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
)

func TestAnthropicBuildRequestShape(t *testing.T) {
	build := anthropicBuildRequest("https://api.anthropic.com", "sk-ant-test")
	req := agent.GenerateRequest{
		Model:    "claude-test",
		System:   "be terse",
		Messages: []agent.Message{agent.NewUserText("hi")},
		Tools:    []agent.ToolDeclaration{{Name: "Read", Description: "reads a file", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	method, url, body, headers, err := build(req, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != "POST" || url != "https://api.anthropic.com/v1/messages" {
		t.Errorf("unexpected method/url: %s %s", method, url)
	}
	if headers["x-api-key"] != "sk-ant-test" || headers["anthropic-version"] == "" {
		t.Errorf("unexpected headers: %+v", headers)
	}

	raw, _ := io.ReadAll(body)
	var decoded anthropicRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("request body did not decode: %v", err)
	}
	if decoded.Model != "claude-test" || decoded.System != "be terse" || !decoded.Stream {
		t.Errorf("unexpected decoded request: %+v", decoded)
	}
	if len(decoded.Messages) != 1 || decoded.Messages[0].Content[0].Text != "hi" {
		t.Errorf("unexpected messages: %+v", decoded.Messages)
	}
	if len(decoded.Tools) != 1 || decoded.Tools[0].Name != "Read" {
		t.Errorf("unexpected tools: %+v", decoded.Tools)
	}
}

func TestAnthropicParseChunkTextDelta(t *testing.T) {
	payload := []byte(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`)
	chunk, err := anthropicParseChunk(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk.Parts) != 1 || chunk.Parts[0].Kind != agent.PartText || chunk.Parts[0].Text != "hello" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestAnthropicParseChunkToolUseStartAndArgsDelta(t *testing.T) {
	start := []byte(`{"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"Read"}}`)
	c1, err := anthropicParseChunk(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c1.Parts) != 1 || c1.Parts[0].FunctionCallID != "tu_1" || c1.Parts[0].FunctionCallName != "Read" {
		t.Errorf("unexpected start chunk: %+v", c1)
	}

	argsDelta := []byte(`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"path\":\"a\"}"}}`)
	c2, err := anthropicParseChunk(argsDelta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c2.Parts) != 1 || c2.Parts[0].Kind != agent.PartFunctionCall {
		t.Errorf("unexpected args chunk: %+v", c2)
	}
}

func TestAnthropicParseChunkThinkingDelta(t *testing.T) {
	payload := []byte(`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"**Plan** checking the file"}}`)
	chunk, err := anthropicParseChunk(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk.Parts) != 1 || chunk.Parts[0].Kind != agent.PartThought {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestAnthropicParseChunkUsage(t *testing.T) {
	start := []byte(`{"type":"message_start","message":{"usage":{"input_tokens":42}}}`)
	c1, err := anthropicParseChunk(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1.Usage == nil || c1.Usage.InputTokens != 42 {
		t.Errorf("unexpected usage: %+v", c1.Usage)
	}

	delta := []byte(`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":10}}`)
	c2, err := anthropicParseChunk(delta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c2.Usage == nil || c2.Usage.OutputTokens != 10 || c2.FinishReason != "end_turn" {
		t.Errorf("unexpected delta chunk: %+v", c2)
	}
}

func TestAnthropicParseNonStreaming(t *testing.T) {
	body := []byte(`{
		"content": [
			{"type": "text", "text": "the answer is 4"},
			{"type": "tool_use", "id": "tu_1", "name": "Calc", "input": {"x": 2}}
		],
		"usage": {"input_tokens": 5, "output_tokens": 7},
		"stop_reason": "tool_use"
	}`)

	msg, err := anthropicParseNonStreaming(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(msg.Content))
	}
	if msg.Content[0].Text != "the answer is 4" {
		t.Errorf("unexpected text block: %+v", msg.Content[0])
	}
	if msg.Content[1].ToolName != "Calc" || msg.Content[1].ToolUseID != "tu_1" {
		t.Errorf("unexpected tool_use block: %+v", msg.Content[1])
	}
	if msg.Usage.InputTokens != 5 || msg.Usage.OutputTokens != 7 {
		t.Errorf("unexpected usage: %+v", msg.Usage)
	}
}

func TestNewAnthropicTransportDefaultsBaseURL(t *testing.T) {
	tr := NewAnthropicTransport(&fakeDoer{}, AnthropicConfig{APIKey: "k"})
	if tr.BaseURL != anthropicDefaultBaseURL {
		t.Errorf("BaseURL = %q, want default", tr.BaseURL)
	}
}

func TestAnthropicParseErrorClassifiesOverloadedAsRetryable(t *testing.T) {
	body := []byte(`{"type":"error","error":{"type":"overloaded_error","message":"the API is temporarily overloaded"}}`)
	err := anthropicParseError(529, body)

	perr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected a *ProviderError, got %T", err)
	}
	if perr.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", perr.Provider)
	}
	if perr.Code != "overloaded_error" {
		t.Errorf("Code = %q, want overloaded_error", perr.Code)
	}
	if perr.Message != "the API is temporarily overloaded" {
		t.Errorf("Message = %q", perr.Message)
	}
	if !IsRetryable(perr) {
		t.Error("a 5xx-classified overload error should be retryable")
	}
}

func TestAnthropicParseErrorFallsBackToStatusOnUnparsableBody(t *testing.T) {
	err := anthropicParseError(429, []byte("not json"))
	perr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected a *ProviderError, got %T", err)
	}
	if perr.Reason != FailoverRateLimit {
		t.Errorf("Reason = %v, want FailoverRateLimit from the status code alone", perr.Reason)
	}
}

type fakeDoer struct{ resp *http.Response }

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if f.resp != nil {
		return f.resp, nil
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("{}")), Header: make(http.Header)}, nil
}
