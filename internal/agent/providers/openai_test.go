package providers

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
)

func TestOpenAIBuildRequestShape(t *testing.T) {
	build := openAIBuildRequest("https://api.openai.com", "sk-test")
	req := agent.GenerateRequest{
		Model:    "gpt-test",
		System:   "be terse",
		Messages: []agent.Message{agent.NewUserText("hi")},
		Tools:    []agent.ToolDeclaration{{Name: "Read", Schema: json.RawMessage(`{"type":"object"}`)}},
	}

	method, url, body, headers, err := build(req, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method != "POST" || url != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("unexpected method/url: %s %s", method, url)
	}
	if headers["Authorization"] != "Bearer sk-test" {
		t.Errorf("unexpected headers: %+v", headers)
	}

	raw, _ := io.ReadAll(body)
	var decoded openAIRequest
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("request body did not decode: %v", err)
	}
	if decoded.Model != "gpt-test" || decoded.Stream {
		t.Errorf("unexpected decoded request: %+v", decoded)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[0].Role != "system" || decoded.Messages[1].Content != "hi" {
		t.Errorf("unexpected messages: %+v", decoded.Messages)
	}
	if len(decoded.Tools) != 1 || decoded.Tools[0].Function.Name != "Read" {
		t.Errorf("unexpected tools: %+v", decoded.Tools)
	}
}

func TestOpenAIToOpenAIMessagesSplitsToolResults(t *testing.T) {
	messages := []agent.Message{
		agent.NewAssistantMessage([]agent.Block{agent.ToolUseBlock("tu_1", "Read", json.RawMessage(`{}`))}, agent.Usage{}, 0),
		agent.NewUserMessage(agent.ToolResultBlock("tu_1", "file contents", false)),
	}
	out := toOpenAIMessages("", messages)
	if len(out) != 2 {
		t.Fatalf("expected assistant message + separate tool message, got %d", len(out))
	}
	if out[0].Role != "assistant" || len(out[0].ToolCalls) != 1 {
		t.Errorf("unexpected assistant message: %+v", out[0])
	}
	if out[1].Role != "tool" || out[1].ToolCallID != "tu_1" || out[1].Content != "file contents" {
		t.Errorf("unexpected tool message: %+v", out[1])
	}
}

func TestOpenAIParseChunkTextDelta(t *testing.T) {
	payload := []byte(`{"choices":[{"delta":{"content":"hello"},"finish_reason":null}]}`)
	chunk, err := openAIParseChunk(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk.Parts) != 1 || chunk.Parts[0].Text != "hello" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}

func TestOpenAIParseChunkToolCallFragments(t *testing.T) {
	first := []byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"Read","arguments":""}}]}}]}`)
	c1, err := openAIParseChunk(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c1.Parts) != 1 || c1.Parts[0].FunctionCallID != "call_1" || c1.Parts[0].FunctionCallName != "Read" {
		t.Errorf("unexpected first fragment: %+v", c1)
	}

	second := []byte(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":\"a\"}"}}]}}]}`)
	c2, err := openAIParseChunk(second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c2.Parts) != 1 || c2.Parts[0].FunctionCallID != "" {
		t.Errorf("unexpected second fragment (should carry no id, aggregator merges anonymously): %+v", c2)
	}
}

func TestOpenAIParseChunkFinishReasonAndUsage(t *testing.T) {
	payload := []byte(`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5}}`)
	chunk, err := openAIParseChunk(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunk.FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %q", chunk.FinishReason)
	}
	if chunk.Usage == nil || chunk.Usage.InputTokens != 3 || chunk.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", chunk.Usage)
	}
}

func TestOpenAIParseNonStreaming(t *testing.T) {
	body := []byte(`{
		"choices": [{"message": {"role": "assistant", "content": "hi there", "tool_calls": [{"id":"call_1","function":{"name":"Read","arguments":"{}"}}]}}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 2}
	}`)
	msg, err := openAIParseNonStreaming(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("expected text + tool_use block, got %d", len(msg.Content))
	}
	if msg.Content[0].Text != "hi there" {
		t.Errorf("unexpected text block: %+v", msg.Content[0])
	}
	if msg.Content[1].ToolName != "Read" {
		t.Errorf("unexpected tool_use block: %+v", msg.Content[1])
	}
}

func TestNewOpenAITransportDefaultsBaseURL(t *testing.T) {
	tr := NewOpenAITransport(&fakeDoer{}, OpenAIConfig{APIKey: "k"})
	if tr.BaseURL != openAIDefaultBaseURL {
		t.Errorf("BaseURL = %q, want default", tr.BaseURL)
	}
}

func TestOpenAIParseErrorPrefersCodeOverGenericStatus(t *testing.T) {
	body := []byte(`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`)
	err := openAIParseError(400, body)

	perr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("expected a *ProviderError, got %T", err)
	}
	if perr.Reason != FailoverBilling {
		t.Errorf("Reason = %v, want FailoverBilling (from the code, not the 400 status)", perr.Reason)
	}
	if !ShouldFailover(perr) {
		t.Error("a billing error should trigger failover")
	}
}
