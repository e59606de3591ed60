package tape

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

type fakeDoer struct {
	status int
	body   string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewReader([]byte(f.body))),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func TestTape_Basic(t *testing.T) {
	tape := NewTape()
	if tape.Version != "1.0" {
		t.Errorf("Version = %q, want %q", tape.Version, "1.0")
	}
	if tape.Len() != 0 {
		t.Errorf("Len = %d, want 0", tape.Len())
	}
}

func TestTape_MarshalUnmarshal(t *testing.T) {
	tape := NewTape()
	tape.Model = "claude-test"
	tape.Add(Interaction{Method: "POST", URL: "https://api.example.com/v1/messages", StatusCode: 200, ResponseBody: `{"ok":true}`})

	data, err := tape.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	restored, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if restored.Model != tape.Model {
		t.Errorf("Model = %q, want %q", restored.Model, tape.Model)
	}
	if restored.Len() != 1 {
		t.Errorf("Len = %d, want 1", restored.Len())
	}
}

func TestTape_Clone(t *testing.T) {
	tape := NewTape()
	tape.Add(Interaction{Method: "POST", StatusCode: 200})
	clone := tape.Clone()
	clone.Add(Interaction{Method: "GET", StatusCode: 404})

	if tape.Len() != 1 {
		t.Errorf("original Len = %d, want 1 (clone mutated original)", tape.Len())
	}
	if clone.Len() != 2 {
		t.Errorf("clone Len = %d, want 2", clone.Len())
	}
}

func TestTape_Summary(t *testing.T) {
	tape := NewTape()
	tape.Model = "gpt-test"
	tape.Add(Interaction{Method: "POST", StatusCode: 200})
	tape.Add(Interaction{Method: "POST", StatusCode: 200})

	summary := tape.Summary()
	if summary.InteractionCount != 2 {
		t.Errorf("InteractionCount = %d, want 2", summary.InteractionCount)
	}
	if summary.Model != "gpt-test" {
		t.Errorf("Model = %q, want %q", summary.Model, "gpt-test")
	}
}

func TestRecorder_RecordsRequestAndResponse(t *testing.T) {
	upstream := &fakeDoer{status: 200, body: `{"text":"hello"}`}
	recorder := NewRecorder(upstream).WithModel("test-model")

	req, _ := http.NewRequest("POST", "https://api.example.com/v1/messages", bytes.NewReader([]byte(`{"model":"test-model"}`)))
	req.Header.Set("X-Api-Key", "secret")

	resp, err := recorder.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"text":"hello"}` {
		t.Errorf("response body = %q, want passthrough of upstream body", body)
	}

	tape := recorder.Tape()
	if tape.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tape.Len())
	}
	got := tape.Interactions[0]
	if got.Method != "POST" || got.StatusCode != 200 {
		t.Errorf("recorded interaction = %+v, want method POST status 200", got)
	}
	if got.RequestBody != `{"model":"test-model"}` {
		t.Errorf("RequestBody = %q", got.RequestBody)
	}
	if got.ResponseBody != `{"text":"hello"}` {
		t.Errorf("ResponseBody = %q", got.ResponseBody)
	}
}

func TestRecorder_Reset(t *testing.T) {
	recorder := NewRecorder(&fakeDoer{status: 200, body: "{}"})
	req, _ := http.NewRequest("POST", "https://api.example.com", nil)
	recorder.Do(req)
	recorder.Reset()

	if recorder.Tape().Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", recorder.Tape().Len())
	}
}

func TestReplayer_ReplaysInOrder(t *testing.T) {
	tape := NewTape()
	tape.Add(Interaction{StatusCode: 200, ResponseBody: "first"})
	tape.Add(Interaction{StatusCode: 201, ResponseBody: "second"})

	replayer := NewReplayer(tape)

	req, _ := http.NewRequest("POST", "https://api.example.com", nil)
	resp, err := replayer.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "first" || resp.StatusCode != 200 {
		t.Errorf("first replay = (%d, %q), want (200, \"first\")", resp.StatusCode, body)
	}

	resp, err = replayer.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	if string(body) != "second" || resp.StatusCode != 201 {
		t.Errorf("second replay = (%d, %q), want (201, \"second\")", resp.StatusCode, body)
	}
}

func TestReplayer_Exhausted(t *testing.T) {
	tape := NewTape()
	tape.Add(Interaction{StatusCode: 200, ResponseBody: "only"})

	replayer := NewReplayer(tape)
	req, _ := http.NewRequest("POST", "https://api.example.com", nil)

	if _, err := replayer.Do(req); err != nil {
		t.Fatalf("first Do failed: %v", err)
	}
	if _, err := replayer.Do(req); err != ErrTapeExhausted {
		t.Errorf("err = %v, want ErrTapeExhausted", err)
	}
}

func TestReplayer_DoesNotMutateSourceTape(t *testing.T) {
	tape := NewTape()
	tape.Add(Interaction{StatusCode: 200, ResponseBody: "only"})

	replayer := NewReplayer(tape)
	req, _ := http.NewRequest("POST", "https://api.example.com", nil)
	replayer.Do(req)

	if replayer.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", replayer.Remaining())
	}
	replayer.Reset()
	if replayer.Remaining() != 1 {
		t.Errorf("Remaining after Reset = %d, want 1", replayer.Remaining())
	}
	if tape.Len() != 1 {
		t.Errorf("source tape mutated: Len = %d", tape.Len())
	}
}
