package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parley-chat/parley/pkg/ai"
)

// ---------------------------------------------------------------------------
// ParseResponse
// ---------------------------------------------------------------------------

func TestParseResponse_PlainContent(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"Hello there!"}}]}`
	comp, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if comp.Text != "Hello there!" {
		t.Errorf("text = %q, want %q", comp.Text, "Hello there!")
	}
	if comp.Role != ai.RoleAssistant {
		t.Errorf("role = %q, want assistant", comp.Role)
	}
}

func TestParseResponse_ReasoningWrapped(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"The answer is 42.","reasoning":"Calculating..."}}]}`
	comp, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := "<think>\nCalculating...\n</think>\n\nThe answer is 42."
	if comp.Text != want {
		t.Errorf("text = %q, want %q", comp.Text, want)
	}
	if comp.Role != ai.RoleAssistant {
		t.Errorf("role = %q, want assistant", comp.Role)
	}
}

func TestParseResponse_NullContentWithReasoning(t *testing.T) {
	// Null content with reasoning present defaults to empty content.
	cases := []string{
		`{"choices":[{"message":{"role":"assistant","content":null,"reasoning":"X"}}]}`,
		`{"choices":[{"message":{"role":"assistant","content":"","reasoning":"X"}}]}`,
	}
	want := "<think>\nX\n</think>\n\n"
	for _, body := range cases {
		comp, err := ParseResponse([]byte(body))
		if err != nil {
			t.Fatalf("ParseResponse(%s): %v", body, err)
		}
		if comp.Text != want {
			t.Errorf("text = %q, want %q", comp.Text, want)
		}
	}
}

func TestParseResponse_NoContentNoReasoning(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":null,"reasoning":null}}]}`
	_, err := ParseResponse([]byte(body))
	if !ai.IsKind(err, ai.KindMalformed) {
		t.Errorf("err = %v, want MalformedResponse", err)
	}
}

func TestParseResponse_LastChoiceWins(t *testing.T) {
	body := `{"choices":[
		{"message":{"role":"assistant","content":"partial"}},
		{"message":{"role":"assistant","content":"complete reply"}}
	]}`
	comp, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if comp.Text != "complete reply" {
		t.Errorf("text = %q, want the last choice", comp.Text)
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	_, err := ParseResponse([]byte(`{"choices":[]}`))
	if !ai.IsKind(err, ai.KindMalformed) {
		t.Errorf("err = %v, want MalformedResponse", err)
	}
}

func TestParseResponse_ReasoningContentAlias(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"ok","reasoning_content":"hm"}}]}`
	comp, err := ParseResponse([]byte(body))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if comp.Text != "<think>\nhm\n</think>\n\nok" {
		t.Errorf("text = %q", comp.Text)
	}
}

// ---------------------------------------------------------------------------
// ParseStreamChunk
// ---------------------------------------------------------------------------

func TestParseStreamChunk(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []ai.Delta
	}{
		{
			"text delta",
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			[]ai.Delta{{Text: "Hel"}},
		},
		{
			"reasoning delta",
			`{"choices":[{"delta":{"reasoning":"thinking"}}]}`,
			[]ai.Delta{{Reasoning: "thinking"}},
		},
		{
			"reasoning_content delta",
			`{"choices":[{"delta":{"reasoning_content":"hm"}}]}`,
			[]ai.Delta{{Reasoning: "hm"}},
		},
		{
			"done sentinel",
			`[DONE]`,
			[]ai.Delta{{Final: true}},
		},
		{
			"usage-only chunk",
			`{"choices":[],"usage":{"total_tokens":5}}`,
			nil,
		},
		{
			"empty delta",
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStreamChunk([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseStreamChunk: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d deltas, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Text != tt.want[i].Text || got[i].Reasoning != tt.want[i].Reasoning || got[i].Final != tt.want[i].Final {
					t.Errorf("delta[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseStreamChunk_MalformedJSON(t *testing.T) {
	_, err := ParseStreamChunk([]byte(`{"choices":[`))
	if !ai.IsKind(err, ai.KindMalformed) {
		t.Errorf("err = %v, want MalformedResponse", err)
	}
}

// ---------------------------------------------------------------------------
// BuildRequest
// ---------------------------------------------------------------------------

func TestBuildRequest(t *testing.T) {
	temp := 0.7
	cfg := ai.ProviderConfig{Model: "gpt-test", Temperature: &temp, SupportsStreaming: true, MaxTokens: 256}
	llmCtx := ai.Context{
		SystemPrompt: "be brief",
		Turns: []ai.Turn{
			{Role: ai.RoleUser, Content: "hi"},
			{Role: ai.RoleAssistant, Content: "hello"},
			{Role: ai.RoleAssistant, Content: "", Status: ai.TurnFailed}, // empty turns are skipped
		},
		Prompt: "how are you?",
	}

	req := BuildRequest(llmCtx, cfg)

	if !req.Stream {
		t.Error("stream flag should mirror SupportsStreaming")
	}
	if req.Model != "gpt-test" {
		t.Errorf("model = %q", req.Model)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(req.Messages) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d", len(req.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if req.Messages[i].Role != role {
			t.Errorf("message[%d].role = %q, want %q", i, req.Messages[i].Role, role)
		}
	}
	if req.Messages[3].Content != "how are you?" {
		t.Errorf("prompt message = %q", req.Messages[3].Content)
	}
}

func TestBuildRequest_NonStreaming(t *testing.T) {
	req := BuildRequest(ai.Context{Prompt: "x"}, ai.ProviderConfig{Model: "m", SupportsStreaming: false})
	if req.Stream {
		t.Error("stream flag should be false when the config disables streaming")
	}
}

// ---------------------------------------------------------------------------
// End-to-end over httptest
// ---------------------------------------------------------------------------

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
	}))
}

func TestStream_SSE(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":", world"}}]}`,
		`[DONE]`,
	})
	defer srv.Close()

	a := New()
	cfg := ai.ProviderConfig{Endpoint: srv.URL, Model: "m", SupportsStreaming: true}
	deltas, wait := a.Stream(context.Background(), ai.Context{Prompt: "hi"}, cfg, "key")

	var text string
	var sawFinal bool
	for d := range deltas {
		text += d.Text
		if d.Final {
			sawFinal = true
		}
	}
	comp, err := wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if text != "Hello, world" {
		t.Errorf("streamed text = %q", text)
	}
	if !sawFinal {
		t.Error("missing final delta")
	}
	if comp.Text != "Hello, world" {
		t.Errorf("completion text = %q", comp.Text)
	}
}

func TestStream_NonStreamingBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("request stream flag should be false")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`)
	}))
	defer srv.Close()

	a := New()
	cfg := ai.ProviderConfig{Endpoint: srv.URL, Model: "m", SupportsStreaming: false}
	deltas, wait := a.Stream(context.Background(), ai.Context{Prompt: "ping"}, cfg, "")

	var text string
	for d := range deltas {
		text += d.Text
	}
	comp, err := wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if text != "pong" || comp.Text != "pong" {
		t.Errorf("text = %q, completion = %q", text, comp.Text)
	}
}

func TestStream_AuthErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New()
	cfg := ai.ProviderConfig{Endpoint: srv.URL, Model: "m", SupportsStreaming: true}
	deltas, wait := a.Stream(context.Background(), ai.Context{Prompt: "hi"}, cfg, "bad")
	for range deltas {
	}
	_, err := wait()
	if !ai.IsKind(err, ai.KindAuth) {
		t.Errorf("err = %v, want AuthError", err)
	}
}

func TestStream_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New()
	cfg := ai.ProviderConfig{Endpoint: srv.URL, Model: "m", SupportsStreaming: true}
	deltas, wait := a.Stream(context.Background(), ai.Context{Prompt: "hi"}, cfg, "k")
	for range deltas {
	}
	_, err := wait()
	var aerr *ai.Error
	if !asAIError(err, &aerr) || aerr.Kind != ai.KindRateLimit {
		t.Fatalf("err = %v, want RateLimited", err)
	}
	if aerr.RetryAfter.Seconds() != 2 {
		t.Errorf("RetryAfter = %v, want 2s", aerr.RetryAfter)
	}
}

func TestStream_MalformedChunkAborts(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`{not json`,
	})
	defer srv.Close()

	a := New()
	cfg := ai.ProviderConfig{Endpoint: srv.URL, Model: "m", SupportsStreaming: true}
	deltas, wait := a.Stream(context.Background(), ai.Context{Prompt: "hi"}, cfg, "k")

	var text string
	for d := range deltas {
		text += d.Text
	}
	_, err := wait()
	if !ai.IsKind(err, ai.KindMalformed) {
		t.Errorf("err = %v, want MalformedResponse", err)
	}
	if text != "ok" {
		t.Errorf("deltas before the bad chunk should still arrive; got %q", text)
	}
}

func asAIError(err error, target **ai.Error) bool {
	e := ai.Classify(err)
	if e == nil {
		return false
	}
	*target = e
	return true
}
