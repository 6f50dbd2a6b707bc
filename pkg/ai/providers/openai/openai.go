// Package openai implements ai.Adapter for OpenAI-compatible
// chat-completions endpoints (OpenAI, Groq, OpenRouter, Perplexity, local
// Ollama, …). The endpoint URL comes from the provider config, so one
// adapter serves every provider in this family.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parley-chat/parley/pkg/ai"
	"github.com/parley-chat/parley/pkg/ai/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

// doneSentinel terminates an SSE completion stream.
const doneSentinel = "[DONE]"

// Adapter is the OpenAI-compatible provider adapter. Stateless per call.
type Adapter struct {
	HTTPClient *http.Client
}

// New creates an Adapter with a long overall request timeout; streams that
// trickle slowly are handled by the caller's stall watchdog, not here.
func New() *Adapter {
	return &Adapter{HTTPClient: &http.Client{Timeout: 10 * time.Minute}}
}

func (a *Adapter) Name() string { return "openai" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireResponseMessage struct {
	Role             string  `json:"role"`
	Content          *string `json:"content"`
	Reasoning        *string `json:"reasoning"`
	ReasoningContent *string `json:"reasoning_content"`
}

type responseChoice struct {
	Message wireResponseMessage `json:"message"`
}

type wireResponse struct {
	Choices   []responseChoice `json:"choices"`
	Citations []string         `json:"citations"`
}

type chunkDelta struct {
	Content          string `json:"content"`
	Reasoning        string `json:"reasoning"`
	ReasoningContent string `json:"reasoning_content"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type streamChunk struct {
	Choices   []chunkChoice `json:"choices"`
	Citations []string      `json:"citations"`
}

// ---------------------------------------------------------------------------
// Request building
// ---------------------------------------------------------------------------

// BuildRequest serializes the conversation into the provider's message
// array. The stream flag mirrors cfg.SupportsStreaming.
func BuildRequest(llmCtx ai.Context, cfg ai.ProviderConfig) wireRequest {
	req := wireRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Stream:      cfg.SupportsStreaming,
	}
	if llmCtx.SystemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: llmCtx.SystemPrompt})
	}
	for _, t := range llmCtx.Turns {
		if t.Content == "" {
			continue
		}
		req.Messages = append(req.Messages, wireMessage{Role: string(t.Role), Content: t.Content})
	}
	req.Messages = append(req.Messages, wireMessage{Role: "user", Content: llmCtx.Prompt})
	return req
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func (a *Adapter) Stream(
	ctx context.Context,
	llmCtx ai.Context,
	cfg ai.ProviderConfig,
	token string,
) (<-chan ai.Delta, func() (*ai.Completion, error)) {
	deltas := make(chan ai.Delta, 64)
	var final *ai.Completion
	var finalErr error
	done := make(chan struct{})

	go func() {
		defer close(deltas)
		defer close(done)
		final, finalErr = a.stream(ctx, llmCtx, cfg, token, deltas)
	}()

	return deltas, func() (*ai.Completion, error) {
		<-done
		return final, finalErr
	}
}

func (a *Adapter) stream(
	ctx context.Context,
	llmCtx ai.Context,
	cfg ai.ProviderConfig,
	token string,
	deltas chan<- ai.Delta,
) (*ai.Completion, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultBaseURL
	}

	body, _ := json.Marshal(BuildRequest(llmCtx, cfg))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if cfg.SupportsStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, ai.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, ai.ClassifyHTTP(resp.StatusCode, resp.Header, string(b))
	}

	if !cfg.SupportsStreaming {
		return a.consumeBody(resp.Body, deltas)
	}
	return a.consumeStream(ctx, resp.Body, deltas)
}

// consumeBody handles the non-streaming reply: the whole body is one unit.
func (a *Adapter) consumeBody(r io.Reader, deltas chan<- ai.Delta) (*ai.Completion, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, ai.Classify(err)
	}
	comp, err := ParseResponse(b)
	if err != nil {
		return nil, err
	}
	deltas <- ai.Delta{Text: comp.Text, Citations: comp.Citations}
	deltas <- ai.Delta{Final: true, Citations: comp.Citations}
	return &comp, nil
}

func (a *Adapter) consumeStream(ctx context.Context, r io.Reader, deltas chan<- ai.Delta) (*ai.Completion, error) {
	comp := &ai.Completion{Role: ai.RoleAssistant}
	reader := sse.NewReader(r)

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			// Stream ended without [DONE]; treat as a clean end.
			deltas <- ai.Delta{Final: true, Citations: comp.Citations}
			return comp, nil
		}
		if err != nil {
			return nil, ai.Classify(fmt.Errorf("openai: sse read: %w", err))
		}
		if ev.Data == "" {
			continue
		}

		ds, err := ParseStreamChunk([]byte(ev.Data))
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if len(d.Citations) > 0 {
				comp.Citations = d.Citations
			}
			comp.Text += d.Text
			select {
			case deltas <- d:
			case <-ctx.Done():
				return nil, ai.Classify(ctx.Err())
			}
			if d.Final {
				return comp, nil
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseStreamChunk parses one SSE data frame into zero or more deltas.
// The [DONE] sentinel yields a single final marker delta.
func ParseStreamChunk(data []byte) ([]ai.Delta, error) {
	if string(data) == doneSentinel {
		return []ai.Delta{{Final: true}}, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, ai.MalformedResponse(fmt.Sprintf("unparseable stream chunk: %v", err))
	}
	if len(chunk.Choices) == 0 {
		// Usage-only or keep-alive chunk.
		return nil, nil
	}

	d := chunk.Choices[0].Delta
	out := ai.Delta{
		Text:      d.Content,
		Reasoning: firstNonEmpty(d.Reasoning, d.ReasoningContent),
		Citations: chunk.Citations,
	}
	if out.Empty() && len(out.Citations) == 0 {
		return nil, nil
	}
	return []ai.Delta{out}, nil
}

// ParseResponse parses a complete non-streaming body.
//
// Two provider-specific behaviors are load-bearing here and must not be
// normalized away:
//
//   - The LAST element of choices is selected, not the first. At least one
//     provider in this family aggregates its stream into choices with the
//     complete message last; picking choices[0] truncates its replies.
//   - When the message carries a separate reasoning field, the final text
//     is the reasoning wrapped in a <think> block followed by the content.
//     Absent content with present reasoning means empty content, not an
//     error; absent content AND absent reasoning is a malformed response.
func ParseResponse(body []byte) (ai.Completion, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ai.Completion{}, ai.MalformedResponse(fmt.Sprintf("unparseable response body: %v", err))
	}
	if len(resp.Choices) == 0 {
		return ai.Completion{}, ai.MalformedResponse("response has no choices")
	}

	msg := resp.Choices[len(resp.Choices)-1].Message

	role := ai.Role(msg.Role)
	if role == "" {
		role = ai.RoleAssistant
	}

	reasoning := msg.Reasoning
	if reasoning == nil {
		reasoning = msg.ReasoningContent
	}

	switch {
	case msg.Content == nil && reasoning == nil:
		return ai.Completion{}, ai.MalformedResponse("message has neither content nor reasoning")
	case reasoning != nil:
		content := ""
		if msg.Content != nil {
			content = *msg.Content
		}
		return ai.Completion{Text: wrapReasoning(content, *reasoning), Role: role, Citations: resp.Citations}, nil
	default:
		return ai.Completion{Text: *msg.Content, Role: role, Citations: resp.Citations}, nil
	}
}

// wrapReasoning merges a reasoning block and content into one text body.
func wrapReasoning(content, reasoning string) string {
	return "<think>\n" + reasoning + "\n</think>\n\n" + content
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
