package toolconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/parley-chat/parley/pkg/ai/sse"
)

// sseTransport reaches a remote tool provider over HTTP: a long-lived GET
// delivers server events, and requests go out as POSTs to the endpoint the
// server announces in its first event.
type sseTransport struct {
	cfg    Config
	client *http.Client

	endpoint string // announced by the server, absolute by resolve time
	body     io.Closer
	cancel   context.CancelFunc
	pending  *pendingCalls
}

func newSSETransport(cfg Config) *sseTransport {
	return &sseTransport{
		cfg:     cfg,
		client:  &http.Client{}, // the stream GET must not carry a timeout
		pending: newPendingCalls(),
	}
}

func (t *sseTransport) start(ctx context.Context) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("sse transport: url is required")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("sse transport: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("sse transport: connect %s: %w", t.cfg.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("sse transport: connect %s: status %d", t.cfg.URL, resp.StatusCode)
	}

	reader := sse.NewReader(resp.Body)

	// The server's first event names the POST endpoint for this session.
	ev, err := t.awaitEndpoint(ctx, reader)
	if err != nil {
		resp.Body.Close()
		cancel()
		return err
	}
	endpoint, err := resolveEndpoint(t.cfg.URL, ev)
	if err != nil {
		resp.Body.Close()
		cancel()
		return err
	}

	t.endpoint = endpoint
	t.body = resp.Body
	t.cancel = cancel
	go t.readLoop(reader)

	return nil
}

func (t *sseTransport) awaitEndpoint(ctx context.Context, reader *sse.Reader) (string, error) {
	type next struct {
		ev  sse.Event
		err error
	}
	ch := make(chan next, 1)
	go func() {
		ev, err := reader.Next()
		ch <- next{ev, err}
	}()
	select {
	case n := <-ch:
		if n.err != nil {
			return "", fmt.Errorf("sse transport: reading endpoint event: %w", n.err)
		}
		if n.ev.Type != "endpoint" {
			return "", fmt.Errorf("sse transport: expected endpoint event, got %q", n.ev.Type)
		}
		return n.ev.Data, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolveEndpoint makes the announced endpoint absolute against the stream
// URL, so servers may announce a bare path.
func resolveEndpoint(streamURL, announced string) (string, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("sse transport: bad stream url: %w", err)
	}
	ref, err := url.Parse(announced)
	if err != nil {
		return "", fmt.Errorf("sse transport: bad endpoint %q: %w", announced, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// readLoop routes message events carrying JSON-RPC responses until the
// stream closes.
func (t *sseTransport) readLoop(reader *sse.Reader) {
	defer t.pending.closeAll()

	for {
		ev, err := reader.Next()
		if err != nil {
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			continue
		}
		t.pending.dispatch(resp)
	}
}

func (t *sseTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch, err := t.pending.register()
	if err != nil {
		return nil, err
	}

	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		t.pending.drop(id)
		return nil, fmt.Errorf("sse transport: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		t.pending.drop(id)
		return nil, fmt.Errorf("sse transport: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.pending.drop(id)
		return nil, errTransportClosed
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		t.pending.drop(id)
		return nil, fmt.Errorf("sse transport: post %s: status %d", method, resp.StatusCode)
	}

	// The reply arrives asynchronously on the event stream.
	return await(ctx, ch)
}

func (t *sseTransport) close() error {
	t.pending.closeAll()
	if t.cancel != nil {
		t.cancel()
	}
	if t.body != nil {
		_ = t.body.Close()
	}
	return nil
}
