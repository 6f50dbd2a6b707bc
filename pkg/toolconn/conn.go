package toolconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// protocolVersion is sent in the initialize handshake.
const protocolVersion = "2024-11-05"

// defaultInvokeTimeout bounds a single tool call when the caller's context
// carries no deadline of its own.
const defaultInvokeTimeout = 30 * time.Second

// Connection is one live (or not) link to a tool provider. Lifecycle
// operations are serialized per connection; concurrent Connect/Disconnect
// calls queue rather than interleave.
type Connection struct {
	cfg    Config
	logger *slog.Logger
	dial   func(Config) transport

	// lifecycleMu serializes connect/disconnect. stateMu guards the
	// snapshot fields so Status never blocks behind a slow handshake.
	lifecycleMu chMutex
	stateMu     chMutex

	state   ConnState
	lastErr string
	tr      transport
	tools   []Tool
}

// chMutex is a channel-based mutex so lock acquisition can honor a context.
type chMutex chan struct{}

func newChMutex() chMutex {
	m := make(chMutex, 1)
	return m
}

func (m chMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chMutex) unlock() { <-m }

// NewConnection builds a connection in the disconnected state. Nothing is
// spawned or dialed until Connect.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Connection{
		cfg:         cfg,
		logger:      logger,
		dial:        newTransport,
		lifecycleMu: newChMutex(),
		stateMu:     newChMutex(),
		state:       StateDisconnected,
	}
}

// ID returns the connection's configured identifier.
func (c *Connection) ID() string { return c.cfg.ID }

// Status returns a consistent snapshot of the connection.
func (c *Connection) Status() Status {
	_ = c.stateMu.lock(context.Background())
	defer c.stateMu.unlock()
	return Status{State: c.state, ToolCount: len(c.tools), Err: c.lastErr}
}

// Tools returns the discovered tool list. Empty unless connected.
func (c *Connection) Tools() []Tool {
	_ = c.stateMu.lock(context.Background())
	defer c.stateMu.unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect establishes the transport, runs the initialize handshake, and
// discovers tools. Connecting while already connected is a no-op; the
// existing session stays up. A failed attempt lands in the error state with
// the cause recorded, and a later Connect retries from scratch.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.lifecycleMu.lock(ctx); err != nil {
		return err
	}
	defer c.lifecycleMu.unlock()

	if c.Status().State == StateConnected {
		return nil
	}

	c.setState(StateConnecting, nil, "")

	tr := c.dial(c.cfg)
	tools, err := c.establish(ctx, tr)
	if err != nil {
		_ = tr.close()
		c.setState(StateError, nil, err.Error())
		c.logger.Warn("tool connection failed", "id", c.cfg.ID, "error", err)
		return err
	}

	c.setStateWithTools(StateConnected, tr, tools)
	c.logger.Info("tool connection established",
		"id", c.cfg.ID, "transport", c.cfg.Transport, "tools", len(tools))
	return nil
}

// Disconnect tears the transport down and returns to disconnected.
// Safe to call from any state, any number of times.
func (c *Connection) Disconnect() error {
	_ = c.lifecycleMu.lock(context.Background())
	defer c.lifecycleMu.unlock()

	_ = c.stateMu.lock(context.Background())
	tr := c.tr
	c.tr = nil
	c.tools = nil
	c.lastErr = ""
	c.state = StateDisconnected
	c.stateMu.unlock()

	if tr != nil {
		_ = tr.close()
		c.logger.Info("tool connection closed", "id", c.cfg.ID)
	}
	return nil
}

// Invoke calls one tool. Arguments are validated against the tool's declared
// schema before anything goes over the wire; the call itself runs under a
// deadline. Failures return an InvocationError and leave the connection up —
// a misbehaving tool degrades only itself.
func (c *Connection) Invoke(ctx context.Context, toolName string, args map[string]any) (*Result, error) {
	_ = c.stateMu.lock(context.Background())
	tr := c.tr
	state := c.state
	var schema json.RawMessage
	for _, t := range c.tools {
		if t.Name == toolName {
			schema = t.InputSchema
			break
		}
	}
	c.stateMu.unlock()

	if state != StateConnected || tr == nil {
		return nil, &InvocationError{Reason: ReasonTransportClosed, Tool: toolName,
			Cause: fmt.Errorf("connection %q is %s", c.cfg.ID, state)}
	}

	validated, err := validateArgs(toolName, schema, args)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultInvokeTimeout)
		defer cancel()
	}

	raw, err := tr.call(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": validated,
	})
	if err != nil {
		return nil, c.classifyCallError(toolName, err)
	}

	return parseCallResult(raw), nil
}

func (c *Connection) classifyCallError(toolName string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &InvocationError{Reason: ReasonTimeout, Tool: toolName, Cause: err}
	case errors.Is(err, errTransportClosed):
		// The session is gone; reflect that in the connection state so
		// observers see it without probing.
		c.setState(StateError, nil, "transport closed")
		return &InvocationError{Reason: ReasonTransportClosed, Tool: toolName, Cause: err}
	default:
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return &InvocationError{Reason: ReasonSchemaMismatch, Tool: toolName, Cause: rpcErr}
		}
		return &InvocationError{Reason: ReasonTransportClosed, Tool: toolName, Cause: err}
	}
}

// establish runs start, initialize, and tools/list against a fresh transport.
func (c *Connection) establish(ctx context.Context, tr transport) ([]Tool, error) {
	if err := tr.start(ctx); err != nil {
		return nil, err
	}

	_, err := tr.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]any{"name": "parley", "version": "1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	raw, err := tr.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var listed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("tools/list: decode: %w", err)
	}
	return listed.Tools, nil
}

func (c *Connection) setState(s ConnState, tr transport, errMsg string) {
	_ = c.stateMu.lock(context.Background())
	defer c.stateMu.unlock()
	c.state = s
	c.tr = tr
	c.lastErr = errMsg
	if s != StateConnected {
		c.tools = nil
	}
}

func (c *Connection) setStateWithTools(s ConnState, tr transport, tools []Tool) {
	_ = c.stateMu.lock(context.Background())
	defer c.stateMu.unlock()
	c.state = s
	c.tr = tr
	c.tools = tools
	c.lastErr = ""
}

// newTransport picks the transport for a config. Unknown kinds become a
// transport whose start always fails, keeping the error on the normal path.
func newTransport(cfg Config) transport {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioTransport(cfg)
	case TransportSSE:
		return newSSETransport(cfg)
	default:
		return errTransport{fmt.Errorf("unknown transport %q", cfg.Transport)}
	}
}

type errTransport struct{ err error }

func (t errTransport) start(context.Context) error { return t.err }
func (t errTransport) call(context.Context, string, any) (json.RawMessage, error) {
	return nil, t.err
}
func (t errTransport) close() error { return nil }

// parseCallResult extracts the text blocks from a tools/call result.
func parseCallResult(raw json.RawMessage) *Result {
	var body struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	res := &Result{Raw: raw}
	if err := json.Unmarshal(raw, &body); err != nil {
		res.Text = string(raw)
		return res
	}
	var text string
	for _, blk := range body.Content {
		if blk.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += blk.Text
		}
	}
	res.Text = text
	res.IsError = body.IsError
	return res
}
