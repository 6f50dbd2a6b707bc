// Package toolconn manages external tool providers: local subprocesses
// speaking newline-delimited JSON-RPC over stdio, or remote endpoints
// speaking JSON-RPC over an HTTP event stream.
//
// Each connection walks a small state machine:
//
//	disconnected → connecting → connected(toolCount)
//	                          ↘ error(message)
//
// disconnect() returns to disconnected from any state, idempotently.
// Lifecycle operations on the same connection ID are serialized; tool
// invocations validate arguments against the tool's declared schema and
// carry an explicit deadline.
package toolconn

import (
	"encoding/json"
	"fmt"
)

// TransportKind selects how a connection reaches its tool provider.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportSSE   TransportKind = "sse"
)

// Config describes one tool provider.
type Config struct {
	ID        string
	Transport TransportKind

	// stdio transport
	Command string
	Args    []string
	Env     map[string]string

	// sse transport
	URL string
}

// ConnState is the lifecycle state of a connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// Status is a consistent snapshot of one connection, published to
// observers. ToolCount is meaningful only when State is connected; Err
// only when State is error.
type Status struct {
	State     ConnState
	ToolCount int
	Err       string
}

// Tool is one discovered tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Result is a completed tool invocation.
type Result struct {
	Text    string          // concatenated text content blocks
	Raw     json.RawMessage // full provider result
	IsError bool            // provider-reported tool error
}

// ---------------------------------------------------------------------------
// Invocation errors
// ---------------------------------------------------------------------------

// InvocationReason classifies why a tool call failed.
type InvocationReason string

const (
	ReasonSchemaMismatch  InvocationReason = "schema_mismatch"
	ReasonTimeout         InvocationReason = "timeout"
	ReasonTransportClosed InvocationReason = "transport_closed"
)

// InvocationError is a failed tool call. It degrades only the owning
// connection; callers decide whether to surface it inline or continue
// without the tool result.
type InvocationError struct {
	Reason InvocationReason
	Tool   string
	Cause  error
}

func (e *InvocationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %q: %s: %v", e.Tool, e.Reason, e.Cause)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

func (e *InvocationError) Unwrap() error { return e.Cause }
