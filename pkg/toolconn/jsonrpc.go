package toolconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// JSON-RPC 2.0 wire types, shared by both transports.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// errTransportClosed reports a call issued on (or interrupted by) a closed
// transport.
var errTransportClosed = errors.New("transport closed")

// transport is the lifecycle + request/response contract both transports
// implement. call correlates a request to its response by JSON-RPC id and
// honors ctx for the invocation deadline.
type transport interface {
	start(ctx context.Context) error
	call(ctx context.Context, method string, params any) (json.RawMessage, error)
	close() error
}

// pendingCalls correlates in-flight request ids with their reply channels.
// Both transports read responses on one goroutine and route them here.
type pendingCalls struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]chan rpcResponse
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{byID: make(map[int64]chan rpcResponse)}
}

// register allocates an id and its reply channel. Returns an error when the
// transport has already shut down.
func (p *pendingCalls) register() (int64, chan rpcResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, nil, errTransportClosed
	}
	p.nextID++
	ch := make(chan rpcResponse, 1)
	p.byID[p.nextID] = ch
	return p.nextID, ch, nil
}

func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	delete(p.byID, id)
	p.mu.Unlock()
}

// dispatch routes one response to its waiter. Unknown ids (notifications,
// late replies) are ignored.
func (p *pendingCalls) dispatch(resp rpcResponse) {
	p.mu.Lock()
	ch := p.byID[resp.ID]
	delete(p.byID, resp.ID)
	p.mu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

// closeAll fails every waiter with a closed response channel and rejects
// future registrations.
func (p *pendingCalls) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.byID {
		close(ch)
		delete(p.byID, id)
	}
}

// await blocks for the reply, the context, or transport shutdown.
func await(ctx context.Context, ch chan rpcResponse) (json.RawMessage, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
