package toolconn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// stdioTransport spawns the configured executable and speaks
// newline-delimited JSON-RPC 2.0 over its standard streams. The child is
// launched once and kept alive until close.
type stdioTransport struct {
	cfg Config

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex
	pending *pendingCalls
}

func newStdioTransport(cfg Config) *stdioTransport {
	return &stdioTransport{cfg: cfg, pending: newPendingCalls()}
}

func (t *stdioTransport) start(ctx context.Context) error {
	if t.cfg.Command == "" {
		return fmt.Errorf("stdio transport: command is required")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdio transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdio transport: stdout pipe: %w", err)
	}
	cmd.Stderr = nil // could pipe to logger

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stdio transport: start %s: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	go t.readLoop(stdout)

	return nil
}

// readLoop routes one JSON-RPC response per line until the pipe closes.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	defer t.pending.closeAll()

	sc := bufio.NewScanner(bufio.NewReader(stdout))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // not a response (notification or noise)
		}
		t.pending.dispatch(resp)
	}
}

func (t *stdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch, err := t.pending.register()
	if err != nil {
		return nil, err
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		t.pending.drop(id)
		return nil, fmt.Errorf("stdio transport: encode %s: %w", method, err)
	}
	payload = append(payload, '\n')

	t.writeMu.Lock()
	_, err = t.stdin.Write(payload)
	t.writeMu.Unlock()
	if err != nil {
		t.pending.drop(id)
		return nil, errTransportClosed
	}

	return await(ctx, ch)
}

func (t *stdioTransport) close() error {
	t.pending.closeAll()
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}
