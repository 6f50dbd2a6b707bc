package toolconn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager owns the set of configured tool connections. The registry maps
// connection IDs to live Connection values; each Connection serializes its
// own lifecycle, so two managers' worth of callers can poke the same ID
// without interleaving handshakes.
type Manager struct {
	logger *slog.Logger
	dial   func(Config) transport

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager builds an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{logger: logger, dial: newTransport, conns: make(map[string]*Connection)}
}

// Register adds (or replaces) a connection for cfg. A replaced connection is
// disconnected first so its subprocess or stream does not leak.
func (m *Manager) Register(cfg Config) *Connection {
	m.mu.Lock()
	old := m.conns[cfg.ID]
	conn := NewConnection(cfg, m.logger)
	conn.dial = m.dial
	m.conns[cfg.ID] = conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
	return conn
}

// Remove disconnects and forgets a connection. Unknown IDs are a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	conn := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Disconnect()
	}
}

// Get returns the connection for id, or nil.
func (m *Manager) Get(id string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// IDs returns the registered connection IDs, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect brings one connection up.
func (m *Manager) Connect(ctx context.Context, id string) error {
	conn := m.Get(id)
	if conn == nil {
		return fmt.Errorf("toolconn: unknown connection %q", id)
	}
	return conn.Connect(ctx)
}

// Disconnect tears one connection down.
func (m *Manager) Disconnect(id string) error {
	conn := m.Get(id)
	if conn == nil {
		return fmt.Errorf("toolconn: unknown connection %q", id)
	}
	return conn.Disconnect()
}

// Status reports one connection's snapshot.
func (m *Manager) Status(id string) (Status, bool) {
	conn := m.Get(id)
	if conn == nil {
		return Status{}, false
	}
	return conn.Status(), true
}

// Invoke routes a tool call to the named connection.
func (m *Manager) Invoke(ctx context.Context, id, tool string, args map[string]any) (*Result, error) {
	conn := m.Get(id)
	if conn == nil {
		return nil, &InvocationError{Reason: ReasonTransportClosed, Tool: tool,
			Cause: fmt.Errorf("unknown connection %q", id)}
	}
	return conn.Invoke(ctx, tool, args)
}

// RestartOutcome is one connection's result from RestartAll.
type RestartOutcome struct {
	ID  string
	Err error
}

// RestartAll disconnects and reconnects every registered connection
// concurrently. Every connection gets its restart attempt regardless of how
// the others fare; the outcomes report per-connection results.
func (m *Manager) RestartAll(ctx context.Context) []RestartOutcome {
	ids := m.IDs()
	outcomes := make([]RestartOutcome, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			conn := m.Get(id)
			if conn == nil {
				outcomes[i] = RestartOutcome{ID: id, Err: fmt.Errorf("removed during restart")}
				return nil
			}
			_ = conn.Disconnect()
			outcomes[i] = RestartOutcome{ID: id, Err: conn.Connect(ctx)}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// DisconnectAll tears every connection down. Used at shutdown.
func (m *Manager) DisconnectAll() {
	for _, id := range m.IDs() {
		_ = m.Disconnect(id)
	}
}

// Test probes a candidate configuration without touching the registry: it
// builds a throwaway connection, performs the full handshake, reports the
// discovered tool count, and tears everything down. Existing connections —
// including one registered under the same ID — are never disturbed.
func (m *Manager) Test(ctx context.Context, cfg Config) (int, error) {
	probe := NewConnection(cfg, m.logger)
	probe.dial = m.dial
	defer probe.Disconnect()

	if err := probe.Connect(ctx); err != nil {
		return 0, err
	}
	return len(probe.Tools()), nil
}
