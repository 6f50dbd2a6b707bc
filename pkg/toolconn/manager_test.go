package toolconn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func fakeManager(transports map[string]*fakeTransport) *Manager {
	m := NewManager(nil)
	m.dial = func(cfg Config) transport {
		if tr, ok := transports[cfg.ID]; ok {
			return tr
		}
		return errTransport{errors.New("no fake for " + cfg.ID)}
	}
	return m
}

func TestManager_RegisterReplacesAndDisconnects(t *testing.T) {
	first := &fakeTransport{tools: []Tool{echoTool()}}
	second := &fakeTransport{tools: []Tool{echoTool()}}
	transports := map[string]*fakeTransport{"a": first}
	m := fakeManager(transports)

	m.Register(Config{ID: "a"})
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	transports["a"] = second
	m.Register(Config{ID: "a"})
	if !first.closed.Load() {
		t.Error("replaced connection's transport left open")
	}
	if st, ok := m.Status("a"); !ok || st.State != StateDisconnected {
		t.Errorf("replacement status = %+v ok=%v", st, ok)
	}
}

func TestManager_RemoveDisconnects(t *testing.T) {
	tr := &fakeTransport{tools: []Tool{echoTool()}}
	m := fakeManager(map[string]*fakeTransport{"a": tr})
	m.Register(Config{ID: "a"})
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Remove("a")
	if !tr.closed.Load() {
		t.Error("removed connection's transport left open")
	}
	if _, ok := m.Status("a"); ok {
		t.Error("removed connection still reported")
	}
	if err := m.Connect(context.Background(), "a"); err == nil {
		t.Error("Connect on removed id succeeded")
	}
}

func TestManager_RestartAllReportsPerConnection(t *testing.T) {
	good := &fakeTransport{tools: []Tool{echoTool()}}
	bad := &fakeTransport{startErr: errors.New("no such binary")}
	m := fakeManager(map[string]*fakeTransport{"good": good, "bad": bad})
	m.Register(Config{ID: "good"})
	m.Register(Config{ID: "bad"})

	outcomes := m.RestartAll(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	byID := map[string]error{}
	for _, o := range outcomes {
		byID[o.ID] = o.Err
	}
	if byID["good"] != nil {
		t.Errorf("good outcome = %v", byID["good"])
	}
	if byID["bad"] == nil {
		t.Error("bad outcome reported success")
	}
	// One connection failing must not block the other's restart.
	if st, _ := m.Status("good"); st.State != StateConnected {
		t.Errorf("good state = %q", st.State)
	}
	if st, _ := m.Status("bad"); st.State != StateError {
		t.Errorf("bad state = %q", st.State)
	}
}

func TestManager_TestLeavesRegistryUntouched(t *testing.T) {
	registered := &fakeTransport{tools: []Tool{echoTool()}}
	probe := &fakeTransport{tools: []Tool{echoTool(), {Name: "extra"}}}
	m := NewManager(nil)
	dials := 0
	m.dial = func(cfg Config) transport {
		dials++
		if dials == 1 {
			return registered
		}
		return probe
	}

	m.Register(Config{ID: "a"})
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Probing the same ID must not disturb the live connection.
	n, err := m.Test(context.Background(), Config{ID: "a"})
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if n != 2 {
		t.Errorf("probed tool count = %d, want 2", n)
	}
	if !probe.closed.Load() {
		t.Error("probe transport left open")
	}
	if registered.closed.Load() {
		t.Error("live connection was torn down by the probe")
	}
	if st, _ := m.Status("a"); st.State != StateConnected {
		t.Errorf("live state = %q after probe", st.State)
	}
}

func TestManager_InvokeRoutesByID(t *testing.T) {
	tr := &fakeTransport{tools: []Tool{echoTool()}}
	tr.callFn = func(_ context.Context, _ string, _ any) (json.RawMessage, error) {
		return json.RawMessage(`{"content":[{"type":"text","text":"routed"}]}`), nil
	}
	m := fakeManager(map[string]*fakeTransport{"a": tr})
	m.Register(Config{ID: "a"})
	if err := m.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	res, err := m.Invoke(context.Background(), "a", "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Text != "routed" {
		t.Errorf("text = %q", res.Text)
	}

	if _, err := m.Invoke(context.Background(), "nope", "echo", nil); err == nil {
		t.Error("Invoke on unknown id succeeded")
	}
}
