package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parley-chat/parley/pkg/ai"
)

// adapterTable routes configs to scripted adapters by config ID.
func adapterTable(m map[string]ai.Adapter) func(ai.ProviderConfig) (ai.Adapter, error) {
	return func(cfg ai.ProviderConfig) (ai.Adapter, error) {
		a, ok := m[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", cfg.ID)
		}
		return a, nil
	}
}

func cfg(id string) ai.ProviderConfig {
	return ai.ProviderConfig{ID: id, Model: "m", SupportsStreaming: true}
}

func TestDispatch_SettleAll(t *testing.T) {
	adapters := map[string]ai.Adapter{
		"a": scripted(ai.Delta{Text: "alpha says hi"}),
		"b": &fakeAdapter{script: func(_ context.Context, _ chan<- ai.Delta) (*ai.Completion, error) {
			return nil, ai.AuthError(401, "bad key") // immediate, non-retryable
		}},
		"c": scripted(ai.Delta{Text: "gamma says hi"}),
	}

	d := NewDispatcher(DispatcherOptions{
		AdapterFor: adapterTable(adapters),
		Retry:      ai.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})

	res := d.Dispatch(context.Background(), ai.Context{Prompt: "hi"}, "conv",
		[]ai.ProviderConfig{cfg("a"), cfg("b"), cfg("c")})

	if len(res.Succeeded) != 2 {
		t.Fatalf("succeeded = %d, want 2", len(res.Succeeded))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(res.Failed))
	}
	if res.Failed[0].Config.ID != "b" {
		t.Errorf("failure tagged to %q, want b", res.Failed[0].Config.ID)
	}
	if !ai.IsKind(res.Failed[0].Err, ai.KindAuth) {
		t.Errorf("failure err = %v", res.Failed[0].Err)
	}
	for _, s := range res.Succeeded {
		if s.Turn.Status != ai.TurnComplete {
			t.Errorf("agent %s status = %q", s.Config.ID, s.Turn.Status)
		}
	}
}

func TestDispatch_FailureDoesNotRetrySiblings(t *testing.T) {
	ok1 := scripted(ai.Delta{Text: "one"})
	bad := &fakeAdapter{script: func(_ context.Context, _ chan<- ai.Delta) (*ai.Completion, error) {
		return nil, ai.NetworkFailure(errors.New("immediate network error"))
	}}
	ok2 := scripted(ai.Delta{Text: "two"})

	d := NewDispatcher(DispatcherOptions{
		AdapterFor: adapterTable(map[string]ai.Adapter{"a": ok1, "b": bad, "c": ok2}),
		Retry:      ai.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})

	res := d.Dispatch(context.Background(), ai.Context{Prompt: "p"}, "conv",
		[]ai.ProviderConfig{cfg("a"), cfg("b"), cfg("c")})

	if len(res.Succeeded) != 2 || len(res.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	// Siblings ran exactly once each; the failing agent's outcome must not
	// trigger retries (or cancellation) elsewhere.
	if ok1.calls.Load() != 1 || ok2.calls.Load() != 1 {
		t.Errorf("sibling calls = %d, %d; want 1, 1", ok1.calls.Load(), ok2.calls.Load())
	}
}

func TestDispatch_UnknownFamilyReportedPerAgent(t *testing.T) {
	d := NewDispatcher(DispatcherOptions{
		AdapterFor: adapterTable(map[string]ai.Adapter{"a": scripted(ai.Delta{Text: "x"})}),
	})
	res := d.Dispatch(context.Background(), ai.Context{Prompt: "p"}, "conv",
		[]ai.ProviderConfig{cfg("a"), cfg("nope")})

	if len(res.Succeeded) != 1 || len(res.Failed) != 1 {
		t.Fatalf("succeeded=%d failed=%d", len(res.Succeeded), len(res.Failed))
	}
	if res.Failed[0].Config.ID != "nope" {
		t.Errorf("failure tagged to %q", res.Failed[0].Config.ID)
	}
}

func TestCancelAll_StopsActiveChildren(t *testing.T) {
	emittedA := make(chan struct{})
	emittedB := make(chan struct{})
	adapters := map[string]ai.Adapter{
		"a": blockingAdapter(emittedA, ai.Delta{Text: "partial a"}),
		"b": blockingAdapter(emittedB, ai.Delta{Text: "partial b"}),
	}
	d := NewDispatcher(DispatcherOptions{AdapterFor: adapterTable(adapters)})

	resCh := make(chan DispatchResult, 1)
	go func() {
		resCh <- d.Dispatch(context.Background(), ai.Context{Prompt: "p"}, "conv",
			[]ai.ProviderConfig{cfg("a"), cfg("b")})
	}()

	<-emittedA
	<-emittedB
	// Wait until both children show their partial text, then cancel the group.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ta, _, _ := snapshotOf(d, "a")
		tb, _, _ := snapshotOf(d, "b")
		if ta == "partial a" && tb == "partial b" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	d.CancelAll()

	res := <-resCh
	if len(res.Failed) != 2 {
		t.Fatalf("failed = %d, want 2 cancelled agents", len(res.Failed))
	}
	for _, f := range res.Failed {
		if !ai.IsKind(f.Err, ai.KindCancelled) {
			t.Errorf("agent %s err = %v, want cancelled", f.Config.ID, f.Err)
		}
	}
}

func snapshotOf(d *Dispatcher, id string) (string, State, bool) {
	return d.Snapshot(id)
}
