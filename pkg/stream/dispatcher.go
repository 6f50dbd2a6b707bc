package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parley-chat/parley/pkg/ai"
)

// AgentResult is one provider's successful turn.
type AgentResult struct {
	Config ai.ProviderConfig
	Turn   ai.Turn
}

// AgentFailure is one provider's terminal failure.
type AgentFailure struct {
	Config ai.ProviderConfig
	Err    error
}

// DispatchResult aggregates per-provider outcomes once every agent has
// reached a terminal state.
type DispatchResult struct {
	Succeeded []AgentResult
	Failed    []AgentFailure
}

// DispatcherOptions configures a Dispatcher. Every child coordinator
// inherits the store, secrets, retry policy, and timing knobs.
type DispatcherOptions struct {
	// AdapterFor selects the adapter for a config, typically by its
	// Family field. Required.
	AdapterFor func(cfg ai.ProviderConfig) (ai.Adapter, error)

	// NotifierFor optionally builds a per-agent notifier so the UI can
	// render each provider's column independently. May be nil.
	NotifierFor func(cfg ai.ProviderConfig) Notifier

	Secrets ai.Secrets
	Store   Store
	Retry   ai.RetryPolicy
	Logger  *slog.Logger
}

// Dispatcher runs one prompt against N provider configs concurrently.
// Children share no mutable state with each other — each coordinator owns
// its buffers — so the only serialization point is the dispatcher's map of
// live children, read by observers and the group-cancel path.
type Dispatcher struct {
	opts DispatcherOptions
	log  *slog.Logger

	mu       sync.Mutex
	children map[string]*Coordinator // config ID → live coordinator
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{opts: opts, log: log, children: make(map[string]*Coordinator)}
}

// Dispatch fans llmCtx out to every config and blocks until all children
// settle. One agent's failure or cancellation never affects its siblings:
// this is a settle-all join, not fail-fast, which is why child errors are
// collected in the result instead of being returned through the group.
func (d *Dispatcher) Dispatch(ctx context.Context, llmCtx ai.Context, conversationID string, configs []ai.ProviderConfig) DispatchResult {
	type outcome struct {
		cfg  ai.ProviderConfig
		turn ai.Turn
		err  error
	}
	outcomes := make([]outcome, len(configs))

	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		adapter, err := d.opts.AdapterFor(cfg)
		if err != nil {
			outcomes[i] = outcome{cfg: cfg, err: fmt.Errorf("no adapter for %q: %w", cfg.ID, err)}
			continue
		}

		var notifier Notifier
		if d.opts.NotifierFor != nil {
			notifier = d.opts.NotifierFor(cfg)
		}

		coord := New(Options{
			Adapter:  adapter,
			Config:   cfg,
			Secrets:  d.opts.Secrets,
			Store:    d.opts.Store,
			Notifier: notifier,
			Retry:    d.opts.Retry,
			Logger:   d.log,
		})
		d.track(cfg.ID, coord)

		g.Go(func() error {
			defer d.untrack(cfg.ID)
			turn, err := coord.Start(ctx, llmCtx, conversationID)
			outcomes[i] = outcome{cfg: cfg, turn: turn, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var res DispatchResult
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			res.Failed = append(res.Failed, AgentFailure{Config: o.cfg, Err: o.err})
		case o.turn.Status == ai.TurnCancelled:
			// A cancelled agent kept its partial turn but did not succeed.
			res.Failed = append(res.Failed, AgentFailure{Config: o.cfg, Err: ai.Cancelled()})
		default:
			res.Succeeded = append(res.Succeeded, AgentResult{Config: o.cfg, Turn: o.turn})
		}
	}
	return res
}

// Cancel stops one agent by config ID. Terminal agents are unaffected.
func (d *Dispatcher) Cancel(configID string) {
	d.mu.Lock()
	coord := d.children[configID]
	d.mu.Unlock()
	if coord != nil {
		coord.Cancel()
	}
}

// CancelAll propagates a group cancellation to every still-active child.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	live := make([]*Coordinator, 0, len(d.children))
	for _, c := range d.children {
		live = append(live, c)
	}
	d.mu.Unlock()
	for _, c := range live {
		c.Cancel()
	}
}

// Snapshot returns the partial text of a live agent, for observers.
func (d *Dispatcher) Snapshot(configID string) (text string, state State, ok bool) {
	d.mu.Lock()
	coord := d.children[configID]
	d.mu.Unlock()
	if coord == nil {
		return "", "", false
	}
	text, _, state = coord.Snapshot()
	return text, state, true
}

func (d *Dispatcher) track(id string, c *Coordinator) {
	d.mu.Lock()
	d.children[id] = c
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.children, id)
	d.mu.Unlock()
}
