// Package stream drives conversation turns: one Coordinator per turn, and a
// Dispatcher that fans a prompt out to several providers at once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-chat/parley/pkg/ai"
)

// State is the coordinator's lifecycle state. Idle is initial; Completed,
// Cancelled, and Failed are terminal.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ErrBusy is returned by Start when the coordinator has already been
// started. A coordinator drives exactly one turn; starting a second turn on
// the same slot is a caller error, never silently queued.
var ErrBusy = errors.New("stream: coordinator already started")

// Store persists turns. The coordinator only ever hands it a fully-formed
// or validly-partial turn.
type Store interface {
	SaveTurn(turn ai.Turn) error
}

// Update is one throttled UI notification.
type Update struct {
	TextSoFar      string
	ReasoningSoFar string
	Final          bool
}

// Notifier receives updates at the throttled cadence. The final update is
// never skipped.
type Notifier interface {
	Notify(Update)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Update)

func (f NotifierFunc) Notify(u Update) { f(u) }

// Options configures a Coordinator.
type Options struct {
	Adapter  ai.Adapter
	Config   ai.ProviderConfig
	Secrets  ai.Secrets // nil: no token resolved
	Store    Store      // nil: turns are not persisted
	Notifier Notifier   // nil: no UI updates

	Retry ai.RetryPolicy // zero value: ai.DefaultRetryPolicy()

	// FlushInterval bounds the UI update rate. Default 200ms.
	FlushInterval time.Duration

	// StallTimeout aborts a stream when no delta arrives for this long.
	// This is distinct from the HTTP client's overall timeout: a slow
	// trickle keeps resetting it. Default 90s.
	StallTimeout time.Duration

	Logger *slog.Logger // nil: discard
}

// Coordinator drives exactly one conversation turn end-to-end: request,
// delta accumulation, throttled notification, cancellation, and the final
// commit. The central correctness property is that every terminal
// transition passes through a single commit path that persists the buffer
// first — a cancellation or mid-stream failure can never discard
// already-received fragments.
type Coordinator struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	text      strings.Builder
	reasoning strings.Builder
	turn      ai.Turn
	cancel    context.CancelFunc

	userCancelled atomic.Bool
}

// New creates an idle coordinator for one turn.
func New(opts Options) *Coordinator {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 200 * time.Millisecond
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 90 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = ai.DefaultRetryPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{opts: opts, log: log, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns an internally-consistent view of the accumulated
// buffers and state, safe to call from UI observers while the stream is in
// flight.
func (c *Coordinator) Snapshot() (text, reasoning string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String(), c.reasoning.String(), c.state
}

// Turn returns the turn as last committed. Valid once State() is terminal.
func (c *Coordinator) Turn() ai.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// Cancel requests a user stop. Safe from any goroutine and at any state;
// the coordinator commits the current buffer before going terminal.
func (c *Coordinator) Cancel() {
	c.userCancelled.Store(true)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start runs the turn to a terminal state and returns the committed turn.
// It blocks until the stream ends, is cancelled, or fails. The returned
// turn is also what was handed to the store; err is non-nil only for
// Failed (the classified cause) and for a Start on a non-idle coordinator.
func (c *Coordinator) Start(ctx context.Context, llmCtx ai.Context, conversationID string) (ai.Turn, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ai.Turn{}, ErrBusy
	}
	c.state = StateRequesting
	c.turn = ai.NewTurn(conversationID, ai.RoleAssistant, "")
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	token, err := c.resolveToken()
	if err != nil {
		return c.commit(StateFailed, nil, err)
	}

	var citations []string
	for attempt := 0; ; attempt++ {
		citations, err = c.consume(streamCtx, llmCtx, token)

		if err == nil {
			return c.commit(StateCompleted, citations, nil)
		}
		if c.userCancelled.Load() || ai.IsKind(err, ai.KindCancelled) {
			return c.commit(StateCancelled, nil, nil)
		}

		// Retry only while nothing has been received: replaying a request
		// after fragments arrived would duplicate committed text.
		if c.bufferLen() == 0 {
			if delay, ok := c.opts.Retry.Next(attempt, err); ok {
				c.log.Debug("retrying provider request",
					"provider", c.opts.Config.ID, "attempt", attempt+1, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-streamCtx.Done():
					if c.userCancelled.Load() {
						return c.commit(StateCancelled, nil, nil)
					}
					return c.commit(StateFailed, nil, ai.Classify(streamCtx.Err()))
				}
			}
		}
		return c.commit(StateFailed, nil, err)
	}
}

// consume runs one adapter attempt, feeding buffers and the notifier until
// the stream ends. It returns the citations from a clean end, or the
// classified error.
func (c *Coordinator) consume(ctx context.Context, llmCtx ai.Context, token string) ([]string, error) {
	// attemptCtx scopes this attempt alone: a stall abort must not cancel
	// the coordinator context, or a retried attempt would be stillborn.
	attemptCtx, attemptCancel := context.WithCancel(ctx)
	defer attemptCancel()

	deltas, wait := c.opts.Adapter.Stream(attemptCtx, llmCtx, c.opts.Config, token)

	flush := time.NewTicker(c.opts.FlushInterval)
	defer flush.Stop()
	stall := time.NewTimer(c.opts.StallTimeout)
	defer stall.Stop()

	var citations []string
	dirty := false

loop:
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				break loop
			}
			stall.Reset(c.opts.StallTimeout)
			if len(d.Citations) > 0 {
				citations = d.Citations
			}
			if !d.Empty() {
				c.append(d)
				dirty = true
			}

		case <-flush.C:
			if dirty {
				c.notify(false)
				dirty = false
			}

		case <-stall.C:
			// No bytes for the whole stall window. Abort this attempt; the
			// in-flight HTTP read unblocks via the cancelled context.
			attemptCancel()
			for range deltas {
			}
			_, _ = wait()
			return nil, ai.NetworkFailure(fmt.Errorf("no data received for %s", c.opts.StallTimeout))

		case <-ctx.Done():
			// Cancellation point: drain so the adapter goroutine exits, but
			// fragments arriving after the signal are not appended.
			for range deltas {
			}
			_, _ = wait()
			return nil, ai.Classify(ctx.Err())
		}
	}

	comp, err := wait()
	if err != nil {
		return nil, ai.Classify(err)
	}
	if comp != nil && len(comp.Citations) > 0 {
		citations = comp.Citations
	}
	return citations, nil
}

// append adds one delta's fragments to the buffers and flips the state to
// Streaming on the first fragment.
func (c *Coordinator) append(d ai.Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRequesting {
		c.state = StateStreaming
		c.turn.Status = ai.TurnStreaming
	}
	c.text.WriteString(d.Text)
	c.reasoning.WriteString(d.Reasoning)
}

// commit is the single exit path for every terminal transition. It freezes
// the buffers into the turn, persists it, sends the final notification,
// and only then reports the outcome. Partial content on Cancelled/Failed
// is a legitimate truncated turn, so later turns keep conversational
// continuity.
func (c *Coordinator) commit(state State, citations []string, cause error) (ai.Turn, error) {
	c.mu.Lock()
	c.state = state
	c.turn.Content = c.text.String()
	c.turn.Reasoning = c.reasoning.String()
	switch state {
	case StateCompleted:
		c.turn.Status = ai.TurnComplete
		if len(citations) > 0 {
			c.turn.Citations = citations
			c.turn.Content = appendCitations(c.turn.Content, citations)
			c.text.Reset()
			c.text.WriteString(c.turn.Content)
		}
	case StateCancelled:
		c.turn.Status = ai.TurnCancelled
	case StateFailed:
		c.turn.Status = ai.TurnFailed
	}
	turn := c.turn
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.SaveTurn(turn); err != nil {
			c.log.Error("persisting turn failed", "turn", turn.ID, "error", err)
		}
	}
	c.notify(true)

	if state == StateFailed && cause != nil {
		c.log.Warn("turn failed", "provider", c.opts.Config.ID, "error", cause)
		return turn, cause
	}
	return turn, nil
}

func (c *Coordinator) notify(final bool) {
	if c.opts.Notifier == nil {
		return
	}
	text, reasoning, _ := c.Snapshot()
	c.opts.Notifier.Notify(Update{TextSoFar: text, ReasoningSoFar: reasoning, Final: final})
}

func (c *Coordinator) bufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.Len() + c.reasoning.Len()
}

func (c *Coordinator) resolveToken() (string, error) {
	if c.opts.Secrets == nil {
		return "", nil
	}
	token, err := c.opts.Secrets.GetSecret(c.opts.Config.ID)
	if err != nil {
		return "", ai.AuthError(0, fmt.Sprintf("resolve credential for %q: %v", c.opts.Config.ID, err))
	}
	return token, nil
}

// appendCitations formats search-tool citations under the committed text.
func appendCitations(content string, citations []string) string {
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nSources:\n")
	for i, url := range citations {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, url)
	}
	return strings.TrimRight(b.String(), "\n")
}
