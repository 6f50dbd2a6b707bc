package ai

import (
	"math/rand"
	"time"
)

// RetryPolicy is the bounded exponential backoff shared by everything that
// calls an adapter. Adapters themselves never retry; the coordinator (or
// any other caller) consults the policy between attempts.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap applied after doubling
	Jitter      float64       // 0..1 fraction of the delay randomized
}

// DefaultRetryPolicy matches typical provider guidance: three attempts,
// half-second base, capped at ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: 0.2}
}

// Next decides whether attempt+1 should happen after err, and how long to
// wait first. attempt is zero-based (0 = the first attempt just failed).
// A provider-supplied Retry-After always wins over the computed backoff.
func (p RetryPolicy) Next(attempt int, err error) (time.Duration, bool) {
	if attempt+1 >= p.MaxAttempts {
		return 0, false
	}
	classified := Classify(err)
	if classified == nil || !classified.Retryable() {
		return 0, false
	}
	if classified.RetryAfter > 0 {
		return classified.RetryAfter, true
	}

	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration(rand.Float64()*2*spread - spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay, true
}
