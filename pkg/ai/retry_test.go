package ai

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_NonRetryableStops(t *testing.T) {
	p := DefaultRetryPolicy()
	if _, ok := p.Next(0, AuthError(401, "nope")); ok {
		t.Error("auth errors must not be retried")
	}
	if _, ok := p.Next(0, MalformedResponse("bad json")); ok {
		t.Error("malformed responses must not be retried")
	}
	if _, ok := p.Next(0, Cancelled()); ok {
		t.Error("user cancellation must not be retried")
	}
}

func TestRetryPolicy_BoundedAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second}
	err := NetworkFailure(errors.New("reset"))

	if _, ok := p.Next(0, err); !ok {
		t.Fatal("attempt 0 should allow a retry")
	}
	if _, ok := p.Next(1, err); !ok {
		t.Fatal("attempt 1 should allow a retry")
	}
	if _, ok := p.Next(2, err); ok {
		t.Fatal("attempt 2 is the last allowed attempt; no further retry")
	}
}

func TestRetryPolicy_ExponentialGrowthCapped(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	err := ServerError(503, "")

	d0, _ := p.Next(0, err)
	d1, _ := p.Next(1, err)
	d5, _ := p.Next(5, err)

	if d0 != 100*time.Millisecond {
		t.Errorf("first delay = %v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("second delay = %v, want 200ms", d1)
	}
	if d5 != 400*time.Millisecond {
		t.Errorf("late delay = %v, want cap 400ms", d5)
	}
}

func TestRetryPolicy_RetryAfterWins(t *testing.T) {
	p := DefaultRetryPolicy()
	d, ok := p.Next(0, RateLimited(3*time.Second, "slow down"))
	if !ok {
		t.Fatal("rate limit should be retryable")
	}
	if d != 3*time.Second {
		t.Errorf("delay = %v, want provider-supplied 3s", d)
	}
}
