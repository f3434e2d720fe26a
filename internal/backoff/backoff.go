package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Growth selects how the delay grows between attempts.
type Growth int

const (
	// GrowthLinear yields initial, 2*initial, 3*initial, ...
	GrowthLinear Growth = iota
	// GrowthExponential yields initial, 2*initial, 4*initial, ... capped at Cap.
	GrowthExponential
)

// Policy is a parameterized retry/backoff schedule shared by every call site
// that needs one (store write retries, transport reconnection).
type Policy struct {
	Initial     time.Duration
	Growth      Growth
	Cap         time.Duration // zero means uncapped
	MaxAttempts int
	Jitter      float64 // optional fraction of the delay, e.g. 0.1 adds up to ±10%
}

// Delay returns the wait before the given attempt. Attempts are 1-based:
// Delay(1) is the wait scheduled after the first failure.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Growth {
	case GrowthExponential:
		d = p.Initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Cap > 0 && d >= p.Cap {
				d = p.Cap
				break
			}
		}
	default:
		d = p.Initial * time.Duration(attempt)
	}

	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Exhausted reports whether the given 1-based attempt exceeds the policy budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Retry runs fn up to MaxAttempts times, sleeping Delay(n) between failures.
// It returns nil on the first success, the last error once attempts are
// exhausted, or the context error if ctx is done while waiting.
func (p Policy) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
