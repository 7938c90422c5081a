package retry

import (
	"math"
	"time"
)

// Policy controls the bounded exponential backoff applied between
// processing attempts.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultPolicy matches the provider-webhook retry contract: 1s base,
// doubling, capped at 5 minutes, at most 5 attempts. Worst case a single
// invocation blocks for ~31s of backoff before giving up.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		MaxRetries: 5,
	}
}

// Delay returns the backoff before retry attempt n, counted from zero:
// min(BaseDelay * Multiplier^n, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
