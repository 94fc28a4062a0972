// Package worker implements the queue-serving loop: readiness gating,
// execution, retry scheduling and the active-run registry.
package worker

import (
	"math"
	"math/rand"
	"time"
)

// DefaultRetryBaseDelay is used when no base delay is configured.
const DefaultRetryBaseDelay = time.Second

// RetryPolicy computes whether and when a failed attempt runs again. Pure
// apart from the jitter source, which is injectable for tests.
type RetryPolicy struct {
	BaseDelay time.Duration
	// Jitter returns a multiplier; nil means uniform [0.75, 1.25].
	Jitter func() float64
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of consumed attempts.
func (p RetryPolicy) ShouldRetry(attempts, maxAttempts int32) bool {
	if maxAttempts <= 0 {
		return false
	}
	return attempts < maxAttempts
}

// NextDelay returns the backoff before the next attempt:
// base * factor^attempts, jittered so retry storms across many jobs spread
// out. attempts is the count of fully failed attempts before this one.
func (p RetryPolicy) NextDelay(attempts int32, factor float64) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if factor <= 0 {
		factor = 2
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	delay := float64(base) * math.Pow(factor, float64(attempts)) * jitter()
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func defaultJitter() float64 {
	return 0.75 + rand.Float64()*0.5
}
