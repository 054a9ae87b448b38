// Package queue drives durable LLM tasks to terminal state: claiming,
// subprocess execution, failure classification, retry scheduling, output
// validation with one-shot repair, and attempt telemetry.
package queue

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes retry delays and timeout growth.
type RetryPolicy struct {
	// Base is the first backoff cap; it doubles per attempt.
	Base time.Duration
	// Max bounds the backoff cap.
	Max time.Duration
	// TimeoutRetryCap bounds grown per-attempt timeouts, in seconds.
	TimeoutRetryCap int
}

// DefaultRetryPolicy mirrors the queue defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:            30 * time.Second,
		Max:             15 * time.Minute,
		TimeoutRetryCap: 1800,
	}
}

// Delay draws the backoff before retry number attempt (1-based): uniform in
// [0, min(Max, Base·2^(attempt−1))]. The full-jitter draw deliberately
// allows zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	cap := p.Base << uint(attempt-1)
	if cap > p.Max || cap <= 0 {
		cap = p.Max
	}
	if cap <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(cap) + 1))
}

// GrowTimeout computes the next attempt's timeout after a wall-clock
// timeout: min(ceil(current · 1.5), cap).
func (p RetryPolicy) GrowTimeout(currentSeconds int) int {
	grown := int(math.Ceil(float64(currentSeconds) * 1.5))
	if p.TimeoutRetryCap > 0 && grown > p.TimeoutRetryCap {
		return p.TimeoutRetryCap
	}
	return grown
}
