package durable

import (
	"math"
	"time"
)

// RetryPolicy is a pure value describing bounded automatic retry for one
// activity invocation. The zero value means a single attempt.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	FirstInterval      time.Duration `json:"first_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient"`
}

// SingleAttempt is the policy for non-retryable activities.
var SingleAttempt = RetryPolicy{MaxAttempts: 1}

// Attempts returns the effective attempt bound, never below 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to sleep after the given failed attempt (1-based):
// FirstInterval × BackoffCoefficient^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.FirstInterval <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffCoefficient
	if factor <= 0 {
		factor = 1
	}
	d := float64(p.FirstInterval) * math.Pow(factor, float64(attempt-1))
	return time.Duration(d)
}
