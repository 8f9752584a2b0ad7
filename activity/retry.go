package activity

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

// RetryStrategy encapsulates the delay between retry attempts. The attempt
// index is 1-based and names the attempt that just failed.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately, useful in tests.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// PolicyBackoffStrategy derives delays from a RetryPolicy:
// FirstInterval × BackoffCoefficient^(attempt-1), optionally capped at Max.
type PolicyBackoffStrategy struct {
	Policy durable.RetryPolicy
	// Max caps the exponential growth when positive.
	Max time.Duration
}

func (s PolicyBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	delay := s.Policy.Delay(attempt)
	if s.Max > 0 && delay > s.Max {
		return s.Max
	}
	return delay
}
