package publish

import (
	"context"
	"time"

	"github.com/quickredblazer/qrb/pkg/log"
)

// RetryConfig controls how TransientNetworkError failures are reissued.
type RetryConfig struct {
	// MaxAttempts is the total number of tries per call, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry.
	Multiplier float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// GetDelay returns the wait before retry number attempt (0-based).
func (c RetryConfig) GetDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
	}
	if c.MaxDelay > 0 && time.Duration(delay) > c.MaxDelay {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// withRetry runs fn until it succeeds, fails with a non-retryable kind, or
// runs out of attempts. AmbiguousOutcome is never retried.
func withRetry[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := cfg.GetDelay(attempt - 1)
			log.Warn("retrying after transient failure", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				var zero T
				return zero, Wrap(KindCanceled, op, ctx.Err())
			}
		}

		result, err = fn()
		if err == nil {
			return result, nil
		}
		if !KindOf(err).Retryable() {
			return result, err
		}
	}
	return result, err
}
