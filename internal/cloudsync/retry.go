package cloudsync

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/scale-edge/internal/edgeerr"
)

// RetryPolicy implements exponential-backoff retry:
// delay_n = min(initialDelay * multiplier^n, maxDelay).
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Delay returns the backoff delay before attempt n (0-indexed).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
	}
	max := float64(p.MaxDelay)
	if d > max {
		d = max
	}
	return time.Duration(d)
}

// Do runs fn, retrying up to MaxRetries times on error with the configured
// backoff, and returns the number of retries actually taken. A
// *edgeerr.CloudValidationError is never retried; the auth-error retry
// happens one layer down, inside Client.do, not here. Cancellation via ctx
// aborts any pending wait immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) (retries int, err error) {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return attempt, nil
		}

		var validationErr *edgeerr.CloudValidationError
		if errors.As(lastErr, &validationErr) {
			return attempt, lastErr
		}

		if attempt == p.MaxRetries {
			break
		}

		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
	return p.MaxRetries, lastErr
}
