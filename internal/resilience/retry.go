package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"episodic-memory/internal/memerr"
)

// Retry runs fn with bounded exponential backoff, retrying only
// Transient errors. CircuitOpen and Fatal propagate immediately; the
// breaker decides when the backend is probed again.
func Retry(ctx context.Context, maxRetries int, fn func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newPolicy(), uint64(maxRetries)), ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if memerr.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// newPolicy builds the shared backoff shape: short initial interval,
// mild growth, capped per-attempt wait
func newPolicy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.Multiplier = 2.0
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0 // bounded by retry count, not wall clock
	return policy
}
