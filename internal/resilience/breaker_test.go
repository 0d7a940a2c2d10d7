package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodic-memory/internal/config"
	"episodic-memory/internal/memerr"
)

func testBreakerConfig() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

func transientErr() error { return memerr.New(memerr.KindTransient, "test", "boom") }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.Equal(t, StateClosed, b.State(), "call %d", i)
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	require.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(ctx, "op", func(context.Context) error { calls++; return nil })
	assert.Equal(t, 0, calls, "open breaker must not invoke the backend")
	assert.Equal(t, memerr.KindCircuitOpen, memerr.KindOf(err))

	var coe *memerr.CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, 30*time.Second, coe.ElapsedOpen+coe.RemainingCooldown)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	require.Equal(t, StateOpen, b.State())

	// Cooldown elapses: one success, then another, closes the breaker
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Execute(ctx, "op", func(context.Context) error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, "op", func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	now = now.Add(31 * time.Second)
	_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAttemptBound(t *testing.T) {
	// Concurrent probes while half-open are bounded: once the attempt
	// allowance is spent without the success threshold being reached,
	// further calls reopen the breaker and fail fast.
	cfg := testBreakerConfig()
	cfg.SuccessThreshold = 2
	cfg.HalfOpenMaxAttempts = 3
	b := NewBreaker(cfg, true, nil)
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	now = now.Add(31 * time.Second)

	// Hold three probes in flight without completing them, spending the
	// half-open allowance; the fourth probe is rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_ = b.Execute(ctx, "op", func(context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	err := b.Execute(ctx, "op", func(context.Context) error { return nil })
	assert.Equal(t, memerr.KindCircuitOpen, memerr.KindOf(err))
	close(release)
}

func TestBreakerIgnoresValidationErrors(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error {
			return memerr.New(memerr.KindValidation, "test", "bad input")
		})
	}
	assert.Equal(t, StateClosed, b.State(), "validation errors must not trip the breaker")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	require.NoError(t, b.Execute(ctx, "op", func(context.Context) error { return nil }))

	// Four more failures stay under the threshold after the reset
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerCallBound(t *testing.T) {
	// After the first failure, at most failure_threshold - 1 further
	// durable calls are attempted before the breaker opens
	b := NewBreaker(testBreakerConfig(), true, nil)
	ctx := context.Background()

	attempts := 0
	for i := 0; i < 100; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { attempts++; return transientErr() })
	}
	assert.Equal(t, 5, attempts, "backend must see exactly failure_threshold attempts")
}

func TestDisabledBreakerPassesThrough(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), false, nil)
	ctx := context.Background()

	attempts := 0
	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, "op", func(context.Context) error { attempts++; return transientErr() })
	}
	assert.Equal(t, 10, attempts)
	assert.Equal(t, StateClosed, b.State())
}

func TestSnapshot(t *testing.T) {
	b := NewBreaker(testBreakerConfig(), true, nil)
	ctx := context.Background()

	_ = b.Execute(ctx, "op", func(context.Context) error { return transientErr() })
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}
