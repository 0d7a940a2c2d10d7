// Package resilience wraps durable-store calls with a circuit breaker
// and bounded retries.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/config"
	"episodic-memory/internal/memerr"
)

// State is a circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a point-in-time view of the breaker for monitoring
type Snapshot struct {
	State                State         `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	HalfOpenAttempts     int           `json:"half_open_attempts"`
	ElapsedOpen          time.Duration `json:"elapsed_open,omitempty"`
}

// Breaker is the circuit breaker around the durable store. It fails fast
// while open, probes with bounded attempts while half-open, and counts
// only backend health failures (Transient, Fatal) as failures; validation
// and not-found errors are returned unchanged and recorded like successes
// (they reset the failure count while closed and count toward recovery
// while half-open).
//
// Every state transition happens under the internal lock and is logged
// with structured fields. The breaker never holds its lock across the
// wrapped call.
type Breaker struct {
	cfg     config.BreakerConfig
	log     *logrus.Logger
	clock   func() time.Time
	enabled bool

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenAttempts     int
	openedAt             time.Time
}

// NewBreaker creates a closed breaker. A disabled breaker passes every
// call straight through (the documented fallback when the feature toggle
// is off).
func NewBreaker(cfg config.BreakerConfig, enabled bool, log *logrus.Logger) *Breaker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Breaker{
		cfg:     cfg,
		log:     log,
		clock:   time.Now,
		enabled: enabled,
		state:   StateClosed,
	}
}

// SetClock replaces the time source (tests only)
func (b *Breaker) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clock = clock
}

// Execute runs fn through the breaker. While open it returns
// *memerr.CircuitOpenError without invoking fn.
func (b *Breaker) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	if !b.enabled {
		return fn(ctx)
	}
	if err := b.allow(op); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(op, err)
	return err
}

// allow decides whether a call may proceed, transitioning Open→HalfOpen
// after the cooldown
func (b *Breaker) allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		elapsed := b.clock().Sub(b.openedAt)
		if elapsed < b.cfg.Timeout {
			return &memerr.CircuitOpenError{
				ElapsedOpen:       elapsed,
				RemainingCooldown: b.cfg.Timeout - elapsed,
			}
		}
		b.transition(StateHalfOpen, op, "cooldown elapsed")
		b.halfOpenAttempts = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			b.transition(StateOpen, op, "half-open attempts exhausted")
			elapsed := b.clock().Sub(b.openedAt)
			return &memerr.CircuitOpenError{
				ElapsedOpen:       elapsed,
				RemainingCooldown: b.cfg.Timeout - elapsed,
			}
		}
		b.halfOpenAttempts++
		return nil
	}
	return nil
}

// record updates the counters from the call result
func (b *Breaker) record(op string, err error) {
	failure := err != nil && memerr.CountsAsBreakerFailure(err)
	success := err == nil || !memerr.CountsAsBreakerFailure(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if failure {
			b.consecutiveFailures++
			if b.consecutiveFailures >= b.cfg.FailureThreshold {
				b.transition(StateOpen, op, "failure threshold reached")
			}
		} else if success {
			b.consecutiveFailures = 0
		}

	case StateHalfOpen:
		if failure {
			b.transition(StateOpen, op, "failure while half-open")
			return
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transition(StateClosed, op, "success threshold reached")
		}
	}
}

// transition switches state and resets the counters the new state needs.
// Caller holds the lock.
func (b *Breaker) transition(next State, op, reason string) {
	previous := b.state
	if previous == next {
		return
	}
	b.state = next

	switch next {
	case StateOpen:
		b.openedAt = b.clock()
		b.consecutiveSuccesses = 0
		b.halfOpenAttempts = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
		b.halfOpenAttempts = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.consecutiveSuccesses = 0
		b.halfOpenAttempts = 0
	}

	b.log.WithFields(logrus.Fields{
		"previous":  previous,
		"next":      next,
		"reason":    reason,
		"operation": op,
		"failures":  b.consecutiveFailures,
		"successes": b.consecutiveSuccesses,
	}).Info("circuit breaker transition")
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state and counters
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		HalfOpenAttempts:     b.halfOpenAttempts,
	}
	if b.state == StateOpen {
		snap.ElapsedOpen = b.clock().Sub(b.openedAt)
	}
	return snap
}
