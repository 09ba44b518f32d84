// Package resilience provides circuit breaker, provider failover and error
// classification primitives for the conversation pipeline.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open)
// that stops a broken backend from adding a full stage timeout to every
// turn. A rate-limited backend trips its breaker at once so the following
// turns go to a fallback instead of queueing behind the quota.
// [FallbackGroup] composes several instances of one provider kind, each
// behind its own breaker. [Classify] tells the orchestrator whether a failed
// stage should be retried soon, later (rate limits), or not at all.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. All of them
	// succeeding closes the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [NewCircuitBreaker] for zero config fields.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 1
)

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change notifications, usually the
	// provider name.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Clock replaces time.Now. Tests use it to step over the reset timeout.
	Clock func() time.Time
}

// CircuitBreaker guards calls to one backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	admitted  int
	successes int
}

type stateChange struct{ from, to State }

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Clock,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = DefaultMaxFailures
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = DefaultResetTimeout
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = DefaultHalfOpenMax
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// The outcome of fn is classified: cancellation is ignored, a rate limit
// opens the breaker immediately and any other error counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var change *stateChange
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		change = cb.transition(StateHalfOpen, "reset timeout elapsed")
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.admitted >= cb.halfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.admitted++
			probe = true
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
	return probe, err
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	var change *stateChange
	switch class := Classify(err); {
	case err == nil:
		switch cb.state {
		case StateClosed:
			cb.failures = 0
		case StateHalfOpen:
			cb.successes++
			if cb.successes >= cb.halfOpenMax {
				change = cb.transition(StateClosed, "probes succeeded")
			}
		}
	case class == ClassCanceled:
		// The caller gave up; that says nothing about the backend.
		if probe && cb.state == StateHalfOpen {
			cb.admitted--
		}
	case class == ClassRateLimit:
		if cb.state != StateOpen {
			change = cb.transition(StateOpen, "rate limited")
		}
	default:
		switch cb.state {
		case StateClosed:
			cb.failures++
			if cb.failures >= cb.maxFailures {
				change = cb.transition(StateOpen, "consecutive failures")
			}
		case StateHalfOpen:
			change = cb.transition(StateOpen, "probe failed")
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
}

// transition moves to state to and resets the counters. cb.mu must be held.
func (cb *CircuitBreaker) transition(to State, reason string) *stateChange {
	from := cb.state
	cb.state = to
	cb.failures, cb.admitted, cb.successes = 0, 0, 0
	level := slog.LevelInfo
	if to == StateOpen {
		cb.openedAt = cb.now()
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", cb.name, "from", from, "to", to, "reason", reason)
	return &stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(c *stateChange) {
	if c != nil && cb.onChange != nil {
		cb.onChange(cb.name, c.from, c.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var change *stateChange
	if cb.state != StateClosed {
		change = cb.transition(StateClosed, "manual reset")
	}
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(change)
}
