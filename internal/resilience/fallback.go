package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or
// was skipped by its breaker. The last entry's error is wrapped alongside,
// so [Classify] still sees a rate limit when the whole group was throttled.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker created for every entry of a
// [FallbackGroup]. The entry name replaces CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// EntryStatus is the breaker state of one group entry.
type EntryStatus struct {
	Name  string
	State State
}

type fallbackEntry[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary provider and its fallbacks, tried in
// registration order. Entries must be added before the group is shared.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group with primary as its only entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry behind the existing ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute runs fn against the entries in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the entries of fg in order and returns
// the first successful result. Entries with an open breaker are skipped. A
// cancelled call stops at once and returns the cancellation error unwrapped.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i, entry := range fg.entries {
		var result R
		err := entry.breaker.Execute(func() error {
			var ferr error
			result, ferr = fn(entry.value)
			return ferr
		})
		if err == nil {
			if i > 0 {
				slog.Debug("request served by fallback provider", "provider", entry.breaker.Name(), "position", i)
			}
			return result, nil
		}
		lastErr = err
		switch {
		case Classify(err) == ClassCanceled:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider with open circuit", "provider", entry.breaker.Name())
		default:
			slog.Warn("provider failed", "provider", entry.breaker.Name(),
				"class", Classify(err), "remaining", len(fg.entries)-i-1, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Len returns the number of entries, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Primary returns the first entry.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// first returns the first entry whose breaker is not open, or the primary
// when every breaker is open.
func (fg *FallbackGroup[T]) first() T {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return e.value
		}
	}
	return fg.Primary()
}

// Available reports whether at least one entry would accept a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Status returns the breaker state of every entry, primary first.
func (fg *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStatus{Name: e.breaker.Name(), State: e.breaker.State()}
	}
	return out
}
