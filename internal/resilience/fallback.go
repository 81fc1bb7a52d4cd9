package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] produced a
// result. It wraps the last backend error.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker placed in front of every backend of
// a [FallbackGroup]. The breaker's Name is replaced by the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and its fallbacks in the order they
// are tried. Register every fallback before the group is shared.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend with its own breaker.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: fallback, breaker: NewCircuitBreaker(cb)})
}

// Names returns the backend names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Healthy reports whether at least one backend would accept a call.
func (fg *FallbackGroup[T]) Healthy() bool {
	for i := range fg.entries {
		if fg.entries[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each backend in order until one succeeds.
// Backends with an open breaker are skipped. A context error stops at once:
// the turn's deadline is shared, so later backends would fail the same way.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("fallback provider served request", "provider", e.name, "skipped", i)
			}
			return out, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("provider skipped, circuit open", "provider", e.name)
		default:
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
