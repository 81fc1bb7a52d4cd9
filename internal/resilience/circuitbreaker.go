// Package resilience guards the speech and language gateways of a call.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops a live call from waiting on a backend that keeps failing.
// [FallbackGroup] puts a breaker in front of each configured backend so a
// failing primary is skipped in favour of the next healthy one. [LLMFallback],
// [STTFallback] and [TTSFallback] adapt a group to the gateway interfaces and
// treat an empty reply or empty audio as a backend failure.
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
	// StateOpen rejects calls until the reset timeout has passed.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values take defaults.
type CircuitBreakerConfig struct {
	// Name labels logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes that must succeed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the backend.
	// Default: everything except context cancellation, which means the call
	// hung up rather than that the backend is unhealthy.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
// fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(err, probe)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.successes = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			to := cb.state
			cb.mu.Unlock()
			cb.notify(from, to)
			return false, ErrCircuitOpen
		}
		cb.probes++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return to == StateHalfOpen, nil
}

// record accounts for the outcome of an admitted call.
func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err == nil && probe:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax && cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.failures = 0
		}
	case err == nil:
		cb.failures = 0
	case !cb.cfg.IsFailure(err):
		if probe {
			// Neutral outcome: give the probe slot back.
			cb.probes--
		}
	case probe:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = cb.cfg.MaxFailures
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout
// has passed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.probes, cb.successes = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
