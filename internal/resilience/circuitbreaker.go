// Package resilience guards the conversation loop's best-effort dependencies.
//
// Turn persistence is the canonical client: when the database stops
// answering, the guard sheds writes instead of stalling every exchange, and
// tries the backend again after a cooldown. [CircuitBreaker] is a classic
// three-state breaker (closed, open, half-open), safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls outright: either the cooldown has not elapsed, or the
// half-open trial budget is spent.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after a
	// streak of consecutive failures; left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of trial calls through after the
	// cooldown. Enough successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds the tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output (e.g. "turn-store").
	Name string

	// MaxFailures is the failure streak that opens the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cooldown before an open breaker admits trial
	// calls again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds the trial calls admitted in the half-open state.
	// Default: 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu          sync.Mutex
	state       State
	failStreak  int
	lastFailure time.Time
	trialCalls  int
	trialFails  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields get
// defaults.
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
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker admits the call and folds its outcome into
// the breaker state. In the open state fn is not called and [ErrCircuitOpen]
// is returned.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.settle(err, trial)
	return err
}

// admit decides whether a call may proceed and whether it counts against the
// half-open trial budget.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialCalls = 0
		cb.trialFails = 0
		slog.Info("circuit breaker half-open after cooldown", "name", cb.name)

	case StateHalfOpen:
		if cb.trialCalls >= cb.halfOpenMax {
			// Trial budget spent; stay shed until an outcome settles.
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.trialCalls++
		return true, nil
	}
	return false, nil
}

// settle folds one call outcome into the breaker state.
func (cb *CircuitBreaker) settle(callErr error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr != nil {
		cb.lastFailure = time.Now()
		if trial {
			// One failed trial is enough; back to shedding.
			cb.trialFails++
			cb.state = StateOpen
			cb.failStreak = cb.maxFailures
			slog.Warn("circuit breaker re-opened by failed trial call", "name", cb.name)
			return
		}
		cb.failStreak++
		if cb.failStreak >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.failStreak)
		}
		return
	}

	if trial {
		if cb.trialCalls-cb.trialFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failStreak = 0
			cb.trialCalls = 0
			cb.trialFails = 0
			slog.Info("circuit breaker closed, dependency recovered", "name", cb.name)
		}
		return
	}
	cb.failStreak = 0
}

// State returns the current [State]. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the stored state moves on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failStreak = 0
	cb.trialCalls = 0
	cb.trialFails = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
