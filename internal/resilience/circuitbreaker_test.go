package resilience

import (
	"errors"
	"testing"
	"time"
)

// errStoreDown stands in for a turn-store backend that stopped answering.
var errStoreDown = errors.New("turn store unreachable")

// newStoreGuard builds a breaker tuned like the turn-store guard but with a
// short cooldown for tests.
func newStoreGuard(maxFailures, halfOpenMax int, cooldown time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "turn-store",
		MaxFailures:  maxFailures,
		ResetTimeout: cooldown,
		HalfOpenMax:  halfOpenMax,
	})
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "turn-store"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedForwardsWrites(t *testing.T) {
	cb := newStoreGuard(3, 2, time.Hour)

	persisted := false
	if err := cb.Execute(func() error {
		persisted = true
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !persisted {
		t.Fatal("write never reached the backend")
	}
}

func TestCircuitBreaker_FailureStreakShedsWrites(t *testing.T) {
	cb := newStoreGuard(3, 2, time.Hour)

	for iter := 0; iter < 3; iter++ {
		_ = cb.Execute(func() error { return errStoreDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after the failure streak", cb.State())
	}

	// Writes are now shed without touching the backend.
	touched := false
	err := cb.Execute(func() error {
		touched = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if touched {
		t.Error("shed write still reached the backend")
	}
}

func TestCircuitBreaker_SuccessBreaksTheStreak(t *testing.T) {
	cb := newStoreGuard(3, 2, time.Hour)

	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after an intervening success", cb.State())
	}

	// The streak restarts from zero: two more failures must not open it.
	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	if cb.State() != StateClosed {
		t.Fatal("breaker opened on a broken streak")
	}
}

func TestCircuitBreaker_CooldownAdmitsTrialCalls(t *testing.T) {
	cb := newStoreGuard(2, 2, 10*time.Millisecond)

	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open after the streak")
	}

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the cooldown", cb.State())
	}
}

func TestCircuitBreaker_RecoveredBackendCloses(t *testing.T) {
	cb := newStoreGuard(2, 2, 10*time.Millisecond)

	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	time.Sleep(15 * time.Millisecond)

	// The backend is healthy again; the trial calls succeed and close.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("trial call %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful trial calls", cb.State())
	}
}

func TestCircuitBreaker_FailedTrialCallReopens(t *testing.T) {
	cb := newStoreGuard(2, 3, 10*time.Millisecond)

	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errStoreDown }); !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want the backend error", err)
	}

	// lastFailure was just refreshed, so the stored state is plain open.
	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open again after a failed trial call", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newStoreGuard(2, 2, time.Hour)

	_ = cb.Execute(func() error { return errStoreDown })
	_ = cb.Execute(func() error { return errStoreDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
