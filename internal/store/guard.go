package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lumen-voice/lumen/internal/resilience"
)

// GuardedStore wraps a TurnStore with a circuit breaker. Persistence is
// best-effort for the conversation loop: when the backend fails repeatedly,
// the breaker opens and operations are rejected fast with a warning instead
// of stalling every turn on a dead backend.
//
// [ErrNotFound] is a caller mistake, not a backend fault, so it never trips
// the breaker.
type GuardedStore struct {
	inner   TurnStore
	breaker *resilience.CircuitBreaker
}

// NewGuardedStore wraps inner with a breaker tuned for turn persistence.
func NewGuardedStore(inner TurnStore) *GuardedStore {
	return &GuardedStore{
		inner: inner,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "turn-store",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
		}),
	}
}

// Breaker exposes the underlying breaker for diagnostics.
func (g *GuardedStore) Breaker() *resilience.CircuitBreaker { return g.breaker }

// exec runs op through the breaker, exempting ErrNotFound from failure
// accounting.
func (g *GuardedStore) exec(op func() error) error {
	var opErr error
	err := g.breaker.Execute(func() error {
		opErr = op()
		if errors.Is(opErr, ErrNotFound) {
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

func (g *GuardedStore) AppendTurn(ctx context.Context, t Turn) (int64, error) {
	var id int64
	err := g.exec(func() error {
		var err error
		id, err = g.inner.AppendTurn(ctx, t)
		return err
	})
	if err != nil {
		slog.Warn("turn append dropped", "speaker", t.Speaker, "err", err)
	}
	return id, err
}

func (g *GuardedStore) FinalizeTurn(ctx context.Context, id int64, endedAt time.Time, interrupted bool) error {
	err := g.exec(func() error {
		return g.inner.FinalizeTurn(ctx, id, endedAt, interrupted)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("turn finalize dropped", "turn_id", id, "err", err)
	}
	return err
}

func (g *GuardedStore) SetTranscript(ctx context.Context, id int64, transcript string) error {
	err := g.exec(func() error {
		return g.inner.SetTranscript(ctx, id, transcript)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("transcript update dropped", "turn_id", id, "err", err)
	}
	return err
}

func (g *GuardedStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	var turns []Turn
	err := g.exec(func() error {
		var err error
		turns, err = g.inner.ListTurns(ctx, sessionID, limit)
		return err
	})
	return turns, err
}
