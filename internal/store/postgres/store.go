// Package postgres provides a PostgreSQL-backed implementation of
// [store.TurnStore].
//
// All operations share a single [pgxpool.Pool]. [NewStore] runs [Migrate]
// to ensure the turns table exists.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumen-voice/lumen/internal/store"
)

// Compile-time interface check.
var _ store.TurnStore = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    speaker      TEXT         NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ,
    transcript   TEXT         NOT NULL DEFAULT '',
    audio_ref    TEXT         NOT NULL DEFAULT '',
    interrupted  BOOLEAN      NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_started
    ON turns (session_id, started_at);
`

// Store is a PostgreSQL-backed turn store. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate ensures the turns table and indexes exist. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("postgres store: apply turns ddl: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendTurn implements [store.TurnStore].
func (s *Store) AppendTurn(ctx context.Context, t store.Turn) (int64, error) {
	const q = `
		INSERT INTO turns (session_id, speaker, started_at, transcript, audio_ref, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		t.SessionID,
		string(t.Speaker),
		t.StartedAt,
		t.Transcript,
		t.AudioRef,
		t.Interrupted,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: append turn: %w", err)
	}
	return id, nil
}

// FinalizeTurn implements [store.TurnStore].
func (s *Store) FinalizeTurn(ctx context.Context, id int64, endedAt time.Time, interrupted bool) error {
	const q = `
		UPDATE turns
		SET    ended_at = $2, interrupted = $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, endedAt, interrupted)
	if err != nil {
		return fmt.Errorf("postgres store: finalize turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTranscript implements [store.TurnStore].
func (s *Store) SetTranscript(ctx context.Context, id int64, transcript string) error {
	const q = `
		UPDATE turns
		SET    transcript = $2
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, transcript)
	if err != nil {
		return fmt.Errorf("postgres store: set transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListTurns implements [store.TurnStore].
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	q := `
		SELECT id, session_id, speaker, started_at,
		       COALESCE(ended_at, 'epoch'::timestamptz),
		       transcript, audio_ref, interrupted
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY started_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		var speaker string
		err := row.Scan(&t.ID, &t.SessionID, &speaker, &t.StartedAt, &t.EndedAt,
			&t.Transcript, &t.AudioRef, &t.Interrupted)
		t.Speaker = store.Speaker(speaker)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect turns: %w", err)
	}

	// The query returns newest-first so LIMIT keeps the most recent turns;
	// callers expect oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
