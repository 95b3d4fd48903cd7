// Package store defines the turn-persistence collaborator: an append/finalize
// record of conversation turns. The conversation core writes through the
// [TurnStore] interface and never assumes a concrete backend; an in-memory
// implementation lives here for tests and storeless runs, a PostgreSQL one in
// the postgres subpackage.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced turn does not exist.
var ErrNotFound = errors.New("store: turn not found")

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Turn is one contiguous speaking segment by either party. A turn is appended
// when speech begins and finalized when it ends; the transcript typically
// arrives later and is attached separately.
type Turn struct {
	ID        int64
	SessionID string
	Speaker   Speaker
	StartedAt time.Time
	EndedAt   time.Time

	// Transcript is the spoken text, when known. Empty until transcription
	// completes.
	Transcript string

	// AudioRef is an opaque reference to the stored audio artifact, or empty.
	AudioRef string

	// Interrupted marks a model turn cut short by a barge-in.
	Interrupted bool
}

// TurnStore persists conversation turns. Implementations must be safe for
// concurrent use.
type TurnStore interface {
	// AppendTurn records a newly started turn and returns its ID.
	AppendTurn(ctx context.Context, t Turn) (int64, error)

	// FinalizeTurn closes a turn with its end time and interruption flag.
	// Finalizing an already-finalized turn overwrites the end state
	// (idempotent with respect to repeated identical calls).
	FinalizeTurn(ctx context.Context, id int64, endedAt time.Time, interrupted bool) error

	// SetTranscript attaches transcript text to a turn.
	SetTranscript(ctx context.Context, id int64, transcript string) error

	// ListTurns returns the most recent turns of a session in start order,
	// oldest first. limit <= 0 means no limit.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
