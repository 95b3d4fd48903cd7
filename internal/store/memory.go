package store

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ TurnStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory [TurnStore]. Used in tests and when no
// persistence backend is configured. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	turns  []Turn
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// AppendTurn implements [TurnStore].
func (s *MemoryStore) AppendTurn(_ context.Context, t Turn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextID
	s.nextID++
	s.turns = append(s.turns, t)
	return t.ID, nil
}

// FinalizeTurn implements [TurnStore].
func (s *MemoryStore) FinalizeTurn(_ context.Context, id int64, endedAt time.Time, interrupted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.turns {
		if s.turns[i].ID == id {
			s.turns[i].EndedAt = endedAt
			s.turns[i].Interrupted = interrupted
			return nil
		}
	}
	return ErrNotFound
}

// SetTranscript implements [TurnStore].
func (s *MemoryStore) SetTranscript(_ context.Context, id int64, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.turns {
		if s.turns[i].ID == id {
			s.turns[i].Transcript = transcript
			return nil
		}
	}
	return ErrNotFound
}

// ListTurns implements [TurnStore].
func (s *MemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Turn
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	// Return copies so callers cannot mutate stored state.
	res := make([]Turn, len(out))
	copy(res, out)
	return res, nil
}
