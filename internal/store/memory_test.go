package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumen-voice/lumen/internal/store"
)

func TestMemoryStore_AppendAndList(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	ctx := context.Background()

	id1, err := s.AppendTurn(ctx, store.Turn{SessionID: "s1", Speaker: store.SpeakerUser, StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	id2, err := s.AppendTurn(ctx, store.Turn{SessionID: "s1", Speaker: store.SpeakerModel, StartedAt: time.Now()})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("ids not unique: %d == %d", id1, id2)
	}

	_, _ = s.AppendTurn(ctx, store.Turn{SessionID: "other", Speaker: store.SpeakerUser})

	turns, err := s.ListTurns(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns; want 2", len(turns))
	}
	if turns[0].Speaker != store.SpeakerUser || turns[1].Speaker != store.SpeakerModel {
		t.Errorf("turn order wrong: %v, %v", turns[0].Speaker, turns[1].Speaker)
	}
}

func TestMemoryStore_FinalizeAndTranscript(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	ctx := context.Background()

	id, _ := s.AppendTurn(ctx, store.Turn{SessionID: "s1", Speaker: store.SpeakerModel, StartedAt: time.Now()})

	end := time.Now().Add(2 * time.Second)
	if err := s.FinalizeTurn(ctx, id, end, true); err != nil {
		t.Fatalf("FinalizeTurn: %v", err)
	}
	if err := s.SetTranscript(ctx, id, "hello there"); err != nil {
		t.Fatalf("SetTranscript: %v", err)
	}

	turns, _ := s.ListTurns(ctx, "s1", 0)
	if len(turns) != 1 {
		t.Fatalf("got %d turns; want 1", len(turns))
	}
	got := turns[0]
	if !got.EndedAt.Equal(end) {
		t.Errorf("EndedAt = %v; want %v", got.EndedAt, end)
	}
	if !got.Interrupted {
		t.Error("Interrupted flag not set")
	}
	if got.Transcript != "hello there" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.FinalizeTurn(ctx, 99, time.Now(), false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FinalizeTurn err = %v; want ErrNotFound", err)
	}
	if err := s.SetTranscript(ctx, 99, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetTranscript err = %v; want ErrNotFound", err)
	}
}

func TestMemoryStore_ListLimit(t *testing.T) {
	t.Parallel()
	s := store.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = s.AppendTurn(ctx, store.Turn{SessionID: "s1", Transcript: string(rune('a' + i))})
	}

	turns, _ := s.ListTurns(ctx, "s1", 2)
	if len(turns) != 2 {
		t.Fatalf("got %d turns; want 2", len(turns))
	}
	// Limit keeps the most recent turns.
	if turns[0].Transcript != "d" || turns[1].Transcript != "e" {
		t.Errorf("limited turns = %q, %q; want d, e", turns[0].Transcript, turns[1].Transcript)
	}
}
