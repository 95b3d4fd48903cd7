package capture

import (
	"context"
	"sync"
	"testing"
	"time"
)

// collectWriter records every PCM buffer written to it.
type collectWriter struct {
	mu     sync.Mutex
	writes [][]byte
	gate   chan struct{} // when non-nil, each write blocks until a receive
}

func (w *collectWriter) WritePCM(pcm []byte) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	w.writes = append(w.writes, cp)
	return nil
}

func (w *collectWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

// waitFor polls cond until it is true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlaybackQueue_WritesReachDevice(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Close()

	_ = q.Write([]byte{1, 2})
	_ = q.Write([]byte{3, 4})

	waitFor(t, func() bool { return w.count() == 2 }, "device never received both buffers")

	w.mu.Lock()
	defer w.mu.Unlock()
	if string(w.writes[0]) != string([]byte{1, 2}) || string(w.writes[1]) != string([]byte{3, 4}) {
		t.Errorf("writes out of order: %v", w.writes)
	}
}

func TestPlaybackQueue_PauseBuffersWrites(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	defer q.Close()

	q.Pause()
	_ = q.Write([]byte{1})
	_ = q.Write([]byte{2})

	time.Sleep(20 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("device received %d buffers while paused", w.count())
	}

	q.Resume()
	waitFor(t, func() bool { return w.count() == 2 }, "buffered writes not played after Resume")
}

func TestPlaybackQueue_FlushDiscardsQueue(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	defer q.Close()

	q.Pause() // hold the consumer so the queue fills deterministically
	_ = q.Write([]byte{1})
	_ = q.Write([]byte{2})
	_ = q.Write([]byte{3})

	q.Flush(false)
	if q.Pending() != 0 {
		t.Fatalf("Pending = %d after Flush; want 0", q.Pending())
	}

	// Flush(false) leaves the explicit pause in place.
	_ = q.Write([]byte{4})
	time.Sleep(20 * time.Millisecond)
	if w.count() != 0 {
		t.Fatal("explicit pause should survive Flush(false)")
	}

	q.Resume()
	waitFor(t, func() bool { return w.count() == 1 }, "post-flush write not played")
	w.mu.Lock()
	defer w.mu.Unlock()
	if string(w.writes[0]) != string([]byte{4}) {
		t.Errorf("played %v; want only the post-flush buffer", w.writes[0])
	}
}

func TestPlaybackQueue_FlushResumeLiftsPause(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	defer q.Close()

	q.Pause()
	_ = q.Write([]byte{1})
	q.Flush(true)

	_ = q.Write([]byte{2})
	waitFor(t, func() bool { return w.count() == 1 }, "Flush(true) should lift the pause")
}

func TestPlaybackQueue_AutoResumeAfterInterruptFlush(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	defer q.Close()

	// Barge-in pattern: not explicitly paused, just flushed.
	_ = q.Write([]byte{1})
	q.Flush(false)

	// New model audio after the interruption plays without Resume.
	_ = q.Write([]byte{9})
	waitFor(t, func() bool { return w.count() >= 1 }, "playback did not auto-resume after flush")
}

func TestPlaybackQueue_CloseIdempotent(t *testing.T) {
	q := NewPlaybackQueue(&collectWriter{})
	_ = q.Start(context.Background())
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := q.Write([]byte{1}); err == nil {
		t.Error("Write after Close should fail")
	}
}

// One queue must survive a session teardown: after Close, a fresh Start
// brings playback back for the next conversation session on the same device.
func TestPlaybackQueue_RestartAfterClose(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = q.Write([]byte{1})
	waitFor(t, func() bool { return w.count() == 1 }, "first session write never played")

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Write([]byte{2}); err == nil {
		t.Fatal("Write between Close and Start should fail")
	}

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer q.Close()
	if err := q.Write([]byte{3}); err != nil {
		t.Fatalf("Write after restart: %v", err)
	}
	waitFor(t, func() bool { return w.count() == 2 }, "restarted queue never reached the device")

	w.mu.Lock()
	defer w.mu.Unlock()
	if string(w.writes[1]) != string([]byte{3}) {
		t.Errorf("restarted queue played %v; want the post-restart buffer", w.writes[1])
	}
}

func TestPlaybackQueue_RestartClearsHeldPause(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	q.Pause()
	_ = q.Close()

	_ = q.Start(context.Background())
	defer q.Close()
	_ = q.Write([]byte{7})
	waitFor(t, func() bool { return w.count() == 1 }, "pause from the previous session survived the restart")
}

func TestPlaybackQueue_StartWhileRunningIsNoop(t *testing.T) {
	w := &collectWriter{}
	q := NewPlaybackQueue(w)
	_ = q.Start(context.Background())
	defer q.Close()

	// A second Start must not spawn a second consumer; every buffer is
	// written exactly once.
	_ = q.Start(context.Background())
	for i := 0; i < 8; i++ {
		_ = q.Write([]byte{byte(i)})
	}
	waitFor(t, func() bool { return w.count() == 8 }, "writes never drained")
	time.Sleep(10 * time.Millisecond)
	if w.count() != 8 {
		t.Fatalf("device received %d buffers; want 8", w.count())
	}
}

func TestPlaybackQueue_StartWithoutDevice(t *testing.T) {
	q := NewPlaybackQueue(nil)
	if err := q.Start(context.Background()); err == nil {
		t.Fatal("expected error starting queue with no output device")
	}
}
