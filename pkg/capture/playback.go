package capture

import (
	"context"
	"fmt"
	"sync"
)

// PCMWriter is the raw device behind a [PlaybackQueue]: a blocking writer
// that accepts one PCM16 buffer at a time. Platform adapters implement this
// over their native audio output API.
type PCMWriter interface {
	WritePCM(pcm []byte) error
}

// PlaybackQueue is a [Speaker] backed by a PCMWriter. Producers (the
// conversation loop delivering model audio deltas) enqueue buffers from any
// goroutine; a single consumer goroutine drains the queue to the device.
//
// Flush clears pending buffers atomically under the queue lock, so a barge-in
// can cut playback without racing the consumer.
//
// Close parks the queue rather than spending it: a later Start brings the
// consumer back up, so one PlaybackQueue serves every conversation session a
// reconnecting channel produces on the same device.
type PlaybackQueue struct {
	out PCMWriter

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	paused  bool
	closed  bool
	running bool
	gen     int // bumped on Start; retires consumers from earlier runs
}

// NewPlaybackQueue creates a PlaybackQueue draining to out. The consumer
// goroutine starts on Start.
func NewPlaybackQueue(out PCMWriter) *PlaybackQueue {
	q := &PlaybackQueue{out: out}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the consumer goroutine. Calling Start on a running queue is
// a no-op; calling it after Close restarts the queue for a new session with a
// clean slate (no held pause, empty queue).
func (q *PlaybackQueue) Start(_ context.Context) error {
	if q.out == nil {
		return fmt.Errorf("playback: %w: no output device", ErrDeviceUnavailable)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	q.running = true
	q.closed = false
	q.paused = false
	q.gen++
	go q.drainLoop(q.gen)
	return nil
}

// Write enqueues a PCM16 buffer. Buffers written while paused are retained
// and played once the pause is lifted. Writes between Close and the next
// Start are rejected.
func (q *PlaybackQueue) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("playback: queue closed")
	}
	q.queue = append(q.queue, pcm)
	q.cond.Signal()
	return nil
}

// Flush discards all queued audio atomically. When resume is true an explicit
// pause is lifted as well; when false, any held pause stays in effect but new
// writes will play as soon as they arrive (the queue is empty, not paused).
func (q *PlaybackQueue) Flush(resume bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = nil
	if resume {
		q.paused = false
	}
	q.cond.Signal()
}

// Pause holds playback. Writes continue to buffer.
func (q *PlaybackQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume lifts an explicit pause.
func (q *PlaybackQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Signal()
}

// Pending returns the number of queued buffers. Intended for tests and
// diagnostics.
func (q *PlaybackQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Close stops the consumer and discards queued audio. Safe to call more than
// once. The queue is restartable: a subsequent Start begins a fresh run.
func (q *PlaybackQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.running = false
	q.queue = nil
	q.cond.Broadcast()
	return nil
}

// drainLoop is the single consumer for one run of the queue: it dequeues one
// buffer at a time and writes it to the device. The device write happens
// outside the lock so a slow device cannot block producers or Flush. When
// Close ends the run, or a Close/Start cycle moves the generation on, the
// consumer exits.
func (q *PlaybackQueue) drainLoop(gen int) {
	for {
		q.mu.Lock()
		for q.running && q.gen == gen && (q.paused || len(q.queue) == 0) {
			q.cond.Wait()
		}
		if !q.running || q.gen != gen {
			q.mu.Unlock()
			return
		}
		buf := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		// Write errors are swallowed: a playback glitch must not take down
		// the conversation loop.
		_ = q.out.WritePCM(buf)
	}
}
