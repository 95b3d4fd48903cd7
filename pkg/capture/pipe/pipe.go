// Package pipe implements the capture interfaces over plain byte streams.
//
// It is the development and testing harness for platforms without a native
// device adapter: the microphone reads raw mono PCM16 at 16 kHz from an
// io.Reader (typically stdin or a file produced by ffmpeg/sox), and the
// speaker writes playback PCM to an io.Writer. No camera is provided; pipe
// sessions run audio-only.
package pipe

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lumen-voice/lumen/pkg/audio"
	"github.com/lumen-voice/lumen/pkg/capture"
)

// Microphone reads fixed-size PCM chunks from a byte stream and delivers them
// at real-time cadence, so a pre-recorded file behaves like a live device.
type Microphone struct {
	r    io.Reader
	pace bool

	mu      sync.Mutex
	ch      chan audio.Chunk
	done    chan struct{}
	running bool
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithoutPacing disables the real-time read cadence. Chunks are delivered as
// fast as the reader produces them; useful in tests.
func WithoutPacing() MicOption {
	return func(m *Microphone) { m.pace = false }
}

// NewMicrophone creates a microphone reading raw PCM16 from r.
func NewMicrophone(r io.Reader, opts ...MicOption) *Microphone {
	m := &Microphone{r: r, pace: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins reading. A microphone can be restarted after Stop; each start
// delivers on a fresh channel.
func (m *Microphone) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("pipe: microphone already started")
	}
	m.running = true
	m.ch = make(chan audio.Chunk, 64)
	m.done = make(chan struct{})

	go m.readLoop(m.ch, m.done)
	return nil
}

// Stop halts the read loop. Safe to call more than once. Stop does not wait
// for a read blocked on the underlying stream; the chunk channel closes once
// that read returns.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	done := m.done
	m.mu.Unlock()

	close(done)
	return nil
}

// Chunks returns the channel of the current capture run.
func (m *Microphone) Chunks() <-chan audio.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

func (m *Microphone) readLoop(ch chan audio.Chunk, done chan struct{}) {
	defer close(ch)

	// One chunk per ChunkDuration keeps file input at live-device speed.
	var pacer *time.Ticker
	if m.pace {
		pacer = time.NewTicker(audio.ChunkDuration)
		defer pacer.Stop()
	}

	for {
		buf := make([]byte, audio.ChunkBytes)
		n, err := io.ReadFull(m.r, buf)
		if err != nil {
			// EOF or a broken stream; a trailing short read still carries audio.
			if n > 0 {
				select {
				case ch <- audio.NewChunk(buf[:n], time.Now()):
				case <-done:
				}
			}
			return
		}

		if pacer != nil {
			select {
			case <-pacer.C:
			case <-done:
				return
			}
		}

		select {
		case ch <- audio.NewChunk(buf, time.Now()):
		case <-done:
			return
		}
	}
}

// writerPCM adapts an io.Writer to [capture.PCMWriter].
type writerPCM struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *writerPCM) WritePCM(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(pcm)
	return err
}

// NewSpeaker returns a [capture.Speaker] that plays by writing raw PCM16 to
// w. Playback ordering and barge-in flush semantics come from
// [capture.PlaybackQueue].
func NewSpeaker(w io.Writer) *capture.PlaybackQueue {
	return capture.NewPlaybackQueue(&writerPCM{w: w})
}
