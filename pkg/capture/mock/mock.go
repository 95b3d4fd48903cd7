// Package mock provides test doubles for the capture interfaces. Each mock
// records its calls and returns configurable results, in the style used
// across the Lumen test suites.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lumen-voice/lumen/pkg/audio"
	"github.com/lumen-voice/lumen/pkg/capture"
)

// Microphone is a scriptable capture.Microphone. Tests push chunks through
// Emit and the orchestrator reads them from Chunks. Like a real device it
// survives Start/Stop cycles: each Start after a Stop serves a fresh chunk
// channel.
type Microphone struct {
	// StartError, when non-nil, is returned by Start.
	StartError error

	mu         sync.Mutex
	ch         chan audio.Chunk
	started    bool
	StartCalls int
	StopCalls  int
}

// NewMicrophone returns a mock microphone with a buffered chunk channel.
func NewMicrophone() *Microphone {
	return &Microphone{ch: make(chan audio.Chunk, 256)}
}

func (m *Microphone) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if m.StartError != nil {
		return m.StartError
	}
	if !m.started {
		if m.ch == nil {
			m.ch = make(chan audio.Chunk, 256)
		}
		m.started = true
	}
	return nil
}

func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	if m.started {
		m.started = false
		close(m.ch)
		m.ch = nil
	}
	return nil
}

func (m *Microphone) Chunks() <-chan audio.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// Emit delivers a chunk as if captured from the device.
func (m *Microphone) Emit(c audio.Chunk) {
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	ch <- c
}

// Camera is a scriptable capture.Camera.
type Camera struct {
	// CaptureResult is returned by CaptureFrame when CaptureError is nil.
	CaptureResult capture.ProcessedImage

	// CaptureError, when non-nil, is returned by CaptureFrame.
	CaptureError error

	// CaptureDelay, when non-zero, delays CaptureFrame before returning,
	// honouring ctx cancellation.
	CaptureDelay time.Duration

	mu                sync.Mutex
	frames            chan capture.ProcessedImage
	CaptureCalls      []capture.FrameKind
	StartAmbientCalls int
	StopAmbientCalls  int
	ambientInterval   time.Duration
}

// NewCamera returns a mock camera with a buffered ambient-frame channel.
func NewCamera() *Camera {
	return &Camera{frames: make(chan capture.ProcessedImage, 16)}
}

func (c *Camera) CaptureFrame(ctx context.Context, kind capture.FrameKind) (capture.ProcessedImage, error) {
	c.mu.Lock()
	c.CaptureCalls = append(c.CaptureCalls, kind)
	delay := c.CaptureDelay
	res, err := c.CaptureResult, c.CaptureError
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return capture.ProcessedImage{}, ctx.Err()
		}
	}
	if err != nil {
		return capture.ProcessedImage{}, err
	}
	res.Kind = kind
	return res, nil
}

func (c *Camera) StartAmbient(_ context.Context, interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartAmbientCalls++
	c.ambientInterval = interval
	return nil
}

func (c *Camera) StopAmbient() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopAmbientCalls++
}

func (c *Camera) Frames() <-chan capture.ProcessedImage { return c.frames }

// EmitAmbient delivers a frame as if produced by the ambient loop.
func (c *Camera) EmitAmbient(img capture.ProcessedImage) { c.frames <- img }

// AmbientInterval returns the interval passed to the last StartAmbient call.
func (c *Camera) AmbientInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ambientInterval
}

// Speaker is a recording capture.Speaker.
type Speaker struct {
	// StartError, when non-nil, is returned by Start.
	StartError error

	mu          sync.Mutex
	Writes      [][]byte
	FlushCalls  []bool // the resume argument of each Flush
	PauseCalls  int
	ResumeCalls int
	CloseCalls  int
}

func (s *Speaker) Start(_ context.Context) error {
	if s.StartError != nil {
		return s.StartError
	}
	return nil
}

func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Writes = append(s.Writes, cp)
	return nil
}

func (s *Speaker) Flush(resume bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCalls = append(s.FlushCalls, resume)
}

func (s *Speaker) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCalls++
}

func (s *Speaker) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCalls++
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// WriteCount returns the number of Write calls so far.
func (s *Speaker) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}

// FlushCount returns the number of Flush calls so far.
func (s *Speaker) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.FlushCalls)
}

// FlushResumeArgs returns a copy of the resume arguments passed to Flush.
func (s *Speaker) FlushResumeArgs() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.FlushCalls...)
}
