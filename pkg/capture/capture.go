// Package capture defines the interfaces for the device collaborators of the
// Lumen conversation core: microphone input, camera frame capture, and
// speaker playback.
//
// The core never talks to hardware directly. Platform adapter packages
// (Android/iOS bridges, ALSA, test fixtures) implement these interfaces and
// are injected into the orchestrator. The interfaces are intentionally narrow
// so the conversation loop stays decoupled from device details.
//
// Implementations must be safe for concurrent use.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/lumen-voice/lumen/pkg/audio"
)

// Device error sentinels. Permission failures are fatal to session start and
// are never retried automatically; device failures may be retried by the
// caller.
var (
	// ErrPermissionDenied indicates the OS denied access to the device.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable indicates the device exists but failed to
	// initialise or was claimed by another process.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// FrameKind distinguishes the two capture triggers for camera frames.
type FrameKind int

const (
	// FrameAmbient is a frame from the periodic low-rate background loop.
	FrameAmbient FrameKind = iota

	// FrameAnchor is a frame captured at a semantically significant moment,
	// such as the start or end of user speech.
	FrameAnchor
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameAmbient:
		return "AMBIENT"
	case FrameAnchor:
		return "ANCHOR"
	default:
		return "UNKNOWN"
	}
}

// ProcessedImage is a camera frame that has already been resized, JPEG
// compressed, and base64 encoded by the capture layer. DataURL carries the
// full data-URL string ready for protocol serialisation
// ("data:image/jpeg;base64,...").
type ProcessedImage struct {
	Kind       FrameKind
	DataURL    string
	CapturedAt time.Time
}

// Microphone is a push-based audio source delivering fixed-cadence 20 ms
// mono PCM16 chunks at 16 kHz.
type Microphone interface {
	// Start begins capture. Returns [ErrPermissionDenied] or
	// [ErrDeviceUnavailable] (possibly wrapped) when the device cannot be
	// opened.
	Start(ctx context.Context) error

	// Stop halts capture and closes the Chunks channel. Safe to call more
	// than once.
	Stop() error

	// Chunks returns the channel on which captured chunks arrive, in capture
	// order. The channel is closed by Stop.
	Chunks() <-chan audio.Chunk
}

// Camera captures visual frames on demand and via a periodic ambient loop.
type Camera interface {
	// CaptureFrame captures and processes a single frame of the given kind.
	// It may block for device latency; callers bound it with ctx.
	CaptureFrame(ctx context.Context, kind FrameKind) (ProcessedImage, error)

	// StartAmbient begins the periodic background capture loop at the given
	// interval. Frames are delivered on the Frames channel. Calling
	// StartAmbient while a loop is running restarts it with the new interval.
	StartAmbient(ctx context.Context, interval time.Duration) error

	// StopAmbient halts the background loop. The Frames channel stays open
	// for subsequent StartAmbient calls. Safe to call more than once.
	StopAmbient()

	// Frames returns the channel carrying ambient-loop frames.
	Frames() <-chan ProcessedImage
}

// Speaker is the playback sink for synthesised model speech. Writers enqueue
// PCM16 buffers; a single internal consumer drains them to the device.
//
// Flush must atomically discard all queued data. Writing while paused must
// buffer rather than fail, and playback resumes automatically when new data
// arrives after an interruption-driven flush unless the sink is explicitly
// held paused.
type Speaker interface {
	// Start initialises the playback device. Returns [ErrDeviceUnavailable]
	// (possibly wrapped) on failure.
	Start(ctx context.Context) error

	// Write enqueues a PCM16 buffer for playback. Non-blocking beyond queue
	// bookkeeping.
	Write(pcm []byte) error

	// Flush atomically discards all queued audio. When resume is true, an
	// explicit pause is also lifted.
	Flush(resume bool)

	// Pause holds playback; writes continue to buffer.
	Pause()

	// Resume lifts an explicit pause.
	Resume()

	// Close stops the consumer and releases the device. Safe to call more
	// than once. A later Start must bring the device back up: the session
	// host reuses one Speaker across reconnect-driven session restarts.
	Close() error
}
