// Package vad implements energy-based voice activity detection with
// hysteresis.
//
// The detector consumes the continuous 20 ms chunk stream from the capture
// pipeline and condenses it into discrete speech edges: one SpeechStart when
// a sustained run of loud chunks confirms the user began talking, one
// SpeechEnd when a sustained run of quiet chunks confirms they stopped.
// Requiring a run of consecutive chunks — rather than reacting to a single
// loud or quiet chunk — suppresses flicker from transient noise.
//
// Detection is synchronous: Process returns immediately with zero or one
// event per chunk, making it suitable for the hot audio path. A Detector is
// not safe for concurrent use; the conversation loop owns it exclusively.
package vad

import (
	"time"

	"github.com/lumen-voice/lumen/pkg/audio"
)

// Defaults for 20 ms chunks at 16 kHz. The threshold is in RMS amplitude
// units matching [audio.Energy].
const (
	// DefaultEnergyThreshold is the RMS level above which a chunk counts as
	// speech.
	DefaultEnergyThreshold = 30.0

	// DefaultStartChunks is the number of consecutive speech chunks required
	// to confirm speech start (10 chunks = 200 ms).
	DefaultStartChunks = 10

	// DefaultEndChunks is the number of consecutive silence chunks required
	// to confirm speech end (25 chunks = 500 ms).
	DefaultEndChunks = 25

	// DefaultInterruptMultiplier scales the energy threshold while interrupt
	// mode is active, so that playback leaking from the device speaker into
	// the microphone does not register as a barge-in.
	DefaultInterruptMultiplier = 3.0
)

// EventType enumerates the speech edges a Detector can emit.
type EventType int

const (
	// SpeechStart indicates a confirmed transition from silence to speech.
	SpeechStart EventType = iota

	// SpeechEnd indicates a confirmed transition from speech to silence.
	SpeechEnd
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "SPEECH_START"
	case SpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

// Event is a confirmed speech edge. Timestamp is the capture timestamp of the
// chunk that completed the confirmation run.
type Event struct {
	Type      EventType
	Timestamp time.Time
}

// Config holds the tunable parameters of a Detector. Zero values select the
// package defaults.
type Config struct {
	// EnergyThreshold is the RMS level above which a chunk counts as speech.
	EnergyThreshold float64

	// StartChunks is the consecutive-speech-chunk count confirming speech start.
	StartChunks int

	// EndChunks is the consecutive-silence-chunk count confirming speech end.
	EndChunks int

	// InterruptMultiplier scales EnergyThreshold while interrupt mode is on.
	InterruptMultiplier float64
}

// withDefaults returns cfg with zero fields replaced by package defaults.
func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.StartChunks <= 0 {
		c.StartChunks = DefaultStartChunks
	}
	if c.EndChunks <= 0 {
		c.EndChunks = DefaultEndChunks
	}
	if c.InterruptMultiplier <= 0 {
		c.InterruptMultiplier = DefaultInterruptMultiplier
	}
	return c
}

// Detector is the hysteresis state machine. It holds the current
// silence/speech state and the consecutive-chunk confirmation counters.
type Detector struct {
	cfg Config

	inSpeech      bool
	speechCount   int
	silenceCount  int
	interruptMode bool
}

// New creates a Detector with the given configuration. Zero-valued fields in
// cfg fall back to the package defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Process classifies one chunk and advances the hysteresis counters. It
// returns the emitted event and true when the chunk completed a confirmation
// run; otherwise it returns a zero Event and false.
func (d *Detector) Process(chunk audio.Chunk) (Event, bool) {
	isSpeech := chunk.Energy > d.effectiveThreshold()

	if !d.inSpeech {
		if !isSpeech {
			d.speechCount = 0
			return Event{}, false
		}
		d.speechCount++
		d.silenceCount = 0
		if d.speechCount < d.cfg.StartChunks {
			return Event{}, false
		}
		d.inSpeech = true
		d.speechCount = 0
		return Event{Type: SpeechStart, Timestamp: chunk.Timestamp}, true
	}

	if isSpeech {
		d.silenceCount = 0
		return Event{}, false
	}
	d.silenceCount++
	d.speechCount = 0
	if d.silenceCount < d.cfg.EndChunks {
		return Event{}, false
	}
	d.inSpeech = false
	d.silenceCount = 0
	return Event{Type: SpeechEnd, Timestamp: chunk.Timestamp}, true
}

// effectiveThreshold returns the energy threshold adjusted for interrupt mode.
func (d *Detector) effectiveThreshold() float64 {
	if d.interruptMode {
		return d.cfg.EnergyThreshold * d.cfg.InterruptMultiplier
	}
	return d.cfg.EnergyThreshold
}

// EnableInterruptMode raises the detection threshold and restarts
// confirmation from silence, so a barge-in attempt must accumulate a fresh
// run of chunks against the raised threshold.
func (d *Detector) EnableInterruptMode() {
	d.interruptMode = true
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

// DisableInterruptMode restores the normal threshold. Counters and state are
// left untouched so an in-progress confirmation run keeps accumulating.
func (d *Detector) DisableInterruptMode() {
	d.interruptMode = false
}

// InterruptMode reports whether interrupt mode is currently enabled.
func (d *Detector) InterruptMode() bool {
	return d.interruptMode
}

// Reset returns the detector to silence with both counters zeroed. The
// interrupt-mode flag is unaffected.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}
