// Package audio defines the chunk type and energy measurement used by the
// Lumen capture pipeline.
//
// All audio in the core flows as fixed-duration chunks of mono little-endian
// 16-bit PCM at 16 kHz. A chunk is 20 ms long: 320 samples, 640 bytes. Chunks
// are immutable after creation — producers hand them off to the VAD and the
// turn buffer without copying, so nothing downstream may modify Data.
package audio

import (
	"math"
	"time"
)

// Stream format constants for the capture pipeline.
const (
	// SampleRate is the fixed capture sample rate in Hz.
	SampleRate = 16000

	// ChunkDuration is the fixed duration of one chunk.
	ChunkDuration = 20 * time.Millisecond

	// ChunkSamples is the number of int16 samples in one chunk.
	ChunkSamples = SampleRate / 50

	// ChunkBytes is the byte length of one chunk (2 bytes per sample).
	ChunkBytes = ChunkSamples * 2
)

// Chunk is one fixed-duration slice of captured microphone audio, tagged with
// its capture timestamp and precomputed RMS energy. Chunks are created by the
// microphone collaborator and never mutated afterwards.
type Chunk struct {
	// Data is mono little-endian 16-bit PCM. Treat as read-only.
	Data []byte

	// Timestamp marks when the chunk was captured.
	Timestamp time.Time

	// Energy is the RMS amplitude of Data, computed once at creation.
	Energy float64
}

// NewChunk wraps pcm in a Chunk, computing its RMS energy. The caller
// transfers ownership of pcm; it must not be modified afterwards.
func NewChunk(pcm []byte, ts time.Time) Chunk {
	return Chunk{
		Data:      pcm,
		Timestamp: ts,
		Energy:    Energy(pcm),
	}
}

// Energy returns the root-mean-square amplitude of a little-endian 16-bit PCM
// buffer. Empty input yields 0. An odd trailing byte is ignored rather than
// treated as an error — capture devices occasionally deliver short reads and
// the meter should not amplify that into a failure.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < samples; i++ {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sumSquares += s * s
	}
	return math.Sqrt(sumSquares / float64(samples))
}
