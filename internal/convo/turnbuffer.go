package convo

import (
	"time"

	"github.com/lumen-voice/lumen/pkg/audio"
	"github.com/lumen-voice/lumen/pkg/capture"
	"github.com/lumen-voice/lumen/pkg/realtime"
)

// maxTurnImages bounds the per-turn image list. Only the most recent image is
// sent; older frames are retained up to this cap for persistence and
// debugging.
const maxTurnImages = 8

// TurnBuffer accumulates the audio chunks and captured frames of one user
// utterance and assembles them into a single outbound payload.
//
// The buffer is exclusively owned by the orchestrator's event loop and is
// deliberately unsynchronised: concurrent access is a caller bug.
type TurnBuffer struct {
	startedAt time.Time
	chunks    []audio.Chunk
	images    []capture.ProcessedImage
}

// NewTurnBuffer returns an empty TurnBuffer.
func NewTurnBuffer() *TurnBuffer {
	return &TurnBuffer{}
}

// StartUserTurn clears any residual content and records the turn start time.
// Called exactly once per Listening-state entry.
func (b *TurnBuffer) StartUserTurn(ts time.Time) {
	b.startedAt = ts
	b.chunks = b.chunks[:0]
	b.images = b.images[:0]
}

// AppendAudio adds one chunk in capture order.
func (b *TurnBuffer) AppendAudio(c audio.Chunk) {
	b.chunks = append(b.chunks, c)
}

// AppendImage adds a captured frame. The list is bounded; when full, the
// oldest frame is evicted. Only the most recent image is transmitted at flush
// time ("latest wins").
func (b *TurnBuffer) AppendImage(img capture.ProcessedImage) {
	if len(b.images) >= maxTurnImages {
		copy(b.images, b.images[1:])
		b.images = b.images[:len(b.images)-1]
	}
	b.images = append(b.images, img)
}

// StartedAt returns the recorded turn start time.
func (b *TurnBuffer) StartedAt() time.Time { return b.startedAt }

// AudioChunks returns the number of buffered chunks.
func (b *TurnBuffer) AudioChunks() int { return len(b.chunks) }

// Images returns the buffered frames, oldest first. The returned slice is the
// buffer's own; callers must not retain it across the next mutation.
func (b *TurnBuffer) Images() []capture.ProcessedImage { return b.images }

// Flush merges all buffered audio into one contiguous byte sequence in FIFO
// order, selects the last image if any, and returns the payload. The audio
// list is cleared; images are cleared by the next StartUserTurn (the caller's
// frame-capture lifecycle owns them until then).
//
// Flushing an empty buffer is not an error: the payload simply has no
// content. The orchestrator decides whether to suppress sending it.
func (b *TurnBuffer) Flush() realtime.TurnPayload {
	var total int
	for _, c := range b.chunks {
		total += len(c.Data)
	}

	var p realtime.TurnPayload
	if total > 0 {
		merged := make([]byte, 0, total)
		for _, c := range b.chunks {
			merged = append(merged, c.Data...)
		}
		p.Audio = merged
	}
	if n := len(b.images); n > 0 {
		p.ImageURL = b.images[n-1].DataURL
	}

	b.chunks = b.chunks[:0]
	return p
}

// Abandon discards all buffered content without producing a payload. Safe to
// call on an already-empty buffer.
func (b *TurnBuffer) Abandon() {
	b.chunks = b.chunks[:0]
	b.images = b.images[:0]
	b.startedAt = time.Time{}
}
