// Package realtime defines the message vocabulary and channel abstraction for
// the bidirectional realtime-voice connection.
//
// The conversation core speaks to the remote model through a [Conn]: a
// message-oriented channel carrying assembled user turns outward and
// streaming response events inward. Wire encoding is the concern of adapter
// packages (see realtime/openai); this package fixes the two closed message
// sets so the orchestrator can switch exhaustively over everything the remote
// side may say.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// SessionConfig is the initial configuration sent when a session opens.
// Local detection owns turn-taking, so adapters must configure the remote
// side with its own voice-activity detection and input transcription
// disabled.
type SessionConfig struct {
	// Voice selects the synthesised voice for model speech.
	Voice string

	// Instructions is the system-level prompt describing the assistant's
	// role and behavioural constraints.
	Instructions string
}

// TurnPayload is one assembled user turn ready for transmission: the merged
// utterance audio and, optionally, a single visual frame. Either part may be
// empty; an entirely empty payload is valid at this layer (the orchestrator
// decides whether to suppress sending it).
type TurnPayload struct {
	// Audio is the merged mono PCM16 utterance. Adapters base64-encode it.
	Audio []byte

	// ImageURL is a data-URL-encoded JPEG frame, or empty for audio-only turns.
	ImageURL string
}

// ResponseStatus is the terminal status tag carried by a response-done event.
type ResponseStatus string

const (
	StatusCompleted  ResponseStatus = "completed"
	StatusCancelled  ResponseStatus = "cancelled"
	StatusFailed     ResponseStatus = "failed"
	StatusIncomplete ResponseStatus = "incomplete"
)

// EventType enumerates every inbound message the core understands. Adapters
// log and drop unrecognised wire types rather than surfacing them, so this
// set is closed from the orchestrator's point of view.
type EventType int

const (
	// EventSessionCreated acknowledges the session after connect.
	EventSessionCreated EventType = iota

	// EventSessionUpdated acknowledges a configuration update.
	EventSessionUpdated

	// EventItemCreated acknowledges a conversation item (turn) the core sent.
	EventItemCreated

	// EventSpeechStarted and EventSpeechStopped echo the remote side's own
	// speech detection. Informational only — local detection is authoritative.
	EventSpeechStarted
	EventSpeechStopped

	// EventAudioDelta carries one decoded PCM16 fragment of model speech.
	EventAudioDelta

	// EventAudioDone marks the end of the audio stream for a response.
	EventAudioDone

	// EventTextDelta carries an incremental fragment of the model's text.
	EventTextDelta

	// EventTextDone carries the complete text of the model's response.
	EventTextDone

	// EventResponseDone terminates a response and carries its Status.
	EventResponseDone

	// EventInputTranscript carries the remote transcription of the user's
	// own utterance.
	EventInputTranscript

	// EventError carries a non-fatal remote error message.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSessionCreated:
		return "SESSION_CREATED"
	case EventSessionUpdated:
		return "SESSION_UPDATED"
	case EventItemCreated:
		return "ITEM_CREATED"
	case EventSpeechStarted:
		return "SPEECH_STARTED"
	case EventSpeechStopped:
		return "SPEECH_STOPPED"
	case EventAudioDelta:
		return "AUDIO_DELTA"
	case EventAudioDone:
		return "AUDIO_DONE"
	case EventTextDelta:
		return "TEXT_DELTA"
	case EventTextDone:
		return "TEXT_DONE"
	case EventResponseDone:
		return "RESPONSE_DONE"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one inbound message, decoded into the core's vocabulary. Only the
// fields relevant to Type are populated.
type Event struct {
	Type EventType

	// Audio is the decoded PCM16 fragment for EventAudioDelta.
	Audio []byte

	// Text is the fragment for EventTextDelta, the full text for
	// EventTextDone, or the transcript for EventInputTranscript.
	Text string

	// Status is the terminal status for EventResponseDone.
	Status ResponseStatus

	// Err is the remote error for EventError.
	Err error
}

// Conn is an open realtime session. Outbound methods serialise and send one
// protocol message each; inbound messages arrive on Events in receipt order.
//
// The Events channel is closed when the connection terminates. After it
// closes, Err reports whether termination was clean.
type Conn interface {
	// UpdateSession sends a configuration update.
	UpdateSession(cfg SessionConfig) error

	// CreateTurn sends one assembled user turn as a single conversation-item
	// message.
	CreateTurn(p TurnPayload) error

	// CreateResponse asks the model to respond to the conversation so far.
	CreateResponse() error

	// CancelResponse cancels the in-flight model response. Fire-and-forget:
	// it does not wait for the remote side to acknowledge.
	CancelResponse() error

	// Events returns the inbound event stream. Closed on termination.
	Events() <-chan Event

	// Err returns the error that terminated the connection, or nil if it was
	// closed cleanly.
	Err() error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// Dialer establishes realtime sessions. Implementations wrap a specific
// remote API and wire format.
type Dialer interface {
	// Connect opens a session, waits for the remote acknowledgment, and
	// applies cfg. The returned Conn is ready for turn traffic.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}
