// Package openai implements the realtime.Dialer interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Outbound turn audio is transmitted as base64-encoded PCM16; visual frames
// travel as data-URL image parts inside the same conversation item. The
// session is configured with the remote side's own turn detection and input
// transcription disabled — Lumen's local detector owns turn-taking.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lumen-voice/lumen/pkg/realtime"
)

// Compile-time assertions that Dialer and conn satisfy the realtime interfaces.
var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// ackTimeout bounds the wait for the session.created acknowledgment
	// after the WebSocket opens.
	ackTimeout = 10 * time.Second

	// eventBuf is the buffer depth of the inbound event channel. Deep enough
	// to absorb audio-delta bursts while the conversation loop is busy.
	eventBuf = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model requested in the connection URL.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Connect dials the Realtime endpoint, waits for the session.created
// acknowledgment, and sends the initial session.update. The returned Conn is
// ready for turn traffic.
func (d *Dialer) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan realtime.Event, eventBuf),
		ready:  make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
	}

	go c.receiveLoop()

	// Wait for the connected acknowledgment before configuring the session.
	ackCtx, ackCancel := context.WithTimeout(ctx, ackTimeout)
	defer ackCancel()
	select {
	case <-c.ready:
	case <-ackCtx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("openai: waiting for session.created: %w", ackCtx.Err())
	}

	if err := c.UpdateSession(cfg); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

// sessionParams deliberately serialises TurnDetection and
// InputAudioTranscription without omitempty: the explicit nulls tell the
// remote side to disable its own detection and transcription.
type sessionParams struct {
	Modalities             []string `json:"modalities"`
	Voice                  string   `json:"voice,omitempty"`
	Instructions           string   `json:"instructions,omitempty"`
	InputAudioFormat       string   `json:"input_audio_format"`
	OutputAudioFormat      string   `json:"output_audio_format"`
	TurnDetection          any      `json:"turn_detection"`
	InputAudioTranscription any     `json:"input_audio_transcription"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Audio    string    `json:"audio,omitempty"` // base64-encoded PCM16
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"` // data:image/jpeg;base64,...
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// serverResponse is the nested response object on response.done.
type serverResponse struct {
	Status string `json:"status"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta / response.text.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done / response.text.done
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan realtime.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ready     chan struct{}
	readyOnce sync.Once

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: connection closed")
	}
	c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// UpdateSession sends a session.update configuring modalities, voice,
// instructions, and audio formats, and disabling remote turn detection and
// input transcription.
func (c *conn) UpdateSession(cfg realtime.SessionConfig) error {
	return c.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			// TurnDetection and InputAudioTranscription stay nil → explicit null.
		},
	})
}

// CreateTurn sends one assembled user turn as a single conversation.item.create
// message. Content parts preserve the payload order: audio first, then the
// optional image.
func (c *conn) CreateTurn(p realtime.TurnPayload) error {
	var parts []contentPart
	if len(p.Audio) > 0 {
		parts = append(parts, contentPart{
			Type:  "input_audio",
			Audio: base64.StdEncoding.EncodeToString(p.Audio),
		})
	}
	if p.ImageURL != "" {
		parts = append(parts, contentPart{
			Type:     "input_image",
			ImageURL: &imageURL{URL: p.ImageURL},
		})
	}
	return c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: parts,
		},
	})
}

// CreateResponse sends a response.create message.
func (c *conn) CreateResponse() error {
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// CancelResponse sends a response.cancel message. Fire-and-forget: the caller
// does not wait for the remote side to confirm.
func (c *conn) CancelResponse() error {
	return c.writeJSON(map[string]string{"type": "response.cancel"})
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (c *conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: dropping malformed event", "err", err)
			continue
		}

		c.handleServerEvent(&evt)
	}
}

// handleServerEvent maps one wire event onto the realtime vocabulary and
// forwards it. Unrecognised types are logged and dropped.
func (c *conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		c.readyOnce.Do(func() { close(c.ready) })
		c.forward(realtime.Event{Type: realtime.EventSessionCreated})

	case "session.updated":
		c.forward(realtime.Event{Type: realtime.EventSessionUpdated})

	case "conversation.item.created":
		c.forward(realtime.Event{Type: realtime.EventItemCreated})

	case "input_audio_buffer.speech_started":
		c.forward(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		c.forward(realtime.Event{Type: realtime.EventSpeechStopped})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		c.forward(realtime.Event{Type: realtime.EventAudioDelta, Audio: pcm})

	case "response.audio.done":
		c.forward(realtime.Event{Type: realtime.EventAudioDone})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return
		}
		c.forward(realtime.Event{Type: realtime.EventTextDelta, Text: evt.Delta})

	case "response.audio_transcript.done", "response.text.done":
		text := evt.Text
		if text == "" {
			text = evt.Transcript
		}
		c.forward(realtime.Event{Type: realtime.EventTextDone, Text: text})

	case "response.done":
		status := realtime.StatusCompleted
		if evt.Response != nil && evt.Response.Status != "" {
			status = realtime.ResponseStatus(evt.Response.Status)
		}
		c.forward(realtime.Event{Type: realtime.EventResponseDone, Status: status})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		c.forward(realtime.Event{Type: realtime.EventInputTranscript, Text: evt.Transcript})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.forward(realtime.Event{Type: realtime.EventError, Err: errors.New(msg)})

	default:
		slog.Debug("openai: dropping unrecognised event type", "type", evt.Type)
	}
}

// forward delivers an event unless the connection is shutting down.
func (c *conn) forward(ev realtime.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan realtime.Event { return c.events }

// Err returns the error that terminated the connection, or nil.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
