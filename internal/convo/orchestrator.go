package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lumen-voice/lumen/internal/observe"
	"github.com/lumen-voice/lumen/internal/store"
	"github.com/lumen-voice/lumen/pkg/audio"
	"github.com/lumen-voice/lumen/pkg/capture"
	"github.com/lumen-voice/lumen/pkg/realtime"
	"github.com/lumen-voice/lumen/pkg/vad"
)

const (
	// defaultAnchorGrace bounds the wait for the final anchor frame after
	// speech end. If the camera has not delivered by then, the turn is sent
	// with whatever images are available.
	defaultAnchorGrace = 500 * time.Millisecond

	// defaultSettleDelay is the pause after session start before ambient
	// frame capture begins, giving the camera pipeline time to come up.
	defaultSettleDelay = 1 * time.Second

	// defaultAmbientInterval is the cadence of periodic ambient frames.
	defaultAmbientInterval = 2 * time.Second

	// defaultResponseTimeout is how long the conversation waits for the
	// model after requesting a response before giving the turn back to the
	// user.
	defaultResponseTimeout = 15 * time.Second

	// anchorBuf is the buffer depth of the internal anchor-frame channel.
	anchorBuf = 4
)

// Observer receives conversation text and user-visible notices. All methods
// are invoked from the orchestrator's event loop and must not block.
type Observer interface {
	// Message delivers a finalized utterance transcript.
	Message(speaker store.Speaker, text string)

	// Notice delivers a transient user-visible message (e.g. a model error).
	Notice(text string)
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithCamera attaches a camera collaborator. Without one, turns are
// audio-only.
func WithCamera(c capture.Camera) Option {
	return func(o *Orchestrator) { o.camera = c }
}

// WithTurnStore attaches turn persistence. Without one, turn records are not
// kept.
func WithTurnStore(s store.TurnStore) Option {
	return func(o *Orchestrator) { o.turns = s }
}

// WithObserver attaches a message-log observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithMetrics overrides the metrics instance (tests pass one backed by a
// private meter provider).
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDetector overrides the speech-detector tuning.
func WithDetector(cfg vad.Config) Option {
	return func(o *Orchestrator) { o.det = vad.New(cfg) }
}

// WithSessionID sets the session identifier used on persisted turns.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithAnchorGrace overrides the bounded wait for the final anchor frame.
func WithAnchorGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.anchorGrace = d }
}

// WithSettleDelay overrides the delay before ambient capture starts.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.settleDelay = d }
}

// WithAmbientInterval overrides the ambient frame cadence.
func WithAmbientInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.ambientInterval = d }
}

// WithResponseTimeout overrides the model-response wait.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.responseTimeout = d }
}

// WithOnDisconnect registers a callback invoked once when the channel closes
// unexpectedly. The session is over at that point; after reconnecting the
// caller must start a fresh session, since the remote conversation context is
// lost.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *Orchestrator) { o.onDisconnect = fn }
}

// Orchestrator is the conversation coordinator. It owns the turn state
// machine and the pending-turn buffer, feeds microphone chunks through the
// speech detector, and reacts to detector edges and inbound channel events.
//
// All state transitions and buffer mutations happen on one event-loop
// goroutine; concurrent producers (microphone, camera, channel receive loop)
// only ever enqueue.
type Orchestrator struct {
	dialer     realtime.Dialer
	sessionCfg realtime.SessionConfig

	mic     capture.Microphone
	speaker capture.Speaker
	camera  capture.Camera

	turns    store.TurnStore
	observer Observer
	metrics  *observe.Metrics

	sessionID       string
	anchorGrace     time.Duration
	settleDelay     time.Duration
	ambientInterval time.Duration
	responseTimeout time.Duration
	onDisconnect    func(error)

	machine *Machine
	det     *vad.Detector
	buf     *TurnBuffer

	anchorCh chan capture.ProcessedImage

	mu      sync.Mutex
	conn    realtime.Conn
	started bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Everything below is owned by the run goroutine.
	userTurnOpen   bool
	userTurnID     int64
	lastUserTurnID int64
	modelTurnOpen  bool
	modelTurnID    int64
	modelStartedAt time.Time
	modelText      strings.Builder

	responsePending  bool
	responseAskedAt  time.Time
	respDeadline     <-chan time.Time
	cancelAckPending bool
}

// New creates an Orchestrator. The dialer, microphone, and playback sink are
// required; everything else is optional.
func New(dialer realtime.Dialer, sessionCfg realtime.SessionConfig, mic capture.Microphone, speaker capture.Speaker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dialer:          dialer,
		sessionCfg:      sessionCfg,
		mic:             mic,
		speaker:         speaker,
		sessionID:       "default",
		anchorGrace:     defaultAnchorGrace,
		settleDelay:     defaultSettleDelay,
		ambientInterval: defaultAmbientInterval,
		responseTimeout: defaultResponseTimeout,
		machine:         NewMachine(),
		det:             vad.New(vad.Config{}),
		buf:             NewTurnBuffer(),
		anchorCh:        make(chan capture.ProcessedImage, anchorBuf),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// State returns the live conversation state.
func (o *Orchestrator) State() State {
	return o.machine.Current()
}

// Subscribe exposes the state machine's transition stream.
func (o *Orchestrator) Subscribe() <-chan Transition {
	return o.machine.Subscribe()
}

// Start opens the realtime session, starts capture and playback, and launches
// the event loop. Permission and device failures are fatal and returned to
// the caller; nothing is retried automatically.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("convo: session already started")
	}
	o.started = true
	o.mu.Unlock()

	conn, err := o.dialer.Connect(ctx, o.sessionCfg)
	if err != nil {
		return fmt.Errorf("convo: connect channel: %w", err)
	}

	if err := o.speaker.Start(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("convo: start playback: %w", err)
	}
	if err := o.mic.Start(ctx); err != nil {
		_ = conn.Close()
		_ = o.speaker.Close()
		return fmt.Errorf("convo: start microphone: %w", err)
	}

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("conversation session started", "session_id", o.sessionID)

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), conn)
	return nil
}

// Stop ends the session: capture and playback halt, the channel closes, and
// any open turns are finalized. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)

		o.mu.Lock()
		conn := o.conn
		o.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		_ = o.mic.Stop()
		if o.camera != nil {
			o.camera.StopAmbient()
		}
		_ = o.speaker.Close()

		o.wg.Wait()
		o.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("conversation session stopped", "session_id", o.sessionID)
	})
}

// run is the single consumer of every producer stream. All policy decisions
// and state mutations happen here.
func (o *Orchestrator) run(ctx context.Context, conn realtime.Conn) {
	defer o.wg.Done()
	defer o.finalizeOpenTurns(ctx)

	micCh := o.mic.Chunks()
	evCh := conn.Events()

	var frames <-chan capture.ProcessedImage
	var settle <-chan time.Time
	if o.camera != nil {
		frames = o.camera.Frames()
		settle = time.After(o.settleDelay)
	}

	for {
		select {
		case <-o.done:
			return

		case c, ok := <-micCh:
			if !ok {
				micCh = nil
				continue
			}
			o.handleChunk(ctx, conn, c)

		case ev, ok := <-evCh:
			if !ok {
				o.handleDisconnect(ctx, conn)
				return
			}
			o.handleChannelEvent(ctx, ev)

		case img, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			o.handleFrame(img)

		case img := <-o.anchorCh:
			o.handleFrame(img)

		case <-settle:
			settle = nil
			if err := o.camera.StartAmbient(ctx, o.ambientInterval); err != nil {
				slog.Warn("ambient capture failed to start", "err", err)
			}

		case <-o.respDeadline:
			o.handleResponseTimeout(ctx)
		}
	}
}

// handleChunk feeds one microphone chunk through the detector and buffers it
// while a user turn is open. Buffering is decided by orchestrator policy, not
// the detector's internal state, so edge detection and buffering cannot race.
func (o *Orchestrator) handleChunk(ctx context.Context, conn realtime.Conn, c audio.Chunk) {
	if ev, ok := o.det.Process(c); ok {
		switch ev.Type {
		case vad.SpeechStart:
			o.handleSpeechStart(ctx, conn, ev.Timestamp)
		case vad.SpeechEnd:
			o.handleSpeechEnd(ctx, conn, ev.Timestamp)
		}
	}
	if o.userTurnOpen {
		o.buf.AppendAudio(c)
	}
}

func (o *Orchestrator) handleSpeechStart(ctx context.Context, conn realtime.Conn, ts time.Time) {
	o.metrics.RecordVadEvent(ctx, "start")

	switch st := o.machine.Current(); st {
	case StateIdle:
		o.machine.Apply(EventVadStart)
		o.openUserTurn(ctx, ts)

	case StateModelSpeaking:
		// Barge-in: cancel optimistically, cut playback immediately, and
		// close out the interrupted model turn before opening the user's.
		o.machine.Apply(EventVadStart)
		o.metrics.BargeIns.Add(ctx, 1)
		slog.Info("barge-in detected", "session_id", o.sessionID)

		if err := conn.CancelResponse(); err != nil {
			slog.Warn("response cancel failed", "err", err)
			o.metrics.RecordChannelError(ctx, "cancel")
		}
		o.cancelAckPending = true
		o.speaker.Flush(false)
		o.finalizeModelTurn(ctx, ts, true)
		o.det.DisableInterruptMode()
		o.openUserTurn(ctx, ts)

	default:
		slog.Debug("speech start ignored", "state", st.String())
	}
}

func (o *Orchestrator) handleSpeechEnd(ctx context.Context, conn realtime.Conn, ts time.Time) {
	o.metrics.RecordVadEvent(ctx, "end")

	st := o.machine.Current()
	if st != StateListening && st != StateInterrupting {
		slog.Debug("speech end ignored", "state", st.String())
		return
	}
	o.machine.Apply(EventVadEnd)

	assembleStart := time.Now()

	// Freeze the frame stream for this turn, then give the camera one
	// bounded chance to deliver a closing anchor frame.
	if o.camera != nil {
		o.camera.StopAmbient()
		o.awaitFinalAnchor(ctx)
	}

	// A start-of-turn anchor still in flight belongs to this utterance;
	// fold it in before the buffer is sealed.
	o.drainAnchors()

	payload := o.buf.Flush()
	o.userTurnOpen = false
	o.closeUserTurn(ctx, ts)

	if len(payload.Audio) == 0 && payload.ImageURL == "" {
		slog.Debug("empty turn suppressed", "session_id", o.sessionID)
		o.abandonExchange(ctx)
		return
	}

	// Order matters: the turn must exist remotely before a response for it
	// is requested.
	if err := conn.CreateTurn(payload); err != nil {
		slog.Warn("turn create failed", "err", err)
		o.metrics.RecordChannelError(ctx, "turn_create")
		o.abandonExchange(ctx)
		return
	}
	if err := conn.CreateResponse(); err != nil {
		slog.Warn("response create failed", "err", err)
		o.metrics.RecordChannelError(ctx, "response_create")
		o.abandonExchange(ctx)
		return
	}

	o.responsePending = true
	o.responseAskedAt = time.Now()
	o.respDeadline = time.After(o.responseTimeout)
	o.metrics.TurnAssemblyDuration.Record(ctx, time.Since(assembleStart).Seconds())
	slog.Debug("user turn dispatched",
		"session_id", o.sessionID,
		"audio_bytes", len(payload.Audio),
		"has_image", payload.ImageURL != "")
}

// awaitFinalAnchor captures one last anchor frame and waits at most
// anchorGrace for it. On timeout the turn proceeds with whatever images are
// already buffered.
func (o *Orchestrator) awaitFinalAnchor(ctx context.Context) {
	resCh := make(chan capture.ProcessedImage, 1)
	cctx, cancel := context.WithTimeout(ctx, o.anchorGrace)
	go func() {
		defer cancel()
		img, err := o.camera.CaptureFrame(cctx, capture.FrameAnchor)
		if err != nil {
			slog.Debug("final anchor capture failed", "err", err)
			return
		}
		resCh <- img
	}()

	deadline := time.After(o.anchorGrace)
	for {
		select {
		case img := <-resCh:
			o.buf.AppendImage(img)
			return
		case img := <-o.anchorCh:
			// An earlier anchor landing during the wait still counts.
			o.buf.AppendImage(img)
		case <-deadline:
			slog.Debug("final anchor frame missed grace window")
			return
		case <-o.done:
			return
		}
	}
}

// drainAnchors folds any anchor frames already queued into the pending turn
// without blocking.
func (o *Orchestrator) drainAnchors() {
	for {
		select {
		case img := <-o.anchorCh:
			o.handleFrame(img)
		default:
			return
		}
	}
}

// abandonExchange gives the turn back to the user when an assembled turn
// cannot be dispatched: the conversation returns to Idle so the next
// confirmed speech start opens a fresh turn, and ambient capture resumes.
func (o *Orchestrator) abandonExchange(ctx context.Context) {
	o.machine.Apply(EventTimeout)
	o.resumeAmbient(ctx)
}

// openUserTurn starts buffering a new user utterance and kicks off an anchor
// frame capture.
func (o *Orchestrator) openUserTurn(ctx context.Context, ts time.Time) {
	o.buf.StartUserTurn(ts)
	o.userTurnOpen = true

	if o.turns != nil {
		id, err := o.turns.AppendTurn(ctx, store.Turn{
			SessionID: o.sessionID,
			Speaker:   store.SpeakerUser,
			StartedAt: ts,
		})
		if err != nil {
			slog.Warn("user turn append failed", "err", err)
		} else {
			o.userTurnID = id
			o.lastUserTurnID = id
		}
	}

	o.captureAnchor(ctx)
}

// captureAnchor requests one anchor frame asynchronously; the result arrives
// on anchorCh and is buffered by the event loop.
func (o *Orchestrator) captureAnchor(ctx context.Context) {
	if o.camera == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, o.anchorGrace)
	go func() {
		defer cancel()
		img, err := o.camera.CaptureFrame(cctx, capture.FrameAnchor)
		if err != nil {
			slog.Debug("anchor capture failed", "err", err)
			return
		}
		select {
		case o.anchorCh <- img:
		case <-o.done:
		}
	}()
}

func (o *Orchestrator) closeUserTurn(ctx context.Context, ts time.Time) {
	if o.turns != nil && o.userTurnID != 0 {
		if err := o.turns.FinalizeTurn(ctx, o.userTurnID, ts, false); err != nil {
			slog.Warn("user turn finalize failed", "err", err)
		}
		o.userTurnID = 0
	}
	o.metrics.RecordTurn(ctx, string(store.SpeakerUser), "completed")
}

func (o *Orchestrator) handleChannelEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventAudioDelta:
		o.handleAudioDelta(ctx, ev)

	case realtime.EventAudioDone:
		slog.Debug("model audio stream complete")

	case realtime.EventTextDelta:
		o.modelText.WriteString(ev.Text)

	case realtime.EventTextDone:
		o.handleModelText(ctx, ev.Text)

	case realtime.EventResponseDone:
		o.handleResponseDone(ctx, ev.Status)

	case realtime.EventInputTranscript:
		o.handleInputTranscript(ctx, ev.Text)

	case realtime.EventError:
		slog.Warn("remote error", "err", ev.Err)
		o.metrics.RecordChannelError(ctx, "remote")
		if o.observer != nil && ev.Err != nil {
			o.observer.Notice(ev.Err.Error())
		}

	default:
		// Session acks and remote VAD echoes are informational only.
		slog.Debug("channel event", "type", ev.Type.String())
	}
}

// handleAudioDelta opens the model turn on the first delta of a response and
// forwards the PCM to playback.
func (o *Orchestrator) handleAudioDelta(ctx context.Context, ev realtime.Event) {
	if !o.modelTurnOpen {
		now := time.Now()
		o.machine.Apply(EventModelStart)
		o.modelTurnOpen = true
		o.modelStartedAt = now
		o.modelText.Reset()

		// Raise the detection threshold while our own playback can leak
		// into the microphone.
		o.det.EnableInterruptMode()

		if o.responsePending {
			o.metrics.ResponseLatency.Record(ctx, now.Sub(o.responseAskedAt).Seconds())
			o.responsePending = false
			o.respDeadline = nil
		}

		if o.turns != nil {
			id, err := o.turns.AppendTurn(ctx, store.Turn{
				SessionID: o.sessionID,
				Speaker:   store.SpeakerModel,
				StartedAt: now,
			})
			if err != nil {
				slog.Warn("model turn append failed", "err", err)
			} else {
				o.modelTurnID = id
			}
		}
	}

	if err := o.speaker.Write(ev.Audio); err != nil {
		slog.Warn("playback write failed", "err", err)
	}
	o.metrics.ModelAudioBytes.Add(ctx, int64(len(ev.Audio)))
}

func (o *Orchestrator) handleModelText(ctx context.Context, text string) {
	if text == "" {
		text = o.modelText.String()
	}
	if text == "" {
		return
	}
	o.modelText.Reset()
	o.modelText.WriteString(text)

	if o.turns != nil && o.modelTurnID != 0 {
		if err := o.turns.SetTranscript(ctx, o.modelTurnID, text); err != nil {
			slog.Warn("model transcript store failed", "err", err)
		}
	}
	if o.observer != nil {
		o.observer.Message(store.SpeakerModel, text)
	}
}

func (o *Orchestrator) handleInputTranscript(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if o.turns != nil && o.lastUserTurnID != 0 {
		if err := o.turns.SetTranscript(ctx, o.lastUserTurnID, text); err != nil {
			slog.Warn("user transcript store failed", "err", err)
		}
	}
	if o.observer != nil {
		o.observer.Message(store.SpeakerUser, text)
	}
}

// handleResponseDone terminates the current model turn. Unknown statuses are
// benign completions. A cancelled done while a barge-in cancel is
// unacknowledged is the server's late ack for the interrupted response: its
// turn was already finalized at the interrupt, and a wait armed for a newer
// response must stay armed.
func (o *Orchestrator) handleResponseDone(ctx context.Context, status realtime.ResponseStatus) {
	if status == realtime.StatusCancelled && o.cancelAckPending {
		o.cancelAckPending = false
		if !o.modelTurnOpen {
			// Settles Interrupting into Listening; a no-op elsewhere.
			o.machine.Apply(EventModelEnd)
		}
		return
	}

	o.responsePending = false
	o.respDeadline = nil

	interrupted := false
	switch status {
	case realtime.StatusCompleted:
	case realtime.StatusCancelled:
		interrupted = true
	case realtime.StatusFailed, realtime.StatusIncomplete:
		slog.Warn("model response did not complete", "status", string(status))
		o.metrics.RecordChannelError(ctx, "response_"+string(status))
		if o.observer != nil {
			o.observer.Notice("the assistant had trouble responding, please try again")
		}
	default:
		slog.Warn("unknown response status treated as completion", "status", string(status))
	}

	o.finalizeModelTurn(ctx, time.Now(), interrupted)
	o.machine.Apply(EventModelEnd)
	o.det.DisableInterruptMode()
	o.resumeAmbient(ctx)
}

func (o *Orchestrator) handleResponseTimeout(ctx context.Context) {
	o.responsePending = false
	o.respDeadline = nil

	slog.Warn("model response timed out", "session_id", o.sessionID, "timeout", o.responseTimeout)
	if o.observer != nil {
		o.observer.Notice("the assistant is not responding right now")
	}
	o.machine.Apply(EventTimeout)
	o.resumeAmbient(ctx)
}

// finalizeModelTurn closes the open model turn record, if any. Idempotent:
// a second call (e.g. a late response-done after a barge-in already finalized
// the turn) is a no-op.
func (o *Orchestrator) finalizeModelTurn(ctx context.Context, ts time.Time, interrupted bool) {
	if !o.modelTurnOpen {
		return
	}
	o.modelTurnOpen = false

	if o.turns != nil && o.modelTurnID != 0 {
		if err := o.turns.FinalizeTurn(ctx, o.modelTurnID, ts, interrupted); err != nil {
			slog.Warn("model turn finalize failed", "err", err)
		}
		if text := o.modelText.String(); text != "" {
			if err := o.turns.SetTranscript(ctx, o.modelTurnID, text); err != nil {
				slog.Warn("model transcript store failed", "err", err)
			}
		}
		o.modelTurnID = 0
	}
	o.modelText.Reset()

	outcome := "completed"
	if interrupted {
		outcome = "interrupted"
	}
	o.metrics.RecordTurn(ctx, string(store.SpeakerModel), outcome)
}

// resumeAmbient restarts periodic frame capture after a turn exchange
// completes.
func (o *Orchestrator) resumeAmbient(ctx context.Context) {
	if o.camera == nil {
		return
	}
	if err := o.camera.StartAmbient(ctx, o.ambientInterval); err != nil {
		slog.Warn("ambient capture restart failed", "err", err)
	}
}

func (o *Orchestrator) handleFrame(img capture.ProcessedImage) {
	if !o.userTurnOpen {
		slog.Debug("frame dropped outside user turn", "kind", img.Kind.String())
		return
	}
	o.buf.AppendImage(img)
}

// handleDisconnect reacts to the channel's event stream closing. The
// conversation state is left untouched; the caller decides whether to
// reconnect and start a fresh session.
func (o *Orchestrator) handleDisconnect(ctx context.Context, conn realtime.Conn) {
	err := conn.Err()
	select {
	case <-o.done:
		// Normal shutdown closed the channel; not a disconnect.
		return
	default:
	}

	slog.Warn("realtime channel disconnected", "session_id", o.sessionID, "err", err)
	o.metrics.RecordChannelError(ctx, "disconnect")
	if o.onDisconnect != nil {
		o.onDisconnect(err)
	}
}

// finalizeOpenTurns closes out any turn records still open when the event
// loop exits.
func (o *Orchestrator) finalizeOpenTurns(ctx context.Context) {
	now := time.Now()
	if o.userTurnOpen {
		o.userTurnOpen = false
		o.buf.Abandon()
		o.closeUserTurn(ctx, now)
	}
	o.finalizeModelTurn(ctx, now, false)
}
