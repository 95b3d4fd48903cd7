// Package convo implements the realtime conversation turn-taking core: the
// turn state machine, the pending-turn assembler, and the orchestrator that
// wires local speech detection, capture devices, the realtime channel, and
// turn persistence into one serialized conversation loop.
package convo

import (
	"sync"
	"time"
)

// State is the conversation arbitration state: whose turn it is right now.
// Exactly one State value is live per session; all transitions run through
// [Machine.Apply] under a single-writer discipline.
type State int

const (
	// StateIdle means nobody is speaking.
	StateIdle State = iota

	// StateListening means the user is speaking, or has finished speaking
	// and the model's response is awaited.
	StateListening

	// StateModelSpeaking means model audio is playing back.
	StateModelSpeaking

	// StateInterrupting means the user barged in over model speech.
	StateInterrupting
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateModelSpeaking:
		return "ModelSpeaking"
	case StateInterrupting:
		return "Interrupting"
	default:
		return "Unknown"
	}
}

// ConvEvent drives state transitions.
type ConvEvent int

const (
	// EventVadStart is a locally detected speech start.
	EventVadStart ConvEvent = iota

	// EventVadEnd is a locally detected speech end.
	EventVadEnd

	// EventModelStart marks the first audio delta of a model response.
	EventModelStart

	// EventModelEnd marks a terminated model response.
	EventModelEnd

	// EventUserInterrupt is an explicit user-initiated interruption
	// (e.g. a hardware button), distinct from a detected barge-in.
	EventUserInterrupt

	// EventTimeout fires when an awaited model response never arrives.
	EventTimeout
)

// String returns the human-readable event name.
func (e ConvEvent) String() string {
	switch e {
	case EventVadStart:
		return "VadStart"
	case EventVadEnd:
		return "VadEnd"
	case EventModelStart:
		return "ModelStart"
	case EventModelEnd:
		return "ModelEnd"
	case EventUserInterrupt:
		return "UserInterrupt"
	case EventTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// transitions is the full transition table. A (state, event) pair absent from
// the table is a no-op: the state is unchanged and no notification fires.
var transitions = map[State]map[ConvEvent]State{
	StateIdle: {
		EventVadStart: StateListening,
	},
	StateListening: {
		EventModelStart: StateModelSpeaking,
		EventTimeout:    StateIdle,
	},
	StateModelSpeaking: {
		EventVadStart: StateInterrupting,
		EventModelEnd: StateIdle,
	},
	StateInterrupting: {
		EventVadEnd:   StateListening,
		EventModelEnd: StateListening,
	},
}

// Transition describes one applied state change, delivered to subscribers.
type Transition struct {
	From  State
	To    State
	Event ConvEvent
	At    time.Time
}

// Machine is the turn state machine. Apply is serialized internally; callers
// additionally funnel all Apply calls through the orchestrator's single event
// loop so that no two transitions are concurrently in flight at the policy
// level either.
type Machine struct {
	mu    sync.Mutex
	state State
	subs  []chan Transition
}

// NewMachine returns a Machine in [StateIdle].
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// Current returns the live state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply feeds one event into the machine. It returns the resulting state and
// whether a transition actually occurred. Unlisted (state, event) pairs leave
// the state unchanged and report false.
//
// Subscribers are notified with fire-and-continue semantics: a full
// subscriber channel drops the notification rather than blocking the
// transition.
func (m *Machine) Apply(ev ConvEvent) (State, bool) {
	m.mu.Lock()
	next, ok := transitions[m.state][ev]
	if !ok {
		cur := m.state
		m.mu.Unlock()
		return cur, false
	}
	tr := Transition{From: m.state, To: next, Event: ev, At: time.Now()}
	m.state = next
	subs := m.subs
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tr:
		default:
		}
	}
	return next, true
}

// Subscribe registers a transition listener and returns its channel. The
// channel is buffered; slow consumers lose notifications rather than stalling
// the conversation.
func (m *Machine) Subscribe() <-chan Transition {
	ch := make(chan Transition, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Reset returns the machine to [StateIdle] without notifying subscribers.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}
