package convo

import (
	"testing"
	"time"
)

func TestMachine_TransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		from  State
		event ConvEvent
		want  State
		moved bool
	}{
		{"idle vad start opens listening", StateIdle, EventVadStart, StateListening, true},
		{"listening model start", StateListening, EventModelStart, StateModelSpeaking, true},
		{"listening timeout returns to idle", StateListening, EventTimeout, StateIdle, true},
		{"listening vad end stays listening", StateListening, EventVadEnd, StateListening, false},
		{"model speaking vad start is barge-in", StateModelSpeaking, EventVadStart, StateInterrupting, true},
		{"model speaking model end", StateModelSpeaking, EventModelEnd, StateIdle, true},
		{"interrupting vad end", StateInterrupting, EventVadEnd, StateListening, true},
		{"interrupting model end", StateInterrupting, EventModelEnd, StateListening, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewMachine()
			m.state = tc.from

			got, moved := m.Apply(tc.event)
			if got != tc.want {
				t.Errorf("Apply(%v) from %v = %v; want %v", tc.event, tc.from, got, tc.want)
			}
			if moved != tc.moved {
				t.Errorf("Apply(%v) from %v moved = %v; want %v", tc.event, tc.from, moved, tc.moved)
			}
		})
	}
}

// Every (state, event) pair not in the transition table must leave the state
// unchanged.
func TestMachine_UnlistedPairsAreNoOps(t *testing.T) {
	t.Parallel()

	allStates := []State{StateIdle, StateListening, StateModelSpeaking, StateInterrupting}
	allEvents := []ConvEvent{EventVadStart, EventVadEnd, EventModelStart, EventModelEnd, EventUserInterrupt, EventTimeout}

	for _, s := range allStates {
		for _, ev := range allEvents {
			m := NewMachine()
			m.state = s

			got, moved := m.Apply(ev)
			_, listed := transitions[s][ev]
			if listed {
				continue
			}
			if moved {
				t.Errorf("(%v, %v) reported a transition; want no-op", s, ev)
			}
			if got != s {
				t.Errorf("(%v, %v) changed state to %v; want unchanged", s, ev, got)
			}
		}
	}
}

func TestMachine_SubscriberNotified(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	sub := m.Subscribe()

	m.Apply(EventVadStart)

	select {
	case tr := <-sub:
		if tr.From != StateIdle || tr.To != StateListening || tr.Event != EventVadStart {
			t.Errorf("transition = %+v", tr)
		}
		if tr.At.IsZero() {
			t.Error("transition timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

// A subscriber that never drains its channel must not block transitions.
func TestMachine_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	_ = m.Subscribe() // never drained

	deadlockGuard := make(chan struct{})
	go func() {
		// Push far more transitions than the subscriber buffer holds.
		for iter := 0; iter < 100; iter++ {
			m.Apply(EventVadStart)
			m.Apply(EventModelStart)
			m.Apply(EventModelEnd)
		}
		close(deadlockGuard)
	}()

	select {
	case <-deadlockGuard:
	case <-time.After(2 * time.Second):
		t.Fatal("transitions blocked on an undrained subscriber")
	}
}

func TestMachine_NoOpDoesNotNotify(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	sub := m.Subscribe()

	m.Apply(EventModelEnd) // unlisted in Idle

	select {
	case tr := <-sub:
		t.Fatalf("no-op produced notification: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMachine_Reset(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	m.Apply(EventVadStart)
	m.Apply(EventModelStart)
	if m.Current() != StateModelSpeaking {
		t.Fatalf("setup state = %v", m.Current())
	}

	m.Reset()
	if m.Current() != StateIdle {
		t.Errorf("state after Reset = %v; want Idle", m.Current())
	}
}
