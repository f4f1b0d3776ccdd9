package status

import (
	"testing"
	"time"

	"github.com/loqui-im/loqui/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Disconnected},
		{Reconnecting, Connecting},
		{Reconnecting, Failed},
		{Failed, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v, want {DISCONNECTED CONNECTING}", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// walkTo drives the machine along known-valid paths to the given state.
func walkTo(t *testing.T, m *Machine, s State) {
	t.Helper()
	var path []State
	switch s {
	case Disconnected:
		return
	case Connecting:
		path = []State{Connecting}
	case Connected:
		path = []State{Connecting, Connected}
	case Reconnecting:
		path = []State{Connecting, Connected, Reconnecting}
	case Failed:
		path = []State{Connecting, Reconnecting, Failed}
	}
	for _, next := range path {
		if err := m.Transition(next); err != nil {
			t.Fatalf("walkTo(%s): %v", s, err)
		}
	}
}
