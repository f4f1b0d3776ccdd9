package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/loqui-im/loqui/internal/bus"
)

// State represents a transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Failed means reconnection was abandoned after the attempt cap.
	// A user-triggered Connect() is the only way out.
	Failed State = "FAILED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected, Failed},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected, Failed},
	Failed:       {Connecting, Disconnected},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{
			From: from,
			To:   to,
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
