package connstate

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vtstv/nexyc/internal/bus"
)

// State represents the transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions. The transport is the
// only writer; everyone else observes transitions on the bus.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Disconnected, Failed},
	Failed:       {Connecting, Disconnected},
}

// EventKind is the bus kind for state change broadcasts.
const EventKind = "transport.state_changed"

// Change is the payload for state change events.
type Change struct {
	From State
	To   State
}

// Machine tracks and enforces connection state transitions.
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

// Transition attempts to move to a new state. A transition to the current
// state is a no-op. Returns an error if the transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.PublishSticky(bus.Event{
			Kind:      EventKind,
			Timestamp: time.Now(),
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}
