// Package status tracks where a realtime session is in its lifecycle. Every
// change goes through a fixed transition table and is announced on the bus.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/rtchat/internal/bus"
)

// State is the lifecycle state of a realtime session.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Stopped      State = "STOPPED"
	Error        State = "ERROR"
)

// next lists the states reachable from each state. READY is only reached
// through SYNCING, so a session never reports ready on data it has not
// reloaded.
var next = map[State][]State{
	Booting:      {Connecting, Stopped, Error},
	Connecting:   {Syncing, Reconnecting, Stopped, Error},
	Syncing:      {Ready, Degraded, Reconnecting, Stopped, Error},
	Ready:        {Syncing, Reconnecting, Stopped, Error},
	Reconnecting: {Connecting, Stopped, Error},
	Degraded:     {Syncing, Reconnecting, Stopped, Error},
	Stopped:      nil,
	Error:        {Booting, Stopped},
}

// TransitionError reports a change the table does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status: cannot go from %s to %s", e.From, e.To)
}

// Change is the payload of bus.KindStatusChanged events.
type Change struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine holds the current state of one session.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine returns a machine in BOOTING. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns the current state and when it was entered.
func (m *Machine) Since() (State, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.since
}

// Transition moves to state to, or returns a *TransitionError and leaves the
// state unchanged.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !slices.Contains(next[from], to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	now := time.Now()
	m.current, m.since = to, now
	// Publish under the lock so subscribers see changes in order.
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: now,
			Payload:   Change{From: from, To: to, At: now},
		})
	}
	m.mu.Unlock()
	return nil
}

// Walk applies each transition in order and stops at the first invalid one.
func (m *Machine) Walk(states ...State) error {
	for _, s := range states {
		if err := m.Transition(s); err != nil {
			return err
		}
	}
	return nil
}
