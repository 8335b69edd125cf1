// Package mqtt wraps the Eclipse Paho v2 stack ([autopaho] connection
// management plus [paho] packet types) with the session semantics the
// upload side depends on: a per-attempt connection state machine
// broadcast on the events bus, client-generated publish ids reconciled
// through the MID handler, token refresh on auth rejection, and the
// inbound notification path.
package mqtt

import (
	"sync"

	"github.com/openfleet/telemetryd/internal/events"
)

// ConnState is the connection lifecycle state, monotonic within one
// connection attempt.
type ConnState int

const (
	// StateNotConnected is the initial state of every attempt.
	StateNotConnected ConnState = iota
	// StateSubsPending means the CONNACK arrived but SUBACKs are
	// outstanding.
	StateSubsPending
	// StateComplete means every subscription is acknowledged.
	StateComplete
	// StateTearingDown means the client is disconnecting.
	StateTearingDown
)

// String returns the state name used in logs and broadcasts.
func (s ConnState) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateSubsPending:
		return "connected_but_subs_pending"
	case StateComplete:
		return "connection_complete"
	case StateTearingDown:
		return "connection_tearing_down"
	}
	return "unknown"
}

// stateMachine tracks the per-attempt state and broadcasts each change
// exactly once; there is no forced re-broadcast. Transitions are monotonic within an
// attempt; a new attempt resets to not_connected.
type stateMachine struct {
	mu      sync.Mutex
	state   ConnState
	attempt int
	bus     *events.Bus
}

func newStateMachine(bus *events.Bus) *stateMachine {
	return &stateMachine{bus: bus}
}

// transition advances to next if it is a forward move within the
// current attempt and broadcasts the change. Returns whether the
// transition happened.
func (m *stateMachine) transition(next ConnState) bool {
	m.mu.Lock()
	if next <= m.state {
		m.mu.Unlock()
		return false
	}
	m.state = next
	attempt := m.attempt
	m.mu.Unlock()

	m.broadcast(next, attempt)
	return true
}

// newAttempt resets the machine for a fresh connection attempt and
// broadcasts not_connected.
func (m *stateMachine) newAttempt() {
	m.mu.Lock()
	m.attempt++
	m.state = StateNotConnected
	attempt := m.attempt
	m.mu.Unlock()

	m.broadcast(StateNotConnected, attempt)
}

// current returns the state and attempt counter.
func (m *stateMachine) current() (ConnState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.attempt
}

func (m *stateMachine) broadcast(s ConnState, attempt int) {
	m.bus.Publish(events.Notice{
		Source: events.SourceMQTT,
		Kind:   events.KindConnState,
		Data:   map[string]any{"state": s.String(), "attempt": attempt},
	})
}
