// Package syncer reconciles the client's queued actions with the server. It
// owns the connectivity state machine, the bounded-retry flush and the proxy
// surface UI plugins dispatch through.
package syncer

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is the client's connectivity state.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
	StateSyncing State = "syncing"
)

// Transitions the machine permits. Syncing is entered only deliberately,
// which is what enforces the one-flush-at-a-time rule.
var stateTransitions = map[State][]State{
	StateOnline:  {StateOffline, StateSyncing},
	StateOffline: {StateSyncing},
	StateSyncing: {StateOnline, StateOffline},
}

// Machine is a guarded connectivity state machine. Transitions are broadcast
// to registered listeners.
type Machine struct {
	mu        sync.Mutex
	state     State
	listeners []func(from, to State)
}

// NewMachine starts a machine in the given state.
func NewMachine(initial State) *Machine {
	return &Machine{state: initial}
}

// State returns the current connectivity state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the machine is in the given state.
func (m *Machine) Is(s State) bool {
	return m.State() == s
}

// Subscribe registers a listener for state changes.
func (m *Machine) Subscribe(listener func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// To transitions to the target state, failing on a transition the machine
// does not permit. A same-state transition is a no-op, except into syncing:
// entering syncing is the flush lock, so re-entering it fails.
func (m *Machine) To(target State) error {
	m.mu.Lock()
	from := m.state
	if from == target {
		m.mu.Unlock()
		if target == StateSyncing {
			return fmt.Errorf("connectivity transition %s -> %s not permitted: a sync is already running", from, target)
		}
		return nil
	}
	if !allowed(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("connectivity transition %s -> %s not permitted", from, target)
	}
	m.state = target
	listeners := make([]func(State, State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	log.Info().Str("from", string(from)).Str("to", string(target)).Msg("connectivity state changed")
	for _, listener := range listeners {
		listener(from, target)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, t := range stateTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
