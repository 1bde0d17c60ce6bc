// Package syncengine implements the per-connection sync state machine:
// lifecycle transitions, the push (oplog -> server) and pull (server ->
// map) protocols, subscription message routing, and a bounded
// transition-history ring for diagnosis.
package syncengine

import (
	"fmt"
	"sync"
	"time"
)

// State is one stage of a connection's lifecycle.
type State int

const (
	Initial State = iota
	Connecting
	Authenticating
	Syncing
	Connected
	Disconnected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Syncing:
		return "SYNCING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// validTransitions enumerates every allowed State -> State edge:
// INITIAL -> CONNECTING -> AUTHENTICATING -> SYNCING -> CONNECTED,
// and from any connected-ish state to DISCONNECTED on transport loss, then
// RECONNECTING back into the handshake. CLOSED is reachable from any state
// (explicit close) and is terminal.
var validTransitions = map[State]map[State]bool{
	Initial:        {Connecting: true, Closed: true},
	Connecting:     {Authenticating: true, Disconnected: true, Closed: true},
	Authenticating: {Syncing: true, Disconnected: true, Closed: true},
	Syncing:        {Connected: true, Disconnected: true, Closed: true},
	Connected:      {Disconnected: true, Closed: true},
	Disconnected:   {Reconnecting: true, Closed: true},
	Reconnecting:   {Connecting: true, Disconnected: true, Closed: true},
	Closed:         {},
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// InvalidTransitionError is returned (and only logged, never propagated
// past the state machine) when an attempted transition is not in
// validTransitions.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("syncengine: invalid transition %s -> %s", e.From, e.To)
}

// DefaultHistorySize is the default transition-history ring capacity.
const DefaultHistorySize = 50

// Machine is a single connection's lifecycle state machine. Safe for
// concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       State
	history     []Transition
	historyCap  int
	historyHead int
	onChange    func(Transition)
}

// NewMachine creates a Machine starting at Initial, with a history ring of
// historyCap entries (DefaultHistorySize if <= 0). onChange, if non-nil, is
// invoked synchronously after every successful transition.
func NewMachine(historyCap int, onChange func(Transition)) *Machine {
	if historyCap <= 0 {
		historyCap = DefaultHistorySize
	}
	return &Machine{state: Initial, historyCap: historyCap, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition attempts to move to next. Invalid attempts return
// *InvalidTransitionError and leave the state unchanged; callers are
// expected to log and ignore.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	current := m.state
	if !validTransitions[current][next] {
		m.mu.Unlock()
		return &InvalidTransitionError{From: current, To: next}
	}
	m.state = next
	t := Transition{From: current, To: next, At: time.Now()}
	m.recordLocked(t)
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return nil
}

func (m *Machine) recordLocked(t Transition) {
	if len(m.history) < m.historyCap {
		m.history = append(m.history, t)
		return
	}
	m.history[m.historyHead] = t
	m.historyHead = (m.historyHead + 1) % m.historyCap
}

// History returns the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < m.historyCap {
		out := make([]Transition, len(m.history))
		copy(out, m.history)
		return out
	}
	out := make([]Transition, m.historyCap)
	for i := 0; i < m.historyCap; i++ {
		out[i] = m.history[(m.historyHead+i)%m.historyCap]
	}
	return out
}

// IsConnected reports whether the machine is in the Connected state.
func (m *Machine) IsConnected() bool { return m.State() == Connected }

// IsTerminal reports whether the machine has been explicitly closed.
func (m *Machine) IsTerminal() bool { return m.State() == Closed }
