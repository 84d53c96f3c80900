package manager

import "fmt"

// State is the lifecycle of one host as seen by its Operation Manager.
type State int

const (
	StateNotStarted State = iota
	StateLaunching
	StateAwaitingConnection
	StateHandshaking
	StateIdle
	StateDispatching
	StateRunning
	StateDraining
	StateCompleted
	StateFaulted
	StateDisposed
)

var stateNames = map[State]string{
	StateNotStarted:         "not_started",
	StateLaunching:          "launching",
	StateAwaitingConnection: "awaiting_connection",
	StateHandshaking:        "handshaking",
	StateIdle:               "idle",
	StateDispatching:        "dispatching",
	StateRunning:            "running",
	StateDraining:           "draining",
	StateCompleted:          "completed",
	StateFaulted:            "faulted",
	StateDisposed:           "disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further work can happen in s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateDisposed
}

// canTransition encodes the allowed edges. Faulted is reachable from any
// state after Launching and Disposed from everywhere.
func canTransition(from, to State) bool {
	if from == StateDisposed {
		return false
	}
	switch to {
	case StateDisposed:
		return true
	case StateFaulted:
		return from != StateNotStarted && from != StateFaulted
	}
	switch from {
	case StateNotStarted:
		return to == StateLaunching
	case StateLaunching:
		return to == StateAwaitingConnection
	case StateAwaitingConnection:
		return to == StateHandshaking
	case StateHandshaking:
		return to == StateIdle
	case StateIdle:
		return to == StateDispatching
	case StateDispatching:
		return to == StateRunning
	case StateRunning:
		return to == StateDraining || to == StateCompleted
	case StateDraining:
		return to == StateIdle || to == StateCompleted
	}
	return false
}
