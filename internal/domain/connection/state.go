package connection

import "fmt"

// State is a WebSocket connection lifecycle state.
type State int

const (
	// StateConnecting is transient, before the connect bookkeeping ran.
	StateConnecting State = iota
	StateUnauthenticated
	StateAuthenticated
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateUnauthenticated:
		return "CONNECTED_UNAUTHENTICATED"
	case StateAuthenticated:
		return "CONNECTED_AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned for moves the lifecycle does not allow.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid connection state transition %s -> %s", e.From, e.To)
}

// Transition validates a move from s to next.
//
// Allowed moves are forward along CONNECTING -> UNAUTHENTICATED ->
// AUTHENTICATED, re-authentication (AUTHENTICATED -> AUTHENTICATED), and
// any live state to DISCONNECTED. Nothing leaves DISCONNECTED.
func (s State) Transition(next State) (State, error) {
	switch {
	case s == StateDisconnected:
		return s, ErrInvalidTransition{From: s, To: next}
	case next == StateDisconnected:
		return next, nil
	case s == StateConnecting && next == StateUnauthenticated:
		return next, nil
	case (s == StateUnauthenticated || s == StateAuthenticated) && next == StateAuthenticated:
		return next, nil
	default:
		return s, ErrInvalidTransition{From: s, To: next}
	}
}
