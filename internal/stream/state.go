package stream

import "time"

// State is the connection state of a stream session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateAwaitingPong
	StateClosing
	StateClosed
	// StateReconnecting is reported by Client.Run while a backoff delay is
	// pending between sessions.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateAwaitingPong:
		return "AWAITING_PONG"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// StateChange is published every time the connection state moves.
type StateChange struct {
	From State
	To   State
	// Err is set on transitions caused by a failure.
	Err error
	// Attempt counts reconnect attempts since the last healthy session.
	Attempt int
	// Delay is the pending backoff when To is StateReconnecting.
	Delay time.Duration
}

// StateHandler observes state changes. Handlers run on the goroutine that
// caused the transition and must not block.
type StateHandler func(StateChange)
