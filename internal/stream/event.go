package stream

import (
	"github.com/dshills/taskwatch/internal/task"
)

// State represents the lifecycle state of a stream connection.
type State int

const (
	// StateConnecting means the handshake has not completed yet.
	StateConnecting State = iota
	// StateOpen means the connection is established and delivering frames.
	StateOpen
	// StateClosed means the connection is finished. Closed is terminal
	// for a connection instance; recovery means building a new one.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType identifies the kind of stream event.
type EventType int

const (
	// EventLog is a decoded log record for a task.
	EventLog EventType = iota
	// EventStateChange is a connection lifecycle transition.
	EventStateChange
)

// Event is one occurrence on the stream: either a decoded log record
// or a lifecycle transition. Log events preserve frame arrival order.
type Event struct {
	Type EventType

	// TaskID and Record are set for EventLog.
	TaskID string
	Record task.LogRecord

	// State is set for EventStateChange. Err carries the transport
	// cause when the transition is to StateClosed; nil on a clean,
	// owner-initiated close.
	State State
	Err   error
}
