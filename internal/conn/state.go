package conn

import "github.com/portalchat/chatsync/internal/chat"

// State is the lifecycle state of a thread's push channel.
type State int

const (
	// Connecting means a dial is in progress.
	Connecting State = iota

	// Open means the handshake completed and frames flow both ways.
	Open

	// Closed means the socket is gone, either dropped or explicitly closed.
	Closed

	// Reconnecting means a reconnect is scheduled and waiting on its timer.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// transitions lists the states reachable from each state. Explicit close is
// allowed from anywhere and is handled separately.
var transitions = map[State][]State{
	Connecting:   {Open, Reconnecting},
	Open:         {Closed},
	Closed:       {Reconnecting},
	Reconnecting: {Connecting},
}

// canTransition reports whether from -> to is a legal automatic transition.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventType distinguishes the events a Handle emits.
type EventType string

const (
	// EventInbound carries a parsed frame from the server.
	EventInbound EventType = "inbound"

	// EventState reports a lifecycle transition.
	EventState EventType = "state"
)

// Event is emitted on Handle.Events.
type Event struct {
	Type  EventType
	Frame chat.Frame // set for EventInbound
	State State      // set for EventState
}
