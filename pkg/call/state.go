package call

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Ringing reports whether the session waits for a user decision on either end.
func (s State) Ringing() bool {
	return s == StateOutgoing || s == StateIncoming
}

var transitions = map[State][]State{
	StateIdle:       {StateOutgoing, StateIncoming},
	StateOutgoing:   {StateConnecting, StateEnded},
	StateIncoming:   {StateConnecting, StateEnded},
	StateConnecting: {StateActive, StateEnded, StateFailed},
	StateActive:     {StateEnded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)
