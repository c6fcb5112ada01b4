package session

// State is a session's lifecycle position. Transitions only move forward;
// requesting an already-reached-or-passed state is a silent no-op.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateWarned
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateWarned:
		return "warned"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// markState advances the session state. It returns true if the state moved,
// false if the session had already reached or passed next.
func (s *Session) markState(next State) bool {
	for {
		current := State(s.state.Load())
		if current >= next {
			return false
		}
		if s.state.CompareAndSwap(int32(current), int32(next)) {
			return true
		}
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}
