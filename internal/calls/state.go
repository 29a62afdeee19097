package calls

// State is the lifecycle position of one call session.
type State string

const (
	StateConnecting         State = "connecting"
	StateAwaitingFirstMedia State = "awaiting_first_media"
	StateActive             State = "active"
	StateClosing            State = "closing"
	StateClosed             State = "closed"
)

// CanTransition reports whether a session may move from s to next. Closing is
// reachable from every live state; Closed only from Closing.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateAwaitingFirstMedia || next == StateClosing
	case StateAwaitingFirstMedia:
		return next == StateActive || next == StateClosing
	case StateActive:
		return next == StateClosing
	case StateClosing:
		return next == StateClosed
	}
	return false
}

// Live reports whether the session still carries audio.
func (s State) Live() bool {
	return s == StateConnecting || s == StateAwaitingFirstMedia || s == StateActive
}
