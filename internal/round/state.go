package round

// State represents where a round is in its lifecycle
type State int

const (
	StateArmed     State = iota // waiting for the round to end
	StateResolving              // fetching the end price
	StateResolved
	StateCancelled
	StateFailed // end price unavailable, reported once
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled || s == StateFailed
}
