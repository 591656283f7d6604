package enumeration

import "fmt"

// EnumeratorState is the lifecycle state of a continuous split enumerator.
type EnumeratorState int

const (
	// StateAwaitingFirstDiscovery means no starting point has been resolved yet.
	StateAwaitingFirstDiscovery EnumeratorState = iota
	// StateSteady means discovery runs on a timer; splits may or may not be available.
	StateSteady
	// StateExhausted means a bounded scan produced all of its splits. Terminal.
	StateExhausted
)

func (s EnumeratorState) String() string {
	switch s {
	case StateAwaitingFirstDiscovery:
		return "AWAITING_FIRST_DISCOVERY"
	case StateSteady:
		return "STEADY"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("EnumeratorState(%d)", int(s))
	}
}

// validTransitions lists the states reachable from each state.
var validTransitions = map[EnumeratorState][]EnumeratorState{
	StateAwaitingFirstDiscovery: {StateSteady, StateExhausted},
	StateSteady:                 {StateExhausted},
	StateExhausted:              {},
}

// CanTransitionTo reports whether moving from s to target is permitted.
// Staying in the same state is always allowed.
func (s EnumeratorState) CanTransitionTo(target EnumeratorState) bool {
	if s == target {
		return true
	}
	for _, next := range validTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}
