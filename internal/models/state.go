package models

// The publish job state machine:
//
//	           retry (attempt_count+1)
//	  ┌──────────────────────────────┐
//	  ▼                              │
//	pending ───► running ───► error ─┘
//	                │
//	                └──────► done ───► expired
//
// expired is terminal. error is terminal once the retry budget is spent.
var transitions = map[State][]State{
	StatePending: {StateRunning},
	StateRunning: {StateDone, StateError},
	StateDone:    {StateExpired},
	StateError:   {StatePending},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition ever leaves s.
func IsTerminal(s State) bool {
	return s == StateExpired
}

// Live reports whether a job in state s still holds its destination path.
func Live(s State) bool {
	return s != StateExpired
}

// Renewable reports whether the expiry of a job in state s may be extended.
func Renewable(s State) bool {
	return s == StatePending || s == StateRunning || s == StateDone
}
