package controller

import "fmt"

// State is the controller's run phase.
type State string

const (
	StateIdle      State = "idle"
	StateLocking   State = "locking"
	StateLoading   State = "loading"
	StateDraining  State = "draining"
	StateReporting State = "reporting"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Failed is reachable from every non-terminal state.
var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateLocking: {},
		StateFailed:  {},
	},
	StateLocking: {
		StateLoading: {},
		StateFailed:  {},
	},
	StateLoading: {
		StateDraining: {},
		StateFailed:   {},
	},
	StateDraining: {
		StateReporting: {},
		StateFailed:    {},
	},
	StateReporting: {
		StateDone:   {},
		StateFailed: {},
	},
	StateDone:   {},
	StateFailed: {},
}

func ValidateTransition(from, to State) error {
	fromSet, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid controller state: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid controller state: %q", to)
	}
	if _, ok := fromSet[to]; !ok {
		return fmt.Errorf("invalid controller transition: %s -> %s", from, to)
	}
	return nil
}
