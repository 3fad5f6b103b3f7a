package plan

import "fmt"

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// Dispatched -> Pending is the retry requeue; the four terminal states accept
// no further transitions.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusDispatched: {},
		StatusCancelled:  {},
	},
	StatusDispatched: {
		StatusPending:   {},
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusTimedOut:  {},
		StatusCancelled: {},
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusTimedOut:  {},
	StatusCancelled: {},
}

func ValidateStatus(s Status) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid item status: %q", s)
	}
	return nil
}

func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid item transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0 && allowedTransitions[s] != nil
}
