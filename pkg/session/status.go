package session

// Status is the lifecycle state of a call session.
type Status string

const (
	StatusConnecting  Status = "connecting"
	StatusStreaming   Status = "streaming"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusGuardPaused Status = "guard_paused"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusGuardPaused:
		return true
	}
	return false
}

// Connecting may skip straight to a terminal or finalizing state when the call
// ends or is paused before any media arrives.
var validTransitions = map[Status][]Status{
	StatusConnecting: {StatusStreaming, StatusFinalizing, StatusGuardPaused, StatusError},
	StatusStreaming:  {StatusFinalizing, StatusGuardPaused, StatusError},
	StatusFinalizing: {StatusCompleted},
}

func transitionValid(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}
