package engine

import "fmt"

// ValidationError marks a caller mistake (unknown action type, rejection
// without a note). Surfaced immediately, never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// PolicyViolationError marks an action the policy denied outright.
type PolicyViolationError struct {
	Reason string
}

func (e PolicyViolationError) Error() string {
	return "denied by policy: " + e.Reason
}
