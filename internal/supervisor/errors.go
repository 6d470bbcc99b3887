package supervisor

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned by the Engine for unknown assessment ids.
var ErrSessionNotFound = errors.New("assessment not found")

// ErrTooManySessions is returned by Submit when the engine is at capacity.
var ErrTooManySessions = errors.New("too many running assessments")

// ErrInvalidRequest wraps validation failures of a submitted request.
var ErrInvalidRequest = errors.New("invalid assessment request")

// BudgetExhaustedError reports that an assessment stopped admitting work
// because its task or time budget ran out. The session ends aborted with
// partial results; it is not a failure of any individual task.
type BudgetExhaustedError struct {
	Resource string // "tasks" or "duration".
	Limit    string
	Dropped  int // Tasks that were planned but never dispatched.
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("%s budget of %s exhausted, %d task(s) not dispatched", e.Resource, e.Limit, e.Dropped)
}

// UnknownObjectiveError is returned when an objective tag matches neither
// the catalog nor a keyword rule.
type UnknownObjectiveError struct {
	Tag string
}

func (e *UnknownObjectiveError) Error() string {
	return fmt.Sprintf("unknown objective %q", e.Tag)
}
