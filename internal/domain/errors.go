package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for control-flow checks with errors.Is.
var (
	// ErrNotFound is wrapped by NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is wrapped by InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPrecondition is wrapped by PreconditionError.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidPlan is wrapped by InvalidPlanError.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrNotClaimed is returned when releasing a task the agent does not hold.
	ErrNotClaimed = errors.New("task not claimed by agent")
)

// NotFoundError indicates an entity id does not exist.
type NotFoundError struct {
	Kind string // "workflow", "task", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidTransitionError indicates a status transition forbidden by the
// transition tables.
type InvalidTransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Kind, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// PreconditionError indicates a required field is missing or the entity
// is in the wrong state for the requested operation.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// Preconditionf builds a PreconditionError with a formatted reason.
func Preconditionf(format string, args ...any) *PreconditionError {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidPlanError indicates a plan input was rejected at admission:
// a dependency cycle, an unknown task name, or a duplicate task name.
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return "invalid plan: " + e.Reason
}

func (e *InvalidPlanError) Unwrap() error { return ErrInvalidPlan }
