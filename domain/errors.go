package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidReference indicates an action referenced a list that is not on the board.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrIndexOutOfRange indicates a drag or hover index outside the target sequence.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrDuplicateID indicates an ADD_LIST for an id the board already has.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrAlreadyScheduled indicates a maintenance date was requested for a car that has one.
	ErrAlreadyScheduled = errors.New("car already scheduled")
	ErrEmptyDate        = errors.New("empty maintenance date")
)

// ActionError is returned by Reduce when an action's preconditions do not hold.
// The board passed to Reduce is returned unchanged alongside it.
type ActionError struct {
	Type   ActionType
	Err    error
	Detail string
}

func (e *ActionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Type, e.Err, e.Detail)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Kind returns a short machine readable name for the failure.
func (e *ActionError) Kind() string {
	switch {
	case errors.Is(e.Err, ErrInvalidReference):
		return "invalid_reference"
	case errors.Is(e.Err, ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(e.Err, ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(e.Err, ErrAlreadyScheduled):
		return "already_scheduled"
	case errors.Is(e.Err, ErrEmptyDate):
		return "empty_date"
	default:
		return "rejected"
	}
}

func rejectf(t ActionType, err error, format string, args ...any) *ActionError {
	return &ActionError{Type: t, Err: err, Detail: fmt.Sprintf(format, args...)}
}
