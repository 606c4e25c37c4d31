package store

import (
	"errors"
	"fmt"

	"signal-anchor/internal/models"
)

// ErrNotFoundOrUnauthorized is returned when a signal does not exist or is not
// owned by the caller. The two cases are deliberately indistinguishable.
var ErrNotFoundOrUnauthorized = errors.New("signal not found or not owned by caller")

// ErrInvalidState matches every *InvalidStateError via errors.Is.
var ErrInvalidState = errors.New("invalid signal state")

// ValidationError reports the first malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation that is illegal for the signal's
// current lifecycle state.
type InvalidStateError struct {
	SignalID uint64
	Op       string
	Status   models.Status
	Reason   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s signal %d (status %s): %s", e.Op, e.SignalID, e.Status, e.Reason)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

func invalidState(sig *models.Signal, op, reason string) *InvalidStateError {
	return &InvalidStateError{SignalID: sig.ID, Op: op, Status: sig.Status, Reason: reason}
}
