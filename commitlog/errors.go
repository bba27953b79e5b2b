package commitlog

import (
	"errors"
	"fmt"
)

// ErrNonMonotonicCheckpoint is returned when pending units are recorded for a
// checkpoint id that is not greater than the last recorded one.
var ErrNonMonotonicCheckpoint = errors.New("checkpoint id is not greater than the last recorded checkpoint")

// CorruptStateError reports persisted state that cannot be restored. Restore
// aborts instead of dropping pending commits.
type CorruptStateError struct {
	Reason string
	Cause  error
}

func (e *CorruptStateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corrupt commit log state: %s: %v", e.Reason, e.Cause)
	}
	return "corrupt commit log state: " + e.Reason
}

func (e *CorruptStateError) Unwrap() error {
	return e.Cause
}

func NewCorruptStateError(reason string, cause error) error {
	return &CorruptStateError{Reason: reason, Cause: cause}
}

func AsCorruptStateError(err error) (*CorruptStateError, bool) {
	var ce *CorruptStateError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
