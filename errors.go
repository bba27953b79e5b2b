package filesink

import (
	"errors"
)

// KeyError wraps a failure of the partition key function.
type KeyError struct {
	Cause error
}

func (e *KeyError) Error() string {
	return "extract partition key: " + e.Cause.Error()
}

func (e *KeyError) Unwrap() error {
	return e.Cause
}

func NewKeyError(cause error) error {
	return &KeyError{Cause: cause}
}

func AsKeyError(err error) (*KeyError, bool) {
	var ke *KeyError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// SerdeError wraps a failure to serialise an element for its partition.
type SerdeError struct {
	Cause     error
	Partition string
}

func (e *SerdeError) Error() string {
	return "serialise record for partition " + e.Partition + ": " + e.Cause.Error()
}

func (e *SerdeError) Unwrap() error {
	return e.Cause
}

func NewSerdeError(cause error, partition string) error {
	return &SerdeError{Cause: cause, Partition: partition}
}

func AsSerdeError(err error) (*SerdeError, bool) {
	var se *SerdeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
