package storage

import (
	"errors"
	"fmt"

	"github.com/hugolhafner/go-filesink/unit"
)

type Op string

const (
	OpOpen     Op = "open"
	OpWrite    Op = "write"
	OpClose    Op = "close"
	OpFinalize Op = "finalize"
	OpAbort    Op = "abort"
)

// IOError wraps a failure reported by the physical I/O layer.
type IOError struct {
	Op        Op
	Partition string
	Handle    unit.Handle
	Cause     error
}

func (e *IOError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("%s unit for partition %q: %v", e.Op, e.Partition, e.Cause)
	}
	return fmt.Sprintf("%s unit %s (partition %q): %v", e.Op, e.Handle, e.Partition, e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

func NewIOError(op Op, partition string, h unit.Handle, cause error) error {
	return &IOError{
		Op:        op,
		Partition: partition,
		Handle:    h,
		Cause:     cause,
	}
}

func AsIOError(err error) (*IOError, bool) {
	var ioe *IOError
	if errors.As(err, &ioe) {
		return ioe, true
	}
	return nil, false
}

var (
	// ErrUnknownHandle is returned for handles the store never issued or has
	// already released.
	ErrUnknownHandle = errors.New("unknown unit handle")

	// ErrUnitClosed is returned when writing to a unit after Close.
	ErrUnitClosed = errors.New("unit already closed")

	// ErrNotFound is returned by Finalize when neither the in-progress nor the
	// final artifact exists.
	ErrNotFound = errors.New("unit artifact not found")
)
