// Package record defines the elements consumed by the sink.
package record

import (
	"time"
)

type Metadata struct {
	// EventTime is the record's own timestamp, nil when the source has none.
	EventTime *time.Time
	Headers   map[string][]byte
	// Raw is the element as it was read from the source, when available.
	// It is what a dead letter topic receives.
	Raw []byte
}

// Element is one input record.
type Element[T any] struct {
	Value T
	Metadata
}

func New[T any](value T) Element[T] {
	return Element[T]{Value: value}
}

// WithEventTime returns a copy of e carrying the given event time.
func (e Element[T]) WithEventTime(t time.Time) Element[T] {
	e.EventTime = &t
	return e
}

// WithRaw returns a copy of e carrying its source encoding.
func (e Element[T]) WithRaw(raw []byte) Element[T] {
	e.Raw = raw
	return e
}
