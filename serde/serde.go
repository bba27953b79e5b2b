// Package serde encodes sink records into the bytes appended to output units.
// Every call receives the partition the record is routed to.
package serde

type Serde[T any] interface {
	Serialiser[T]
	Deserialiser[T]
}

type Serialiser[T any] interface {
	Serialise(partition string, value T) ([]byte, error)
}

type Deserialiser[T any] interface {
	Deserialise(partition string, data []byte) (T, error)
}

// SerialiserFunc adapts a plain function to Serialiser.
type SerialiserFunc[T any] func(partition string, value T) ([]byte, error)

func (f SerialiserFunc[T]) Serialise(partition string, value T) ([]byte, error) {
	return f(partition, value)
}
