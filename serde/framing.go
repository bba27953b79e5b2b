package serde

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Lines terminates every encoded record with a newline, producing JSON Lines
// or plain text part files. Encoded values must not contain a newline.
func Lines[T any](s Serialiser[T]) Serialiser[T] {
	return SerialiserFunc[T](func(partition string, value T) ([]byte, error) {
		data, err := s.Serialise(partition, value)
		if err != nil {
			return nil, err
		}
		if bytes.IndexByte(data, '\n') >= 0 {
			return nil, fmt.Errorf("serde: encoded record for partition %q contains a newline", partition)
		}
		return append(data, '\n'), nil
	})
}

// Delimited prefixes every encoded record with its varint length, the
// framing used for streams of protobuf messages.
func Delimited[T any](s Serialiser[T]) Serialiser[T] {
	return SerialiserFunc[T](func(partition string, value T) ([]byte, error) {
		data, err := s.Serialise(partition, value)
		if err != nil {
			return nil, err
		}
		out := protowire.AppendVarint(make([]byte, 0, len(data)+protowire.SizeVarint(uint64(len(data)))), uint64(len(data)))
		return append(out, data...), nil
	})
}
