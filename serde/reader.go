package serde

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ReadLines decodes a part file written with Lines. A missing trailing
// newline on the last record is tolerated.
func ReadLines[T any](r io.Reader, partition string, d Deserialiser[T]) ([]T, error) {
	var out []T

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		v, err := d.Deserialise(partition, scanner.Bytes())
		if err != nil {
			return out, fmt.Errorf("serde: record %d of partition %q: %w", len(out), partition, err)
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

// ReadDelimited decodes a part file written with Delimited.
func ReadDelimited[T any](r io.Reader, partition string, d Deserialiser[T]) ([]T, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var out []T
	for len(data) > 0 {
		size, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return out, fmt.Errorf("serde: record %d of partition %q: %w", len(out), partition, protowire.ParseError(n))
		}
		data = data[n:]
		if uint64(len(data)) < size {
			return out, fmt.Errorf("serde: record %d of partition %q: %w", len(out), partition, ErrTruncated)
		}

		v, err := d.Deserialise(partition, data[:size])
		if err != nil {
			return out, fmt.Errorf("serde: record %d of partition %q: %w", len(out), partition, err)
		}
		out = append(out, v)
		data = data[size:]
	}
	return out, nil
}

// ErrTruncated reports a Delimited stream that ends inside a record.
var ErrTruncated = errors.New("serde: truncated record")
