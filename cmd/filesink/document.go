package main

import (
	"errors"
	"fmt"
	"time"

	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/record"
	"github.com/hugolhafner/go-filesink/serde"
)

// document is one JSON object read from the input. Fields is nil when the
// line could not be parsed.
type document struct {
	Fields map[string]any
}

var errMalformed = errors.New("malformed json line")

func parseDocument(line []byte, eventTimeField string) record.Element[document] {
	fields, err := serde.JSON[map[string]any]().Deserialise("", line)
	if err != nil {
		fields = nil
	}

	e := record.New(document{Fields: fields}).WithRaw(line)
	if eventTimeField == "" || fields == nil {
		return e
	}
	if s, ok := fields[eventTimeField].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e = e.WithEventTime(t)
		}
	}
	return e
}

func partitionKey(field string) filesink.KeyFunc[document] {
	return func(e record.Element[document]) (string, error) {
		if e.Value.Fields == nil {
			return "", errMalformed
		}

		v, ok := e.Value.Fields[field]
		if !ok || v == nil {
			return "", fmt.Errorf("field %q missing", field)
		}
		var key string
		switch t := v.(type) {
		case string:
			key = t
		case float64, bool:
			key = fmt.Sprint(t)
		default:
			return "", fmt.Errorf("field %q is not a scalar", field)
		}
		if key == "" {
			return "", fmt.Errorf("field %q is empty", field)
		}
		return field + "=" + key, nil
	}
}

func documentSerialiser() serde.Serialiser[document] {
	fields := serde.JSON[map[string]any]()
	return serde.Lines[document](
		serde.SerialiserFunc[document](
			func(partition string, d document) ([]byte, error) {
				return fields.Serialise(partition, d.Fields)
			},
		),
	)
}
