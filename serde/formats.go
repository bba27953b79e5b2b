package serde

import (
	"bytes"
	"encoding/json"

	"google.golang.org/protobuf/proto"
)

var (
	_ Serde[string] = stringSerde{}
	_ Serde[[]byte] = bytesSerde{}
	_ Serde[any]    = (*jsonSerde[any])(nil)
)

type stringSerde struct{}

// String writes values unchanged.
func String() Serde[string] {
	return stringSerde{}
}

func (stringSerde) Serialise(_ string, value string) ([]byte, error) {
	return []byte(value), nil
}

func (stringSerde) Deserialise(_ string, data []byte) (string, error) {
	return string(data), nil
}

type bytesSerde struct{}

// Bytes writes values unchanged. The returned slice aliases the input.
func Bytes() Serde[[]byte] {
	return bytesSerde{}
}

func (bytesSerde) Serialise(_ string, value []byte) ([]byte, error) {
	return value, nil
}

func (bytesSerde) Deserialise(_ string, data []byte) ([]byte, error) {
	return data, nil
}

type JSONConfig struct {
	EscapeHTML bool
	Strict     bool
}

type JSONOption func(*JSONConfig)

// WithHTMLEscape escapes <, > and & the way encoding/json does by default.
func WithHTMLEscape() JSONOption {
	return func(c *JSONConfig) {
		c.EscapeHTML = true
	}
}

// WithStrictDecoding rejects objects carrying fields the target type does
// not declare.
func WithStrictDecoding() JSONOption {
	return func(c *JSONConfig) {
		c.Strict = true
	}
}

type jsonSerde[T any] struct {
	config JSONConfig
}

// JSON encodes one compact document per record. HTML escaping is off so
// part files hold the values as produced.
func JSON[T any](opts ...JSONOption) Serde[T] {
	var cfg JSONConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &jsonSerde[T]{config: cfg}
}

func (s *jsonSerde[T]) Serialise(_ string, value T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(s.config.EscapeHTML)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (s *jsonSerde[T]) Deserialise(_ string, data []byte) (T, error) {
	var result T

	dec := json.NewDecoder(bytes.NewReader(data))
	if s.config.Strict {
		dec.DisallowUnknownFields()
	}
	err := dec.Decode(&result)
	return result, err
}

type protobufSerde[T proto.Message] struct{}

// Protobuf encodes messages deterministically so equal records produce equal
// bytes across runs.
func Protobuf[T proto.Message]() Serde[T] {
	return protobufSerde[T]{}
}

func (protobufSerde[T]) Serialise(_ string, value T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(value)
}

func (protobufSerde[T]) Deserialise(_ string, data []byte) (T, error) {
	var zero T
	result := zero.ProtoReflect().New().Interface().(T)
	if err := proto.Unmarshal(data, result); err != nil {
		return zero, err
	}
	return result, nil
}
