//go:build unit

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPartitionKey(t *testing.T) {
	keyFn := partitionKey("dt")

	tests := []struct {
		name    string
		line    string
		want    string
		wantErr bool
	}{
		{"string field", `{"dt":"2024-01-01","v":1}`, "dt=2024-01-01", false},
		{"numeric field", `{"dt":20240101}`, "dt=20240101", false},
		{"missing field", `{"v":1}`, "", true},
		{"empty field", `{"dt":""}`, "", true},
		{"object field", `{"dt":{"y":2024}}`, "", true},
		{"malformed", `{"dt":`, "", true},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				key, err := keyFn(parseDocument([]byte(tt.line), ""))
				if tt.wantErr {
					require.Error(t, err)
					return
				}
				require.NoError(t, err)
				require.Equal(t, tt.want, key)
			},
		)
	}
}

func TestParseDocument_EventTime(t *testing.T) {
	e := parseDocument([]byte(`{"ts":"2024-01-01T10:00:00Z"}`), "ts")
	require.NotNil(t, e.EventTime)
	require.True(t, e.EventTime.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	require.Equal(t, []byte(`{"ts":"2024-01-01T10:00:00Z"}`), e.Raw)

	e = parseDocument([]byte(`{"ts":"yesterday"}`), "ts")
	require.Nil(t, e.EventTime)
}

func TestDocumentSerialiser(t *testing.T) {
	data, err := documentSerialiser().Serialise("dt=x", document{Fields: map[string]any{"b": 1, "a": "x\ny"}})
	require.NoError(t, err)
	require.Equal(t, "{\"a\":\"x\\ny\",\"b\":1}\n", string(data))
}
