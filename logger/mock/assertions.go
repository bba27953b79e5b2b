package mocklogger

import (
	"testing"

	"github.com/hugolhafner/go-filesink/logger"
)

// Field returns the value logged under key, including keys added with With.
func (e LogEntry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.KV); i += 2 {
		if k, ok := e.KV[i].(string); ok && k == key {
			return e.KV[i+1], true
		}
	}
	return nil, false
}

// Find returns the first entry logged with message.
func (m *MockLogger) Find(message string) (LogEntry, bool) {
	for _, entry := range m.Entries() {
		if entry.Message == message {
			return entry, true
		}
	}
	return LogEntry{}, false
}

func (m *MockLogger) AssertLogged(tb testing.TB, level logger.LogLevel, message string) {
	tb.Helper()
	for _, entry := range m.Entries() {
		if entry.Level == level && entry.Message == message {
			return
		}
	}

	tb.Errorf("expected %s log %q", level.String(), message)
}

func (m *MockLogger) AssertNotLogged(tb testing.TB, message string) {
	tb.Helper()
	if _, ok := m.Find(message); ok {
		tb.Errorf("unexpected log %q", message)
	}
}

// AssertField checks the first entry with message carries key=want.
func (m *MockLogger) AssertField(tb testing.TB, message, key string, want any) {
	tb.Helper()
	entry, ok := m.Find(message)
	if !ok {
		tb.Errorf("expected log %q", message)
		return
	}

	got, ok := entry.Field(key)
	switch {
	case !ok:
		tb.Errorf("log %q has no field %q", message, key)
	case got != want:
		tb.Errorf("log %q field %q = %v, want %v", message, key, got, want)
	}
}
