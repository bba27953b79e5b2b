package mocklogger

import (
	"sync"

	"github.com/hugolhafner/go-filesink/logger"
)

var _ logger.Logger = (*MockLogger)(nil)

type LogEntry struct {
	Level   logger.LogLevel
	Message string
	KV      []any
}

type entries struct {
	mu   sync.Mutex
	list []LogEntry
}

// MockLogger records every entry. Loggers derived with With share the same
// entry list, so assertions on the root logger see child output too.
type MockLogger struct {
	shared *entries
	args   []any
}

func New() *MockLogger {
	return &MockLogger{shared: &entries{}}
}

// Entries returns a copy of everything logged so far.
func (m *MockLogger) Entries() []LogEntry {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()

	out := make([]LogEntry, len(m.shared.list))
	copy(out, m.shared.list)
	return out
}

func (m *MockLogger) Log(level logger.LogLevel, msg string, kv ...any) {
	all := make([]any, 0, len(m.args)+len(kv))
	all = append(all, m.args...)
	all = append(all, kv...)

	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()

	m.shared.list = append(
		m.shared.list, LogEntry{
			Level:   level,
			Message: msg,
			KV:      all,
		},
	)
}

func (m *MockLogger) Level() logger.LogLevel {
	return logger.DebugLevel
}

func (m *MockLogger) With(kv ...any) logger.Logger {
	args := make([]any, 0, len(m.args)+len(kv))
	args = append(args, m.args...)
	args = append(args, kv...)

	return &MockLogger{
		shared: m.shared,
		args:   args,
	}
}

func (m *MockLogger) Debug(msg string, kv ...any) {
	m.Log(logger.DebugLevel, msg, kv...)
}

func (m *MockLogger) Info(msg string, kv ...any) {
	m.Log(logger.InfoLevel, msg, kv...)
}

func (m *MockLogger) Warn(msg string, kv ...any) {
	m.Log(logger.WarnLevel, msg, kv...)
}

func (m *MockLogger) Error(msg string, kv ...any) {
	m.Log(logger.ErrorLevel, msg, kv...)
}
