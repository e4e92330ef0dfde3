package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger observes everything down to trace level.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		logs:   logs,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// FilterMessage narrows to entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.logs.FilterMessageSnippet(msg)
}

func (t *TestLogger) count(level zapcore.Level, snippet string) int {
	n := 0
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, snippet) {
			n++
		}
	}
	return n
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if t.count(level, snippet) == 0 {
		tb.Errorf("no %v entry containing %q among %d entries", level, snippet, t.logs.Len())
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, snippet string) {
	tb.Helper()
	if n := t.count(level, snippet); n > 0 {
		tb.Errorf("found %d %v entries containing %q", n, level, snippet)
	}
}
