package testutil

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CallRecorder records named calls in the order they happen, so tests can
// assert on both count and sequence across collaborators
type CallRecorder struct {
	mu    sync.Mutex
	calls []Call
}

// Call is one recorded invocation
type Call struct {
	Name string
	Arg  string
}

func NewCallRecorder() *CallRecorder {
	return &CallRecorder{
		calls: make([]Call, 0),
	}
}

func (r *CallRecorder) Add(name, arg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Name: name, Arg: arg})
}

func (r *CallRecorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Call, len(r.calls))
	copy(result, r.calls)
	return result
}

// Names returns the recorded call names in order
func (r *CallRecorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		result = append(result, c.Name)
	}
	return result
}

func (r *CallRecorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, c := range r.calls {
		if c.Name == name {
			count++
		}
	}
	return count
}

// Invalidator records Invalidate calls into a CallRecorder
type Invalidator struct {
	Recorder *CallRecorder
	Next     func(key string)
}

func (i *Invalidator) Invalidate(key string) {
	i.Recorder.Add("invalidate", key)
	if i.Next != nil {
		i.Next(key)
	}
}

// Resumer records Resume calls into a CallRecorder
type Resumer struct {
	Recorder *CallRecorder
	Next     func()
}

func (r *Resumer) Resume() {
	r.Recorder.Add("resume", "")
	if r.Next != nil {
		r.Next()
	}
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger captures records written through Logger() for assertions
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry is one captured record. Level uses slog's names (DEBUG, INFO, WARN, ERROR).
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

func (l *TestLogger) append(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// Entries returns the captured entries at level
func (l *TestLogger) Entries(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []LogEntry
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// Find returns the first entry at level carrying msg
func (l *TestLogger) Find(level, msg string) (LogEntry, bool) {
	for _, entry := range l.Entries(level) {
		if entry.Message == msg {
			return entry, true
		}
	}
	return LogEntry{}, false
}

// HasMessage reports whether any entry at level carries msg
func (l *TestLogger) HasMessage(level, msg string) bool {
	_, ok := l.Find(level, msg)
	return ok
}

// testLogHandler implements slog.Handler for TestLogger. Groups are flattened.
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Level:   r.Level.String(),
		Message: r.Message,
		Fields:  make(map[string]any, len(h.attrs)+r.NumAttrs()),
	}
	for _, attr := range h.attrs {
		entry.Fields[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry.Fields[a.Key] = a.Value.Any()
		return true
	})

	h.logger.append(entry)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &testLogHandler{logger: h.logger, attrs: merged}
}

func (h *testLogHandler) WithGroup(string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				t.Errorf("timeout waiting for condition: %v", msgAndArgs)
				return false
			}
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
