package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, including Trace, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a recording logger. Redaction applies as in
// production so tests see what an operator would.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	r, err := newRedactor(NewDefaultConfig().Redaction)
	if err != nil {
		panic(err)
	}
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(&redactCore{Core: core, r: r})},
		observed: observed,
	}
}

// Entries returns the entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range t.observed.All() {
		if strings.Contains(e.Message, msg) {
			out = append(out, e)
		}
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return
		}
	}
	tb.Errorf("no %v entry containing %q among %d entries", level, msg, len(t.observed.All()))
}

// AssertField fails tb unless an entry containing msg has key set to want.
// Values compare by their printed form, so ints and int64s match.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.Entries(msg) {
		if got, ok := e.ContextMap()[key]; ok && fmt.Sprint(got) == fmt.Sprint(want) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v", msg, key, want)
}

// AssertTenant fails tb unless an entry containing msg is attributed to
// the tenant and its collection.
func (t *TestLogger) AssertTenant(tb testing.TB, msg, tenantID, collection string) {
	tb.Helper()
	t.AssertField(tb, msg, "tenant.id", tenantID)
	t.AssertField(tb, msg, "tenant.collection", collection)
}

// AssertNoSecrets fails tb if any message or field value contains one of
// values, such as a credential or a secret planted in a document.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, values ...string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		for _, v := range values {
			if strings.Contains(e.Message, v) {
				tb.Errorf("entry %q leaks a secret in its message", e.Message)
			}
			for key, got := range e.ContextMap() {
				if strings.Contains(fmt.Sprint(got), v) {
					tb.Errorf("entry %q leaks a secret in field %q", e.Message, key)
				}
			}
		}
	}
}
