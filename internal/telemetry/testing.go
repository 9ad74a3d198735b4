package telemetry

import (
	"fmt"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// SpanRecorder captures spans from the global tracer provider for one test.
type SpanRecorder struct {
	rec *tracetest.SpanRecorder
}

// RecordSpans installs an in-memory tracer provider globally and restores
// the previous one when tb finishes. Package-level tracers bind to the
// first provider ever installed, so call it at most once per test binary
// and never from parallel tests.
func RecordSpans(tb testing.TB) *SpanRecorder {
	tb.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	tb.Cleanup(func() { otel.SetTracerProvider(prev) })
	return &SpanRecorder{rec: rec}
}

// Span returns the last ended span called name, or nil.
func (r *SpanRecorder) Span(name string) sdktrace.ReadOnlySpan {
	ended := r.rec.Ended()
	for i := len(ended) - 1; i >= 0; i-- {
		if ended[i].Name() == name {
			return ended[i]
		}
	}
	return nil
}

// AssertAttribute fails tb unless the last span called name carries key
// with a value printing as want.
func (r *SpanRecorder) AssertAttribute(tb testing.TB, name, key string, want any) {
	tb.Helper()
	span := r.Span(name)
	if span == nil {
		tb.Errorf("no ended span %q", name)
		return
	}
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			if got := kv.Value.Emit(); got != fmt.Sprint(want) {
				tb.Errorf("span %q: %s = %s, want %v", name, key, got, want)
			}
			return
		}
	}
	tb.Errorf("span %q has no attribute %q", name, key)
}
