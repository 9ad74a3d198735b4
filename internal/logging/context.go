package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if t, ok := ctx.Value(tenantCtxKey{}).(tenantFields); ok {
		fields = append(fields,
			zap.String("tenant.id", t.id),
			zap.String("tenant.collection", t.collection),
		)
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type tenantCtxKey struct{}
type requestCtxKey struct{}

type tenantFields struct {
	id         string
	collection string
}

// WithTenant records the tenant for log correlation.
func WithTenant(ctx context.Context, tenantID, collection string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantFields{id: tenantID, collection: collection})
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds a request ID to context. Empty IDs and IDs over 128
// bytes are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" || len(requestID) > 128 {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}
