package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	ownerCtxKey    struct{}
	documentCtxKey struct{}
	requestCtxKey  struct{}
	loggerCtxKey   struct{}
)

// maxIDLen bounds correlation ids copied from untrusted input.
const maxIDLen = 128

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := OwnerIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("owner.id", id))
	}
	if id := DocumentIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("document.id", id))
	}
	return fields
}

// WithOwnerID tags ctx with the owner a request acts for.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return withID(ctx, ownerCtxKey{}, ownerID)
}

// OwnerIDFromContext returns the owner id or "".
func OwnerIDFromContext(ctx context.Context) string {
	return idFrom(ctx, ownerCtxKey{})
}

// WithDocumentID tags ctx with the document being processed.
func WithDocumentID(ctx context.Context, documentID string) context.Context {
	return withID(ctx, documentCtxKey{}, documentID)
}

// DocumentIDFromContext returns the document id or "".
func DocumentIDFromContext(ctx context.Context) string {
	return idFrom(ctx, documentCtxKey{})
}

// WithRequestID tags ctx with an inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	return idFrom(ctx, requestCtxKey{})
}

// Empty ids leave ctx untouched; long ids are truncated.
func withID(ctx context.Context, key any, id string) context.Context {
	if id == "" {
		return ctx
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
