// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	executionCtxKey struct{}
	phaseCtxKey     struct{}
	requestCtxKey   struct{}
	loggerCtxKey    struct{}
)

// maxIDLen caps correlation ids copied into log lines.
const maxIDLen = 128

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ExecutionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("execution.id", id))
	}
	if id := PhaseIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("phase.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

func clip(id string) string {
	if len(id) > maxIDLen {
		return id[:maxIDLen]
	}
	return id
}

// WithExecutionID tags ctx with an execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, clip(id))
}

// ExecutionIDFromContext returns the execution id or "".
func ExecutionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(executionCtxKey{}).(string)
	return s
}

// WithPhaseID tags ctx with the running phase id.
func WithPhaseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, clip(id))
}

// PhaseIDFromContext returns the phase id or "".
func PhaseIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(phaseCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with a transport request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, clip(id))
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
