package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the engine's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	phaseDuration   metric.Float64Histogram
	phaseTotal      metric.Int64Counter
	executionTotal  metric.Int64Counter
	backendCalls    metric.Int64Counter
	backendDuration metric.Float64Histogram
	retryAttempts   metric.Int64Counter
	clarifications  metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global meter when nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	if m.phaseDuration, err = meter.Float64Histogram(
		"chimera.phase.duration",
		metric.WithDescription("Duration of execution phases"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return nil, err
	}
	if m.phaseTotal, err = meter.Int64Counter(
		"chimera.phase.total",
		metric.WithDescription("Phases finished, by mode and status"),
		metric.WithUnit("{phase}"),
	); err != nil {
		return nil, err
	}
	if m.executionTotal, err = meter.Int64Counter(
		"chimera.execution.total",
		metric.WithDescription("Executions finished, by status"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if m.backendCalls, err = meter.Int64Counter(
		"chimera.backend.calls",
		metric.WithDescription("Backend calls, by backend and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.backendDuration, err = meter.Float64Histogram(
		"chimera.backend.duration",
		metric.WithDescription("Latency of backend calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	if m.retryAttempts, err = meter.Int64Counter(
		"chimera.retry.attempts",
		metric.WithDescription("Retries scheduled after a failed backend call"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.clarifications, err = meter.Int64Counter(
		"chimera.clarification.total",
		metric.WithDescription("Requests returned for clarification instead of executing"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordPhase records a finished phase.
func (m *Metrics) RecordPhase(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.phaseTotal.Add(ctx, 1, attrs)
	m.phaseDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.executionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBackendCall records one backend call.
func (m *Metrics) RecordBackendCall(ctx context.Context, backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	)
	m.backendCalls.Add(ctx, 1, attrs)
	m.backendDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(ctx context.Context, backend, kind string) {
	if m == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("kind", kind),
	))
}

// RecordClarification records a request sent back for clarification.
func (m *Metrics) RecordClarification(ctx context.Context, rule string) {
	if m == nil {
		return
	}
	m.clarifications.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// StartSpan starts a span on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
