package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_EnabledRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true, ServiceName: "chimera"})
	assert.Error(t, err)
}

func TestExporters_Protocols(t *testing.T) {
	for _, proto := range []string{config.TelemetryGRPC, config.TelemetryHTTP} {
		t.Run(proto, func(t *testing.T) {
			cfg := config.TelemetryConfig{Endpoint: "localhost:4317", Protocol: proto, Insecure: true}
			ctx := context.Background()

			traces, err := newTraceExporter(ctx, cfg)
			require.NoError(t, err)
			metrics, err := newMetricExporter(ctx, cfg)
			require.NoError(t, err)

			assert.NoError(t, traces.Shutdown(ctx))
			assert.NoError(t, metrics.Shutdown(ctx))
		})
	}
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestMetrics_Record(t *testing.T) {
	tt := NewTestTelemetry()
	m, err := NewMetrics(tt.Meter(InstrumentationName))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordPhase(ctx, "council", "completed", 2*time.Second)
	m.RecordPhase(ctx, "swarm", "failed", time.Second)
	m.RecordBackendCall(ctx, "a", "success", 100*time.Millisecond)
	m.RecordRetry(ctx, "a", "transient")
	m.RecordRetry(ctx, "a", "rate_limit")
	m.RecordExecution(ctx, "failed")

	assert.Equal(t, int64(2), tt.CounterValue(t, "chimera.phase.total"))
	assert.Equal(t, int64(1), tt.CounterValue(t, "chimera.backend.calls"))
	assert.Equal(t, int64(2), tt.CounterValue(t, "chimera.retry.attempts"))
	assert.Equal(t, int64(1), tt.CounterValue(t, "chimera.execution.total"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPhase(context.Background(), "single", "completed", time.Second)
		m.RecordBackendCall(context.Background(), "a", "error", time.Second)
		m.RecordClarification(context.Background(), "scopeless-destructive")
	})
}

func TestEndSpan_RecordsError(t *testing.T) {
	tt := NewTestTelemetry()
	_, span := tt.Tracer(InstrumentationName).Start(context.Background(), "execution.phase")
	EndSpan(span, errors.New("boom"))

	spans := tt.SpanRecorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "execution.phase", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, []string{"execution.phase"}, tt.SpanNames())
}
