package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.DebugLevel
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := newLogger(cfg, &buf, nil)
	require.NoError(t, err)
	return l, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	ctx := WithExecutionID(context.Background(), "exec-1")
	ctx = WithPhaseID(ctx, "p1-council")
	l.Info(ctx, "phase started", zap.String("mode", "council"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "phase started", lines[0]["msg"])
	assert.Equal(t, "exec-1", lines[0]["execution.id"])
	assert.Equal(t, "p1-council", lines[0]["phase.id"])
	assert.Equal(t, "council", lines[0]["mode"])
	assert.Equal(t, "chimera", lines[0]["service"])
}

func TestLogger_TraceCorrelation(t *testing.T) {
	l, buf := newBufferLogger(t, nil)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	l.Warn(ctx, "backend slow")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, sc.TraceID().String(), lines[0]["trace_id"])
	assert.Equal(t, sc.SpanID().String(), lines[0]["span_id"])
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	l, buf := newBufferLogger(t, nil)
	ctx := context.Background()

	l.Info(ctx, "calling backend",
		zap.String("api_key", "sk-abcdefghijklmnopqrstuvwxyz"),
		zap.String("header", "Bearer abc.def.ghi"),
		zap.String("model", "gpt-4o"),
	)
	l.With(zap.String("token", "t0k3n")).Info(ctx, "child logger")
	l.Info(ctx, "secret helper", Secret("key", config.Secret("hunter2")))

	out := buf.String()
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.NotContains(t, out, "t0k3n")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "gpt-4o")
	assert.Contains(t, out, "[REDACTED:7]")
}

func TestLogger_RedactionDisabled(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Redaction.Enabled = false })
	l.Info(context.Background(), "raw", zap.String("api_key", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_SamplingNeverDropsErrors(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) {
		c.Sampling.Enabled = true
		c.Sampling.Initial = 1
		c.Sampling.Thereafter = 0
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Info(ctx, "repeated info")
		l.Error(ctx, "repeated error")
	}

	var infos, errs int
	for _, line := range decodeLines(t, buf) {
		switch line["msg"] {
		case "repeated info":
			infos++
		case "repeated error":
			errs++
		}
	}
	assert.Equal(t, 1, infos)
	assert.Equal(t, 10, errs)
}

func TestLogger_LevelFilter(t *testing.T) {
	l, buf := newBufferLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	l.Info(ctx, "hidden too")
	l.Warn(ctx, "shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.False(t, l.Enabled(zapcore.InfoLevel))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Info(ctx, "via context")
	tl.AssertLogged(t, zapcore.InfoLevel, "via context")
}

func TestTestLogger_AssertField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "retrying", zap.Int("attempt", 2), zap.String("backend", "a"))

	tl.AssertField(t, "retrying", "backend", "a")
	tl.AssertField(t, "retrying", "attempt", int64(2))
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "retrying")
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		err  bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LevelFromString(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console", Sampling: true}, false)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Sampling.Enabled)

	_, err = FromSettings(config.LoggingConfig{Level: "shout"}, false)
	assert.Error(t, err)

	_, err = FromSettings(config.LoggingConfig{Format: "xml"}, false)
	assert.Error(t, err)
}
