package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestRunner(t *testing.T, cfg Config, opts ...Option) (*Runner, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return New(cfg, opts...), rec
}

// failN fails the first n calls with err, then answers text.
func failN(id string, n int, err error, text string) *backend.Fake {
	return backend.NewFake(id, func(_ context.Context, _ backend.Request, i int) (string, error) {
		if i < n {
			return "", err
		}
		return text, nil
	})
}

func states(res Result) []State {
	out := make([]State, len(res.Transitions))
	for i, tr := range res.Transitions {
		out[i] = tr.To
	}
	return out
}

func TestRunner_RetriesTransientWithBackoff(t *testing.T) {
	r, rec := newTestRunner(t, Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2})
	b := failN("a", 2, backend.FromStatus("a", 503, "busy"), "ok")

	res := r.Call(context.Background(), b, backend.Prompt("", "hi"))
	require.True(t, res.OK())
	assert.Equal(t, "ok", res.Response.Text)
	assert.Equal(t, "a", res.Backend)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.delays)
	assert.Equal(t, []State{StateAttempt, StateRetry, StateAttempt, StateRetry, StateAttempt, StateDone}, states(res))
}

func TestRunner_BackoffCapped(t *testing.T) {
	r, rec := newTestRunner(t, Config{MaxRetries: 4, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, Multiplier: 2})
	b := backend.FailingFake("a", backend.FromStatus("a", 500, "boom"))

	res := r.Call(context.Background(), b, backend.Request{})
	require.False(t, res.OK())
	assert.Equal(t, backend.KindTransient, res.Kind)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, rec.delays)
}

func TestRunner_Transitions(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     []State
		attempts int
		used     int // calls that reached the fallback backend
	}{
		{
			name:     "auth falls back without retry",
			err:      backend.FromStatus("a", 401, "bad key"),
			want:     []State{StateAttempt, StateFallback, StateAttempt, StateDone},
			attempts: 2,
			used:     1,
		},
		{
			name:     "circuit open falls back",
			err:      backend.CircuitOpen("a", "cooling"),
			want:     []State{StateAttempt, StateFallback, StateAttempt, StateDone},
			attempts: 2,
			used:     1,
		},
		{
			name:     "validation fails immediately",
			err:      backend.FromStatus("a", 400, "malformed"),
			want:     []State{StateAttempt, StateFail},
			attempts: 1,
			used:     0,
		},
		{
			name:     "exhausted transient falls back",
			err:      backend.FromStatus("a", 502, "gateway"),
			want:     []State{StateAttempt, StateRetry, StateAttempt, StateFallback, StateAttempt, StateDone},
			attempts: 3,
			used:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRunner(t, Config{MaxRetries: 1})
			a := backend.FailingFake("a", tt.err)
			b := backend.StaticFake("b", "from b")

			res := r.Do(context.Background(), []backend.Backend{a, b}, backend.Request{})
			assert.Equal(t, tt.want, states(res))
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, tt.used, b.Calls())
		})
	}
}

func TestRunner_AllCandidatesFail(t *testing.T) {
	r, _ := newTestRunner(t, Config{MaxRetries: -1})
	a := backend.FailingFake("a", backend.FromStatus("a", 500, "x"))
	b := backend.FailingFake("b", backend.FromStatus("b", 429, "slow down"))

	res := r.Do(context.Background(), []backend.Backend{a, b}, backend.Request{})
	require.Error(t, res.Err)
	assert.True(t, res.RateLimited())
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, StateFail, res.Transitions[len(res.Transitions)-1].To)
}

func TestRunner_NoCandidates(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	res := r.Do(context.Background(), nil, backend.Request{})
	assert.ErrorIs(t, res.Err, backend.ErrNoBackends)
	assert.Zero(t, res.Attempts)
}

func TestRunner_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{MaxRetries: 3}, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	b := backend.FailingFake("a", errors.New("reset by peer"))

	res := r.Call(ctx, b, backend.Request{})
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, b.Calls())
	assert.Empty(t, res.Kind)
}

func TestRunner_RateLimitLoggedDistinctly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r, _ := newTestRunner(t, Config{MaxRetries: 1}, WithLogger(zap.New(core)))
	b := failN("a", 1, backend.FromStatus("a", 429, "slow"), "ok")

	res := r.Call(context.Background(), b, backend.Request{})
	require.True(t, res.OK())
	assert.Equal(t, 1, logs.FilterMessage("backend rate limited, backing off").Len())
	assert.Zero(t, logs.FilterMessage("retrying backend call").Len())
}

func TestRunner_RecordsMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m, err := telemetry.NewMetrics(tel.Meter("test"))
	require.NoError(t, err)

	r, _ := newTestRunner(t, Config{MaxRetries: 2}, WithMetrics(m))
	b := failN("a", 2, backend.FromStatus("a", 503, "x"), "ok")
	res := r.Call(context.Background(), b, backend.Request{})
	require.True(t, res.OK())

	assert.Equal(t, int64(3), tel.CounterValue(t, "chimera.backend.calls"))
	assert.Equal(t, int64(2), tel.CounterValue(t, "chimera.retry.attempts"))
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, DefaultConfig(), c)

	c = Config{MaxRetries: -2, InitialBackoff: time.Second, MaxBackoff: time.Millisecond}
	c.ApplyDefaults()
	assert.Zero(t, c.MaxRetries)
	assert.Equal(t, time.Second, c.MaxBackoff)
}
