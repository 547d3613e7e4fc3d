package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(t *testing.T, reg prometheus.Registerer) (*Monitor, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts := []Option{WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))}
	if reg != nil {
		opts = append(opts, WithRegisterer(reg))
	}
	return NewMonitor(Config{FailureThreshold: 5, Cooldown: time.Minute}, opts...), clock
}

func TestMonitor_OpensAfterThreshold(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestMonitor(t, reg)

	fake := backend.FailingFake("p", backend.FromStatus("p", 503, "down"))
	guarded := m.Guard(fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := guarded.Complete(ctx, backend.Prompt("", "hi"))
		require.Error(t, err)
		assert.Equal(t, backend.KindTransient, backend.KindOf(err))
	}
	assert.Equal(t, 5, fake.Calls())

	st := m.Status("p")
	assert.False(t, st.IsHealthy)
	assert.Equal(t, 5, st.ConsecutiveFailures)
	assert.Equal(t, "open", st.State)
	assert.Contains(t, st.ErrorMessage, "down")

	// sixth call never reaches the backend
	_, err := guarded.Complete(ctx, backend.Prompt("", "hi"))
	assert.ErrorIs(t, err, backend.ErrCircuitOpen)
	assert.Equal(t, backend.KindCircuitOpen, backend.KindOf(err))
	assert.Equal(t, 5, fake.Calls())
	assert.False(t, m.Available("p"))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.healthy.WithLabelValues("p")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.metrics.failures.WithLabelValues("p")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.shortCircuits.WithLabelValues("p")))
}

func TestMonitor_TrialCallAfterCooldown(t *testing.T) {
	m, clock := newTestMonitor(t, nil)

	fail := true
	fake := backend.NewFake("p", func(context.Context, backend.Request, int) (string, error) {
		if fail {
			return "", backend.FromStatus("p", 500, "boom")
		}
		return "ok", nil
	})
	guarded := m.Guard(fake)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = guarded.Complete(ctx, backend.Request{})
	}
	require.False(t, m.Status("p").IsHealthy)

	clock.Advance(30 * time.Second)
	_, err := guarded.Complete(ctx, backend.Request{})
	assert.ErrorIs(t, err, backend.ErrCircuitOpen)

	// failed trial call re-opens and restarts the cooldown
	clock.Advance(31 * time.Second)
	assert.True(t, m.Available("p"))
	_, err = guarded.Complete(ctx, backend.Request{})
	assert.Equal(t, backend.KindTransient, backend.KindOf(err))
	assert.Equal(t, 6, fake.Calls())
	assert.Equal(t, "open", m.Status("p").State)

	clock.Advance(time.Minute)
	fail = false
	resp, err := guarded.Complete(ctx, backend.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	st := m.Status("p")
	assert.True(t, st.IsHealthy)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.ErrorMessage)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestMonitor_SingleTrialCall(t *testing.T) {
	m, clock := newTestMonitor(t, nil)
	for i := 0; i < 5; i++ {
		m.RecordFailure("p", errors.New("x"))
	}
	clock.Advance(2 * time.Minute)

	require.NoError(t, m.Allow("p"))
	assert.ErrorIs(t, m.Allow("p"), backend.ErrCircuitOpen)
	assert.Equal(t, "half-open", m.Status("p").State)

	m.RecordSuccess("p")
	assert.NoError(t, m.Allow("p"))
}

func TestMonitor_SuccessResetsCount(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	for i := 0; i < 4; i++ {
		m.RecordFailure("p", errors.New("x"))
	}
	m.RecordSuccess("p")
	for i := 0; i < 4; i++ {
		m.RecordFailure("p", errors.New("x"))
	}
	assert.True(t, m.Status("p").IsHealthy)
	assert.Equal(t, 4, m.Status("p").ConsecutiveFailures)
}

func TestMonitor_IgnoresCallerFaults(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	ctx := context.Background()

	invalid := m.Guard(backend.FailingFake("v", backend.FromStatus("v", 400, "bad request")))
	for i := 0; i < 10; i++ {
		_, _ = invalid.Complete(ctx, backend.Request{})
	}
	assert.True(t, m.Status("v").IsHealthy)
	assert.Zero(t, m.Status("v").ConsecutiveFailures)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	slow := m.Guard(backend.StaticFake("c", "late"))
	for i := 0; i < 10; i++ {
		_, err := slow.Complete(cctx, backend.Request{})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.True(t, m.Status("c").IsHealthy)
}

func TestMonitor_Snapshot(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	m.RecordSuccess("a")
	m.RecordFailure("b", errors.New("x"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap["a"].IsHealthy)
	assert.Equal(t, 1, snap["b"].ConsecutiveFailures)
}

func TestMonitor_GuardAllKeepsIdentity(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	bs := m.GuardAll([]backend.Backend{backend.StaticFake("a", "x"), backend.StaticFake("b", "y")})
	require.Len(t, bs, 2)
	assert.Equal(t, "a", bs[0].ID())
	assert.Equal(t, "b-model", bs[1].Model())
}
