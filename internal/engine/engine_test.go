package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/fyrsmithlabs/chimera/internal/events"
	"github.com/fyrsmithlabs/chimera/internal/execution"
	"github.com/fyrsmithlabs/chimera/internal/logging"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

type fixture struct {
	engine *Engine
	events *events.Recorder
	logs   *logging.TestLogger
}

func newFixture(t *testing.T, cfg *config.Config, bs ...backend.Backend) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	f := &fixture{events: &events.Recorder{}, logs: logging.NewTestLogger()}
	e, err := New(context.Background(), cfg,
		WithBackends(bs...),
		WithStore(execution.NewMemoryStore()),
		WithPublisher(f.events),
		WithLogger(f.logs.Logger),
		WithRetryOptions(retry.WithSleep(noSleep)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	f.engine = e
	return f
}

func TestNew(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.Batch.Width = 0
		_, err := New(context.Background(), cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "batch.width")
	})

	t.Run("unknown role binding", func(t *testing.T) {
		cfg := config.Default()
		cfg.Team.Bindings = map[string]config.RoleBinding{"janitor": {Backend: "a"}}
		_, err := New(context.Background(), cfg, WithBackends(backend.StaticFake("a", "x")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "janitor")
	})

	t.Run("duplicate backends", func(t *testing.T) {
		_, err := New(context.Background(), nil,
			WithBackends(backend.StaticFake("a", "x"), backend.StaticFake("a", "y")))
		assert.Error(t, err)
	})

	t.Run("badger store", func(t *testing.T) {
		cfg := config.Default()
		cfg.Store = config.StoreConfig{Kind: config.StoreBadger, Path: t.TempDir()}
		e, err := New(context.Background(), cfg, WithBackends(backend.StaticFake("a", "x")))
		require.NoError(t, err)
		assert.NoError(t, e.Shutdown(context.Background()))
	})

	t.Run("logs startup", func(t *testing.T) {
		f := newFixture(t, nil, backend.StaticFake("a", "x"))
		f.logs.AssertLogged(t, zapcore.InfoLevel, "engine initialized")
	})
}

func TestEnginesShareNothing(t *testing.T) {
	one := newFixture(t, nil, backend.StaticFake("a", "x"))
	two := newFixture(t, nil, backend.StaticFake("b", "y"))

	assert.Equal(t, []string{"a"}, one.engine.AvailableBackends())
	assert.Equal(t, []string{"b"}, two.engine.AvailableBackends())
	assert.NotSame(t, one.engine.Tools(), two.engine.Tools())
}

func TestRespond(t *testing.T) {
	fake := backend.StaticFake("a", "The footer typo is fixed.")
	f := newFixture(t, nil, fake)

	resp, err := f.engine.Respond(context.Background(), Request{Message: "fix the typo in footer"})
	require.NoError(t, err)

	assert.Equal(t, string(execution.StatusCompleted), resp.Status)
	assert.Equal(t, "The footer typo is fixed.", resp.Text)
	assert.Equal(t, "en", string(resp.Language))
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Nil(t, resp.Clarification)
	assert.Equal(t, 2, fake.Calls(), "one phase call and one finalize call")

	types := f.events.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.ExecutionCreated, types[0])
	assert.Equal(t, events.ExecutionCompleted, types[len(types)-1])

	got, err := f.engine.Execution(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
}

func TestRespondValidation(t *testing.T) {
	f := newFixture(t, nil, backend.StaticFake("a", "x"))

	_, err := f.engine.Respond(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.Respond(context.Background(), Request{Message: "hi", IdempotencyKey: strings.Repeat("k", 300)})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRespondClarification(t *testing.T) {
	fake := backend.StaticFake("a", "done")
	f := newFixture(t, nil, fake)

	resp, err := f.engine.Respond(context.Background(), Request{Message: "delete all user data"})
	require.NoError(t, err)
	assert.Equal(t, StatusClarification, resp.Status)
	require.NotNil(t, resp.Clarification)
	require.Len(t, resp.Clarification.Questions, 1)
	assert.True(t, strings.HasPrefix(resp.Text, "Before I start"))
	assert.Contains(t, resp.Text, "1. ")
	assert.Empty(t, resp.ExecutionID)
	assert.Zero(t, fake.Calls(), "no backend call before the user answers")

	resp, err = f.engine.Respond(context.Background(), Request{Message: "delete all user data", Confirmed: true})
	require.NoError(t, err)
	assert.Equal(t, string(execution.StatusCompleted), resp.Status)
	assert.Positive(t, fake.Calls())
}

func TestRespondClarificationThreshold(t *testing.T) {
	cfg := config.Default()
	cfg.Ambiguity.BlockSeverity = "never"
	f := newFixture(t, cfg, backend.StaticFake("a", "done"))

	resp, err := f.engine.Respond(context.Background(), Request{Message: "delete all user data"})
	require.NoError(t, err)
	assert.Nil(t, resp.Clarification)
	assert.Equal(t, string(execution.StatusCompleted), resp.Status)
}

func TestRespondSeverityOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Ambiguity.SeverityOverrides = map[string]string{"scopeless-destructive": "low"}
	f := newFixture(t, cfg, backend.StaticFake("a", "done"))

	resp, err := f.engine.Respond(context.Background(), Request{Message: "delete all user data"})
	require.NoError(t, err)
	assert.Nil(t, resp.Clarification)
	assert.Equal(t, string(execution.StatusCompleted), resp.Status)
}

func TestAmbiguityConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AmbiguityConfig
		want string
	}{
		{"unknown disabled rule", config.AmbiguityConfig{DisabledRules: []string{"nope"}}, "disabled_rules"},
		{"unknown override rule", config.AmbiguityConfig{SeverityOverrides: map[string]string{"nope": "low"}}, "severity_overrides"},
		{"bad override severity", config.AmbiguityConfig{SeverityOverrides: map[string]string{"vague-object": "huge"}}, "vague-object"},
		{"never as override", config.AmbiguityConfig{SeverityOverrides: map[string]string{"vague-object": "never"}}, "blocking threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Ambiguity.DisabledRules = tt.cfg.DisabledRules
			cfg.Ambiguity.SeverityOverrides = tt.cfg.SeverityOverrides
			_, err := New(context.Background(), cfg, WithBackends(backend.StaticFake("a", "x")))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRespondFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		want    string
	}{
		{
			name:    "auth",
			err:     backend.FromStatus("a", 401, "invalid x-api-key"),
			message: "fix the typo in footer",
			want:    "Sorry, I could not complete this request.",
		},
		{
			name:    "rate limited",
			err:     backend.FromStatus("a", 429, "slow down"),
			message: "fix the typo in footer",
			want:    "too many requests",
		},
		{
			name:    "spanish",
			err:     backend.FromStatus("a", 500, "boom"),
			message: "¿Cómo puedo arreglar el error de la página?",
			want:    "Lo siento",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, backend.FailingFake("a", tt.err))

			resp, err := f.engine.Respond(context.Background(), Request{Message: tt.message})
			require.NoError(t, err)
			assert.Equal(t, string(execution.StatusFailed), resp.Status)
			assert.Contains(t, resp.Text, tt.want)
			assert.NotContains(t, resp.Text, "401")
			assert.NotContains(t, resp.Text, "boom")
			assert.NotEmpty(t, resp.ExecutionID)
		})
	}
}

func TestRespondNoBackends(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.engine.Respond(context.Background(), Request{Message: "fix the typo in footer"})
	require.NoError(t, err)
	assert.Equal(t, string(execution.StatusFailed), resp.Status)
	assert.Contains(t, resp.Text, "No model provider is available")
	assert.Empty(t, resp.ExecutionID)
}

func TestRespondIdempotency(t *testing.T) {
	fake := backend.StaticFake("a", "Fixed.")
	f := newFixture(t, nil, fake)
	req := Request{Message: "fix the typo in footer", IdempotencyKey: "req-1"}

	first, err := f.engine.Respond(context.Background(), req)
	require.NoError(t, err)
	calls := fake.Calls()

	second, err := f.engine.Respond(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.True(t, second.Cached)
	assert.Equal(t, calls+1, fake.Calls(), "only the finalize call repeats")

	// the key wins over a new message, even one that would need clarification
	third, err := f.engine.Respond(context.Background(), Request{Message: "delete all user data", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, third.ExecutionID)
	assert.Equal(t, string(execution.StatusCompleted), third.Status)
	assert.Nil(t, third.Clarification)
	assert.True(t, third.Cached)
	assert.Equal(t, first.Text, third.Text)
}

func TestRespondIdempotencyWithoutBackends(t *testing.T) {
	f := newFixture(t, nil, backend.StaticFake("a", "Fixed."))
	first, err := f.engine.Respond(context.Background(), Request{Message: "fix the typo in footer", IdempotencyKey: "req-2"})
	require.NoError(t, err)
	require.Equal(t, string(execution.StatusCompleted), first.Status)

	// trip every breaker; the stored execution still owns the key
	for _, st := range f.engine.Health() {
		for range f.engine.Config().Health.FailureThreshold {
			f.engine.health.RecordFailure(st.Provider, errors.New("down"))
		}
	}
	require.Empty(t, f.engine.AvailableBackends())

	again, err := f.engine.Respond(context.Background(), Request{Message: "something else entirely", IdempotencyKey: "req-2"})
	require.NoError(t, err)
	assert.Equal(t, first.ExecutionID, again.ExecutionID)
	assert.True(t, again.Cached)
}

func TestBuildAndRunPlan(t *testing.T) {
	f := newFixture(t, nil, backend.StaticFake("a", "alpha"), backend.StaticFake("b", "beta"))
	e := f.engine
	msg := "refactor the entire billing module and add tests"

	in := e.AnalyzeIntent(msg)
	assert.Empty(t, e.DetectAmbiguities(msg, in))
	cls := e.Classify(in, msg)
	p, err := e.BuildPlan(in, cls, msg)
	require.NoError(t, err)
	require.NotEmpty(t, p.Phases)

	res, err := e.RunPlan(context.Background(), p, "")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, res.Status)
	assert.Equal(t, plan.StatusCompleted, res.PlanStatus)
	assert.Len(t, res.Phases, len(p.Phases))

	again, err := e.Resume(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.True(t, again.Cached)
}

func TestHealth(t *testing.T) {
	cfg := config.Default()
	cfg.Health.FailureThreshold = 1
	bad := backend.FailingFake("a", backend.FromStatus("a", 503, "overloaded"))
	good := backend.StaticFake("b", "fine")
	f := newFixture(t, cfg, bad, good)

	_, err := f.engine.Respond(context.Background(), Request{Message: "fix the typo in footer"})
	require.NoError(t, err)

	statuses := f.engine.Health()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Provider)
	assert.False(t, statuses[0].IsHealthy)
	assert.True(t, statuses[1].IsHealthy)
	assert.Equal(t, []string{"b"}, f.engine.AvailableBackends())

	n, err := testutil.GatherAndCount(f.engine.Gatherer())
	require.NoError(t, err)
	assert.Positive(t, n)
}
