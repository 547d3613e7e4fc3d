package modes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/batch"
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/retry"
	"github.com/fyrsmithlabs/chimera/internal/team"
)

var errAuth = &backend.Error{Kind: backend.KindAuth, StatusCode: 401, Message: "bad key"}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestDispatcher(t *testing.T, cfg Config, monitor *health.Monitor, bs ...backend.Backend) *Dispatcher {
	t.Helper()
	reg, err := backend.NewRegistry(bs...)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	d, err := NewDispatcher(cfg, Deps{
		Registry: reg,
		Health:   monitor,
		Retry:    retry.New(retry.Config{MaxRetries: 1}, retry.WithLogger(logger), retry.WithSleep(noSleep)),
		Batch:    batch.New(batch.Config{Width: 3}),
		Team:     team.NewAssembler(team.Config{}, logger),
		Logger:   logger,
	})
	require.NoError(t, err)
	return d
}

func input(mode plan.Mode, models ...string) plan.PhaseInput {
	return plan.PhaseInput{
		ExecutionID:     "exec-1",
		OriginalMessage: "design a rate limiter for the public API",
		Phase:           plan.Phase{ID: "phase-1", Mode: mode, Models: models, Status: plan.PhaseRunning},
	}
}

func userText(req backend.Request) string {
	return req.Messages[len(req.Messages)-1].Content
}

func TestDispatcher_EveryModeHasExecutor(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil, backend.StaticFake("a", "x"))
	for _, m := range plan.Modes() {
		ex, err := d.Executor(m)
		require.NoError(t, err, m)
		assert.Equal(t, m, ex.Mode())
	}
	_, err := d.Executor("ensemble")
	assert.ErrorIs(t, err, ErrUnknownMode)

	res, err := d.RunPhase(context.Background(), input("ensemble", "a"))
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, plan.PhaseFailed, res.Status)
}

func TestNewDispatcher_RequiresDeps(t *testing.T) {
	_, err := NewDispatcher(Config{}, Deps{})
	assert.Error(t, err)
}

func TestSingle(t *testing.T) {
	tests := []struct {
		name     string
		backends []backend.Backend
		models   []string
		want     string
		wantErr  bool
	}{
		{
			name:     "requested backend answers",
			backends: []backend.Backend{backend.StaticFake("a", "from a"), backend.StaticFake("b", "from b")},
			models:   []string{"b"},
			want:     "from b",
		},
		{
			name:     "absent backend falls back",
			backends: []backend.Backend{backend.StaticFake("a", "from a")},
			models:   []string{"gone"},
			want:     "from a",
		},
		{
			name:     "auth failure falls back",
			backends: []backend.Backend{backend.FailingFake("a", errAuth), backend.StaticFake("b", "from b")},
			models:   []string{"a"},
			want:     "from b",
		},
		{
			name:     "every backend fails",
			backends: []backend.Backend{backend.FailingFake("a", errAuth)},
			models:   []string{"a"},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, Config{}, nil, tt.backends...)
			res, err := d.RunPhase(context.Background(), input(plan.ModeSingle, tt.models...))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, plan.PhaseFailed, res.Status)
				assert.Equal(t, string(backend.KindAuth), res.ErrorKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, plan.PhaseCompleted, res.Status)
			assert.Equal(t, tt.want, res.Output)
			assert.Len(t, res.BackendsUsed, 1)
		})
	}
}

func TestSingle_CarriesOriginalMessageAndPriorResults(t *testing.T) {
	a := backend.StaticFake("a", "ok")
	d := newTestDispatcher(t, Config{SystemPrompt: "be brief"}, nil, a)

	in := input(plan.ModeSingle, "a")
	in.Prior = []plan.PhaseResult{
		{PhaseID: "p0", Mode: plan.ModeCouncil, Status: plan.PhaseCompleted, Output: "use a token bucket"},
	}
	_, err := d.RunPhase(context.Background(), in)
	require.NoError(t, err)

	req := a.Requests()[0]
	assert.Equal(t, "be brief", req.System)
	assert.Contains(t, userText(req), "design a rate limiter for the public API")
	assert.Contains(t, userText(req), "use a token bucket")
}

func TestSingle_SkipsOpenCircuit(t *testing.T) {
	monitor := health.NewMonitor(health.Config{FailureThreshold: 1, Cooldown: time.Hour})
	monitor.RecordFailure("a", errors.New("timeout"))

	a := backend.StaticFake("a", "from a")
	b := backend.StaticFake("b", "from b")
	d := newTestDispatcher(t, Config{}, monitor, a, b)

	res, err := d.RunPhase(context.Background(), input(plan.ModeSingle, "a"))
	require.NoError(t, err)
	assert.Equal(t, "from b", res.Output)
	assert.Equal(t, 0, a.Calls())
	assert.True(t, monitor.Status("b").IsHealthy)
}

func TestConsensus(t *testing.T) {
	tests := []struct {
		name  string
		votes []string
		want  float64
	}{
		{"none", nil, 0},
		{"one", []string{"yes"}, 1},
		{"identical", []string{"use redis", "use redis", "use redis", "use redis"}, 1},
		{"near duplicates", []string{"Use Redis.", "use redis", "USE REDIS!", "use  redis"}, 1},
		{"two camps", []string{"use redis", "use redis", "use postgres", "use postgres"}, 0.75},
		{"three camps", []string{"use redis", "use redis", "use postgres", "keep it in memory"}, 0.5},
		{"all different", []string{"alpha", "bravo", "charlie", "delta"}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Consensus(tt.votes), 1e-9)
		})
	}
}

func TestConsensus_DecreasesWithDiversity(t *testing.T) {
	votes := []string{"same", "same", "same", "same", "same"}
	prev := Consensus(votes)
	assert.Equal(t, 1.0, prev)
	for i, v := range []string{"one", "two", "three", "four"} {
		votes[i+1] = v
		score := Consensus(votes)
		assert.Less(t, score, prev)
		prev = score
	}
}

func TestCouncil_FirstRespondentWins(t *testing.T) {
	slow := backend.NewFake("slow", func(ctx context.Context, _ backend.Request, _ int) (string, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "use postgres", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	fast := backend.StaticFake("fast", "use redis")
	d := newTestDispatcher(t, Config{}, nil, slow, fast)

	var last atomic.Int32
	in := input(plan.ModeCouncil, "slow", "fast")
	in.Progress = func(p int) { last.Store(int32(p)) }
	res, err := d.RunPhase(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "use redis", res.Output)
	assert.Equal(t, []string{"fast", "slow"}, res.BackendsUsed)
	require.NotNil(t, res.Consensus)
	assert.InDelta(t, 0.5, *res.Consensus, 1e-9)
	assert.Equal(t, int32(80), last.Load())
}

func TestCouncil_Synthesize(t *testing.T) {
	voter := func(id string) *backend.Fake {
		return backend.NewFake(id, func(_ context.Context, req backend.Request, _ int) (string, error) {
			if req.System == synthesisSystem {
				return "merged answer", nil
			}
			return "vote " + id, nil
		})
	}
	a, b := voter("a"), voter("b")
	d := newTestDispatcher(t, Config{CouncilSynthesize: true}, nil, a, b)

	res, err := d.RunPhase(context.Background(), input(plan.ModeCouncil, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "merged answer", res.Output)
	assert.ElementsMatch(t, []string{"a", "b"}, res.BackendsUsed)

	var synth []backend.Request
	for _, r := range append(a.Requests(), b.Requests()...) {
		if r.System == synthesisSystem {
			synth = append(synth, r)
		}
	}
	require.Len(t, synth, 1)
	assert.Contains(t, userText(synth[0]), "vote a")
	assert.Contains(t, userText(synth[0]), "vote b")
}

func TestCouncil_SynthesisFailureKeepsFirstVote(t *testing.T) {
	voter := func(id string) *backend.Fake {
		return backend.NewFake(id, func(_ context.Context, req backend.Request, _ int) (string, error) {
			if req.System == synthesisSystem {
				return "", errAuth
			}
			return "same vote", nil
		})
	}
	d := newTestDispatcher(t, Config{CouncilSynthesize: true}, nil, voter("a"), voter("b"))

	res, err := d.RunPhase(context.Background(), input(plan.ModeCouncil, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "same vote", res.Output)
}

func TestCouncil_ToleratesLostVotes(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil,
		backend.FailingFake("a", errAuth),
		backend.StaticFake("b", "vote b"),
		backend.StaticFake("c", "vote b"),
	)
	res, err := d.RunPhase(context.Background(), input(plan.ModeCouncil, "a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, "vote b", res.Output)
	assert.Equal(t, 1.0, *res.Consensus)
	assert.ElementsMatch(t, []string{"b", "c"}, res.BackendsUsed)
}

func TestCouncil_AllVotesFail(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil, backend.FailingFake("a", errAuth), backend.FailingFake("b", errAuth))
	res, err := d.RunPhase(context.Background(), input(plan.ModeCouncil, "a", "b"))
	require.Error(t, err)
	assert.Equal(t, plan.PhaseFailed, res.Status)
}

func TestCouncil_CapsVoters(t *testing.T) {
	bs := []backend.Backend{
		backend.StaticFake("a", "x"), backend.StaticFake("b", "x"), backend.StaticFake("c", "x"),
	}
	d := newTestDispatcher(t, Config{CouncilMaxVoters: 2}, nil, bs...)
	res, err := d.RunPhase(context.Background(), input(plan.ModeCouncil, "a", "b", "c"))
	require.NoError(t, err)
	assert.Len(t, res.BackendsUsed, 2)
	assert.Equal(t, 0, bs[2].(*backend.Fake).Calls())
}

func TestDeliberation(t *testing.T) {
	tests := []struct {
		name          string
		reviews       []string
		maxRounds     int
		wantApproved  bool
		wantRounds    int
		wantGenerated int
	}{
		{"approved first review", []string{"APPROVED"}, 3, true, 1, 1},
		{"approval is case-insensitive", []string{"missing limits", "looks good, approved"}, 3, true, 2, 2},
		{"never approved stops at bound", []string{"still wrong"}, 3, false, 3, 3},
		{"single round bound", []string{"still wrong"}, 1, false, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := backend.NewFake("gen", func(_ context.Context, _ backend.Request, n int) (string, error) {
				return "draft " + string(rune('0'+n)), nil
			})
			rev := backend.ScriptedFake("rev", tt.reviews...)
			d := newTestDispatcher(t, Config{DeliberationMaxRounds: tt.maxRounds}, nil, gen, rev)

			res, err := d.RunPhase(context.Background(), input(plan.ModeDeliberation, "gen", "rev"))
			require.NoError(t, err)
			require.NotNil(t, res.Approved)
			assert.Equal(t, tt.wantApproved, *res.Approved)
			assert.True(t, res.Reviewed)
			assert.Equal(t, tt.wantRounds, res.Rounds)
			assert.LessOrEqual(t, res.Rounds, tt.maxRounds)
			assert.Equal(t, tt.wantGenerated, gen.Calls())
			assert.Equal(t, tt.wantRounds, rev.Calls())
			assert.Equal(t, "draft "+string(rune('0'+tt.wantGenerated-1)), res.Output)
		})
	}
}

func TestDeliberation_RevisionSeesFeedback(t *testing.T) {
	gen := backend.StaticFake("gen", "draft")
	rev := backend.ScriptedFake("rev", "add a burst limit", "APPROVED")
	d := newTestDispatcher(t, Config{}, nil, gen, rev)

	_, err := d.RunPhase(context.Background(), input(plan.ModeDeliberation, "gen", "rev"))
	require.NoError(t, err)
	reqs := gen.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, userText(reqs[1]), "add a burst limit")
}

func TestDeliberation_NoReviewer(t *testing.T) {
	gen := backend.StaticFake("gen", "only draft")
	d := newTestDispatcher(t, Config{}, nil, gen)

	res, err := d.RunPhase(context.Background(), input(plan.ModeDeliberation, "gen"))
	require.NoError(t, err)
	assert.Equal(t, "only draft", res.Output)
	assert.True(t, *res.Approved)
	assert.False(t, res.Reviewed)
	assert.Equal(t, 0, res.Rounds)
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		side      Side
		reasoning string
		ok        bool
	}{
		{"template", "VERDICT: con\nREASONING: fewer moving parts", SideCon, "fewer moving parts", true},
		{"lowercase and bold", "**Verdict:** Pro\nreasoning: clearer", SidePro, "clearer", true},
		{"no reasoning", "VERDICT: pro", SidePro, "", true},
		{"missing verdict", "I think con wins", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, reasoning, ok := ParseVerdict(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.side, side)
			assert.Equal(t, tt.reasoning, reasoning)
		})
	}
}

func TestDebate_JudgeDecides(t *testing.T) {
	pro := backend.NewFake("pro", func(_ context.Context, _ backend.Request, n int) (string, error) {
		return "pro argument " + string(rune('1'+n)), nil
	})
	con := backend.NewFake("con", func(_ context.Context, _ backend.Request, n int) (string, error) {
		return "con argument " + string(rune('1'+n)), nil
	})
	judge := backend.StaticFake("judge", "VERDICT: con\nREASONING: the con side addressed cost")
	d := newTestDispatcher(t, Config{DebateRounds: 2}, nil, pro, con, judge)

	res, err := d.RunPhase(context.Background(), input(plan.ModeDebate, "pro", "con", "judge"))
	require.NoError(t, err)
	assert.Equal(t, "con", res.Verdict)
	assert.Equal(t, "the con side addressed cost", res.Reasoning)
	assert.True(t, strings.HasPrefix(res.Output, "con argument 2"))
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"pro", "con", "judge"}, res.BackendsUsed)

	// rebuttals see the shared transcript
	assert.Contains(t, userText(con.Requests()[0]), "pro argument 1")
	assert.Contains(t, userText(pro.Requests()[1]), "con argument 1")
	assert.Contains(t, userText(judge.Requests()[0]), "con argument 2")
}

func TestDebate_NoJudgeDefaultsToPro(t *testing.T) {
	d := newTestDispatcher(t, Config{DebateRounds: 1}, nil,
		backend.StaticFake("pro", "pro case"),
		backend.StaticFake("con", "con case"),
	)
	res, err := d.RunPhase(context.Background(), input(plan.ModeDebate, "pro", "con"))
	require.NoError(t, err)
	assert.Equal(t, "pro", res.Verdict)
	assert.True(t, strings.HasPrefix(res.Output, "pro case"))
}

func TestDebate_UnparseableJudgeDefaultsToPro(t *testing.T) {
	d := newTestDispatcher(t, Config{DebateRounds: 1}, nil,
		backend.StaticFake("pro", "pro case"),
		backend.StaticFake("con", "con case"),
		backend.StaticFake("judge", "both were fine"),
	)
	res, err := d.RunPhase(context.Background(), input(plan.ModeDebate, "pro", "con", "judge"))
	require.NoError(t, err)
	assert.Equal(t, "pro", res.Verdict)
}

func TestDebate_NeedsTwoBackends(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil, backend.StaticFake("pro", "x"))
	_, err := d.RunPhase(context.Background(), input(plan.ModeDebate, "pro"))
	assert.ErrorIs(t, err, ErrNotEnoughBackends)
}

func swarmFake(id string, calls *atomic.Int32, fail func(req backend.Request) bool) *backend.Fake {
	return backend.NewFake(id, func(_ context.Context, req backend.Request, _ int) (string, error) {
		if req.System == leadSystem {
			return "final result from " + id, nil
		}
		if fail != nil && fail(req) {
			return "", errAuth
		}
		calls.Add(1)
		return strings.Repeat("work ", 40) + id, nil
	})
}

func TestSwarm(t *testing.T) {
	var calls atomic.Int32
	a, b, c := swarmFake("a", &calls, nil), swarmFake("b", &calls, nil), swarmFake("c", &calls, nil)
	d := newTestDispatcher(t, Config{SwarmOutputTrimChars: 50}, nil, a, b, c)

	in := input(plan.ModeSwarm, "a", "b", "c")
	in.Classification = plan.Classification{EstimatedSubtasks: 3}
	res, err := d.RunPhase(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, plan.PhaseCompleted, res.Status)
	assert.True(t, strings.HasPrefix(res.Output, "final result from"))
	assert.Equal(t, int32(3), calls.Load())

	var leadReq backend.Request
	for _, f := range []*backend.Fake{a, b, c} {
		for _, r := range f.Requests() {
			if r.System == leadSystem {
				leadReq = r
			}
		}
	}
	text := userText(leadReq)
	assert.Contains(t, text, "design a rate limiter for the public API")
	assert.Equal(t, 3, strings.Count(text, "[truncated]"), "every output is trimmed")
	assert.NotContains(t, text, strings.Repeat("work ", 40))

	require.Len(t, res.Tasks, 3)
	for _, task := range res.Tasks {
		assert.Equal(t, string(team.TaskComplete), task.Status, task.Type)
		assert.NotEmpty(t, task.Role)
		assert.NotEmpty(t, task.Member)
		assert.Empty(t, task.Error)
	}
}

func TestSwarm_ReleasesMembers(t *testing.T) {
	var calls atomic.Int32
	reg, err := backend.NewRegistry(swarmFake("a", &calls, nil), swarmFake("b", &calls, nil))
	require.NoError(t, err)
	asm := team.NewAssembler(team.Config{}, nil)
	d, err := NewDispatcher(Config{}, Deps{
		Registry: reg,
		Retry:    retry.New(retry.Config{}, retry.WithSleep(noSleep)),
		Batch:    batch.New(batch.Config{}),
		Team:     asm,
	})
	require.NoError(t, err)

	_, err = d.RunPhase(context.Background(), input(plan.ModeSwarm, "a", "b"))
	require.NoError(t, err)
	stats := asm.Stats()
	assert.Zero(t, stats[team.MemberWorking])
	assert.Zero(t, stats[team.MemberReviewing])
	assert.Positive(t, stats[team.MemberIdle])
}

func TestSwarm_ConcurrentPhasesShareAssembler(t *testing.T) {
	var calls atomic.Int32
	reg, err := backend.NewRegistry(swarmFake("a", &calls, nil), swarmFake("b", &calls, nil))
	require.NoError(t, err)
	asm := team.NewAssembler(team.Config{}, nil)
	d, err := NewDispatcher(Config{}, Deps{
		Registry: reg,
		Retry:    retry.New(retry.Config{}, retry.WithSleep(noSleep)),
		Batch:    batch.New(batch.Config{}),
		Team:     asm,
	})
	require.NoError(t, err)

	const runs = 4
	results := make([]plan.PhaseResult, runs)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := input(plan.ModeSwarm, "a", "b")
			in.Classification = plan.Classification{EstimatedSubtasks: 3}
			res, err := d.RunPhase(context.Background(), in)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	for _, res := range results {
		assert.Equal(t, plan.PhaseCompleted, res.Status)
		for _, task := range res.Tasks {
			assert.Equal(t, string(team.TaskComplete), task.Status)
		}
	}
	assert.Equal(t, int32(runs*3), calls.Load())
	assert.Zero(t, asm.Stats()[team.MemberWorking])
}

func TestSwarm_PartialFailure(t *testing.T) {
	var calls atomic.Int32
	failReview := func(req backend.Request) bool {
		return strings.Contains(userText(req), "Review the work")
	}
	d := newTestDispatcher(t, Config{}, nil, swarmFake("a", &calls, failReview), swarmFake("b", &calls, failReview))

	in := input(plan.ModeSwarm, "a", "b")
	in.Classification = plan.Classification{EstimatedSubtasks: 3}
	res, err := d.RunPhase(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, plan.PhaseCompleted, res.Status)
	assert.Equal(t, int32(2), calls.Load())

	status := map[string]string{}
	for _, task := range res.Tasks {
		status[task.Type] = task.Status
	}
	assert.Equal(t, map[string]string{
		string(team.TaskDesign):    string(team.TaskComplete),
		string(team.TaskImplement): string(team.TaskComplete),
		string(team.TaskReview):    string(team.TaskBlocked),
	}, status)
	for _, task := range res.Tasks {
		if task.Status == string(team.TaskBlocked) {
			assert.NotEmpty(t, task.Error)
		}
	}
}

func TestSwarm_AllTasksFail(t *testing.T) {
	d := newTestDispatcher(t, Config{}, nil, backend.FailingFake("a", errAuth))
	res, err := d.RunPhase(context.Background(), input(plan.ModeSwarm, "a"))
	require.Error(t, err)
	assert.Equal(t, plan.PhaseFailed, res.Status)
	assert.Equal(t, string(backend.KindAuth), res.ErrorKind)
	require.NotEmpty(t, res.Tasks)
	for _, task := range res.Tasks {
		assert.Equal(t, string(team.TaskBlocked), task.Status)
	}
}

func TestMergeLayers(t *testing.T) {
	layer := func(n int) []team.Task { return make([]team.Task, n) }
	layers := [][]team.Task{layer(1), layer(2), layer(1), layer(3)}

	assert.Len(t, MergeLayers(layers, 0), 4)
	assert.Len(t, MergeLayers(layers, 5), 4)

	merged := MergeLayers(layers, 2)
	require.Len(t, merged, 2)
	assert.Len(t, merged[0], 1)
	assert.Len(t, merged[1], 6)

	one := MergeLayers(layers, 1)
	require.Len(t, one, 1)
	assert.Len(t, one[0], 7)
}

func TestTrim(t *testing.T) {
	assert.Equal(t, "short", Trim("  short  ", 10))
	assert.Equal(t, "abc [truncated]", Trim("abcdef", 3))
	assert.Equal(t, "日本 [truncated]", Trim("日本語です", 2))
	assert.Equal(t, "abcdef", Trim("abcdef", 0))
}
