// Package modes implements the multi-backend execution algorithms a phase
// can run in: single, council, deliberation, debate and swarm.
//
// Every mode is reached through the closed Executor interface and selected
// by Dispatcher with an exhaustive switch over plan.Mode. Backend calls go
// through the retry runner, so a mode only sees typed retry.Result values,
// and through the health monitor when one is configured, so backends with
// an open circuit are skipped before any call is made.
package modes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/batch"
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/retry"
	"github.com/fyrsmithlabs/chimera/internal/team"
)

var (
	// ErrUnknownMode is returned for a mode with no executor.
	ErrUnknownMode = errors.New("unknown execution mode")
	// ErrNotEnoughBackends is returned when a mode cannot field the
	// backends it needs.
	ErrNotEnoughBackends = errors.New("not enough available backends")
)

// Executor runs one phase in one mode. The interface is sealed; the only
// implementations live in this package.
type Executor interface {
	Mode() plan.Mode
	Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error)
	sealed()
}

// Config tunes the mode algorithms.
type Config struct {
	// SystemPrompt is sent with every single-mode call and council vote.
	SystemPrompt string
	// CouncilSynthesize has a lead backend merge all votes instead of
	// taking the first respondent.
	CouncilSynthesize bool
	// CouncilMaxVoters caps council fan-out.
	CouncilMaxVoters int
	// DeliberationMaxRounds bounds reviewer rounds.
	DeliberationMaxRounds int
	// DebateRounds is the number of pro/con exchanges.
	DebateRounds int
	// SwarmOutputTrimChars caps each task output inside the synthesis prompt.
	SwarmOutputTrimChars int
	// SwarmMaxParallelLayers caps how many dependency layers run as separate
	// batches. Deeper layers are merged into the last allowed one. Zero
	// keeps every layer.
	SwarmMaxParallelLayers int
}

// DefaultSystemPrompt is used when Config.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a careful senior engineer. Answer the task directly and completely. " +
	"Do not mention that you are part of a larger system."

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.CouncilMaxVoters <= 0 {
		c.CouncilMaxVoters = 5
	}
	if c.DeliberationMaxRounds <= 0 {
		c.DeliberationMaxRounds = 3
	}
	if c.DebateRounds <= 0 {
		c.DebateRounds = 2
	}
	if c.SwarmOutputTrimChars <= 0 {
		c.SwarmOutputTrimChars = 1500
	}
	if c.SwarmMaxParallelLayers < 0 {
		c.SwarmMaxParallelLayers = 0
	}
}

// Deps are the collaborators shared by every mode.
type Deps struct {
	Registry *backend.Registry
	// Health is optional. When set, candidates with an open circuit are
	// skipped and every call is recorded.
	Health *health.Monitor
	Retry  *retry.Runner
	Batch  *batch.Runner
	Team   *team.Assembler
	Logger *zap.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Registry == nil:
		return errors.New("modes: backend registry is required")
	case d.Retry == nil:
		return errors.New("modes: retry runner is required")
	case d.Batch == nil:
		return errors.New("modes: batch runner is required")
	case d.Team == nil:
		return errors.New("modes: team assembler is required")
	}
	return nil
}

// base carries what every executor needs.
type base struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func (base) sealed() {}

// pool resolves ids to callable backends in order, keeping only those whose
// circuit admits calls. With fallback the remaining registered backends
// follow the named ones.
func (b *base) pool(ids []string, fallback bool) []backend.Backend {
	var keep func(string) bool
	if b.deps.Health != nil {
		keep = b.deps.Health.Available
	}
	cands := b.deps.Registry.Resolve(ids, fallback, keep)
	if b.deps.Health != nil {
		cands = b.deps.Health.GuardAll(cands)
	}
	return cands
}

// need returns at least n candidates, widening to every registered backend
// when the named ones fall short.
func (b *base) need(ids []string, n int) ([]backend.Backend, error) {
	cands := b.pool(ids, false)
	if len(cands) < n {
		cands = b.pool(ids, true)
	}
	if len(cands) < n {
		return cands, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughBackends, n, len(cands))
	}
	return cands, nil
}

func report(in plan.PhaseInput, pct int) {
	if in.Progress != nil {
		in.Progress(pct)
	}
}

func completed(in plan.PhaseInput, output string, used []string) plan.PhaseResult {
	return plan.PhaseResult{
		PhaseID:      in.Phase.ID,
		Mode:         in.Phase.Mode,
		Status:       plan.PhaseCompleted,
		Output:       output,
		BackendsUsed: used,
	}
}

func failed(in plan.PhaseInput, err error, used []string) (plan.PhaseResult, error) {
	return plan.PhaseResult{
		PhaseID:      in.Phase.ID,
		Mode:         in.Phase.Mode,
		Status:       plan.PhaseFailed,
		Error:        err.Error(),
		ErrorKind:    string(backend.KindOf(err)),
		BackendsUsed: used,
	}, err
}

func ids(bs []backend.Backend) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.ID()
	}
	return out
}

// appendUnique adds id to used unless already present.
func appendUnique(used []string, id string) []string {
	for _, u := range used {
		if u == id {
			return used
		}
	}
	return append(used, id)
}

// Trim shortens s to at most n runes, marking the cut.
func Trim(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + " [truncated]"
}

// priorTrimChars caps each earlier phase output carried into a prompt.
const priorTrimChars = 2000

// taskPrompt is the user turn every mode starts from: the original request
// plus the outputs of earlier phases.
func taskPrompt(in plan.PhaseInput) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(in.OriginalMessage)
	done := 0
	for _, p := range in.Prior {
		if p.Status != plan.PhaseCompleted || p.Output == "" {
			continue
		}
		if done == 0 {
			b.WriteString("\n\nResults of earlier phases:")
		}
		done++
		fmt.Fprintf(&b, "\n\n[%s]\n%s", p.Mode, Trim(p.Output, priorTrimChars))
	}
	return b.String()
}

// Dispatcher selects the executor for a phase's mode.
type Dispatcher struct {
	single       *Single
	council      *Council
	deliberation *Deliberation
	debate       *Debate
	swarm        *Swarm
	logger       *zap.Logger
}

// NewDispatcher builds every executor over deps.
func NewDispatcher(cfg Config, deps Deps) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("modes")
	b := func(mode plan.Mode) base {
		return base{cfg: cfg, deps: deps, logger: logger.With(zap.String("mode", string(mode)))}
	}
	return &Dispatcher{
		single:       &Single{base: b(plan.ModeSingle)},
		council:      &Council{base: b(plan.ModeCouncil)},
		deliberation: &Deliberation{base: b(plan.ModeDeliberation)},
		debate:       &Debate{base: b(plan.ModeDebate)},
		swarm:        &Swarm{base: b(plan.ModeSwarm)},
		logger:       logger,
	}, nil
}

// Executor returns the executor for m.
func (d *Dispatcher) Executor(m plan.Mode) (Executor, error) {
	switch m {
	case plan.ModeSingle:
		return d.single, nil
	case plan.ModeCouncil:
		return d.council, nil
	case plan.ModeDeliberation:
		return d.deliberation, nil
	case plan.ModeDebate:
		return d.debate, nil
	case plan.ModeSwarm:
		return d.swarm, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
}

// RunPhase runs in.Phase with its mode's executor.
func (d *Dispatcher) RunPhase(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	ex, err := d.Executor(in.Phase.Mode)
	if err != nil {
		return failed(in, err, nil)
	}
	res, err := ex.Execute(ctx, in)
	res.PhaseID = in.Phase.ID
	res.Mode = in.Phase.Mode
	if err != nil {
		res.Status = plan.PhaseFailed
		if res.Error == "" {
			res.Error = err.Error()
		}
		return res, err
	}
	if res.Status == "" {
		res.Status = plan.PhaseCompleted
	}
	return res, nil
}
