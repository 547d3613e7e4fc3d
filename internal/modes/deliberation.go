package modes

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// Deliberation runs a generator/reviewer loop. The generator drafts, the
// reviewer approves or lists issues, and the generator revises, for at
// most DeliberationMaxRounds reviews.
type Deliberation struct {
	base
}

// Mode implements Executor.
func (*Deliberation) Mode() plan.Mode { return plan.ModeDeliberation }

// IsApproved reports whether a review approves the draft.
func IsApproved(review string) bool {
	return strings.Contains(strings.ToUpper(review), "APPROVED")
}

// Execute implements Executor.
func (d *Deliberation) Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	cands := d.pool(in.Phase.Models, true)
	if len(cands) == 0 {
		return failed(in, backend.ErrNoBackends, nil)
	}
	generators := cands
	var reviewer backend.Backend
	if len(cands) > 1 {
		// the reviewer never grades its own draft
		reviewer = cands[1]
		generators = append([]backend.Backend{cands[0]}, cands[2:]...)
	}

	task := taskPrompt(in)
	gen := d.deps.Retry.Do(ctx, generators, backend.Prompt(generatorSystem, task))
	if !gen.OK() {
		return failed(in, gen.Err, nil)
	}
	draft := gen.Response.Text
	used := []string{gen.Backend}
	approved, reviewed := false, false
	rounds := 0

	if reviewer == nil {
		d.logger.Debug("no reviewer available, accepting first draft")
		approved = true
	}

	maxRounds := d.cfg.DeliberationMaxRounds
	for round := 1; reviewer != nil && round <= maxRounds; round++ {
		rounds = round
		report(in, round*90/(maxRounds+1))

		rev := d.deps.Retry.Call(ctx, reviewer, backend.Prompt(reviewerSystem, reviewPrompt(task, draft)))
		if !rev.OK() {
			d.logger.Warn("reviewer failed, keeping current draft",
				zap.Int("round", round),
				zap.Error(rev.Err),
			)
			break
		}
		used = appendUnique(used, rev.Backend)
		reviewed = true
		if IsApproved(rev.Response.Text) {
			approved = true
			break
		}
		if round == maxRounds {
			break
		}

		next := d.deps.Retry.Do(ctx, generators, backend.Prompt(generatorSystem, revisePrompt(task, draft, rev.Response.Text)))
		if !next.OK() {
			d.logger.Warn("revision failed, keeping current draft",
				zap.Int("round", round),
				zap.Error(next.Err),
			)
			break
		}
		draft = next.Response.Text
		used = appendUnique(used, next.Backend)
	}

	out := completed(in, draft, used)
	out.Approved = &approved
	out.Reviewed = reviewed
	out.Rounds = rounds
	return out, nil
}
