package modes

import (
	"context"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/batch"
	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// Council asks the same question of several backends in parallel. The
// answer is the first vote to arrive, or a synthesis of all votes by
// a lead backend when synthesis is enabled.
type Council struct {
	base
}

// Mode implements Executor.
func (*Council) Mode() plan.Mode { return plan.ModeCouncil }

type vote struct {
	backend string
	text    string
	order   int
}

// Execute implements Executor.
func (c *Council) Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	voters, err := c.need(in.Phase.Models, 1)
	if err != nil {
		return failed(in, err, nil)
	}
	if len(voters) > c.cfg.CouncilMaxVoters {
		voters = voters[:c.cfg.CouncilMaxVoters]
	}

	task := taskPrompt(in)
	req := backend.Prompt(c.cfg.SystemPrompt, task)
	var done atomic.Int32
	jobs := make([]batch.Job[vote], len(voters))
	for i, b := range voters {
		jobs[i] = func(ctx context.Context) (vote, error) {
			res := c.deps.Retry.Call(ctx, b, req)
			report(in, int(done.Add(1))*80/len(voters))
			if !res.OK() {
				return vote{}, res.Err
			}
			return vote{backend: b.ID(), text: res.Response.Text}, nil
		}
	}

	results := batch.Run(ctx, c.deps.Batch, jobs)
	votes := make([]vote, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			v := r.Value
			v.order = r.Order
			votes = append(votes, v)
		}
	}
	if len(votes) == 0 {
		return failed(in, batch.FirstError(results), ids(voters))
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].order < votes[j].order })
	if lost := len(results) - len(votes); lost > 0 {
		c.logger.Warn("council votes lost", zap.Int("lost", lost), zap.Int("votes", len(votes)))
	}

	texts := make([]string, len(votes))
	used := make([]string, 0, len(votes)+1)
	for i, v := range votes {
		texts[i] = v.text
		used = append(used, v.backend)
	}
	score := Consensus(texts)
	output := votes[0].text

	if c.cfg.CouncilSynthesize && len(votes) > 1 {
		report(in, 85)
		res := c.deps.Retry.Do(ctx, leadOrder(voters, used), backend.Prompt(synthesisSystem, synthesisPrompt(task, texts)))
		if res.OK() {
			output = res.Response.Text
			used = appendUnique(used, res.Backend)
		} else {
			c.logger.Warn("council synthesis failed, using first vote", zap.Error(res.Err))
		}
	}

	out := completed(in, output, used)
	out.Consensus = &score
	return out, nil
}

// leadOrder puts voters in respondent order, so the first to answer leads
// the synthesis, with non-respondents as fallbacks.
func leadOrder(voters []backend.Backend, respondents []string) []backend.Backend {
	byID := make(map[string]backend.Backend, len(voters))
	for _, v := range voters {
		byID[v.ID()] = v
	}
	out := make([]backend.Backend, 0, len(voters))
	seen := make(map[string]bool, len(voters))
	for _, id := range respondents {
		if b, ok := byID[id]; ok && !seen[id] {
			out = append(out, b)
			seen[id] = true
		}
	}
	for _, v := range voters {
		if !seen[v.ID()] {
			out = append(out, v)
		}
	}
	return out
}
