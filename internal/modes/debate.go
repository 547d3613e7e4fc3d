package modes

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// Side is a debate position.
type Side string

const (
	SidePro Side = "pro"
	SideCon Side = "con"
)

// Turn is one argument in a debate transcript.
type Turn struct {
	Round int
	Side  Side
	Text  string
}

// Debate has two backends argue pro and con over a shared transcript and a
// third judge the result. Without a judge the verdict is pro.
type Debate struct {
	base
}

// Mode implements Executor.
func (*Debate) Mode() plan.Mode { return plan.ModeDebate }

var (
	verdictRe   = regexp.MustCompile(`(?im)^\s*\**\s*VERDICT\s*\**\s*:\s*\**\s*(pro|con)\b`)
	reasoningRe = regexp.MustCompile(`(?is)REASONING\s*\**\s*:\s*(.+)`)
)

// ParseVerdict reads the judge template. ok is false when no verdict line
// is present.
func ParseVerdict(text string) (side Side, reasoning string, ok bool) {
	m := verdictRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	side = Side(strings.ToLower(m[1]))
	if r := reasoningRe.FindStringSubmatch(text); r != nil {
		reasoning = strings.TrimSpace(r[1])
	}
	return side, reasoning, true
}

// Execute implements Executor.
func (d *Debate) Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	cands, err := d.need(in.Phase.Models, 2)
	if err != nil {
		return failed(in, err, ids(cands))
	}
	debaters := map[Side]backend.Backend{SidePro: cands[0], SideCon: cands[1]}
	var judge backend.Backend
	if len(cands) > 2 {
		judge = cands[2]
	}

	task := taskPrompt(in)
	rounds := d.cfg.DebateRounds
	transcript := make([]Turn, 0, rounds*2)
	last := map[Side]string{}
	steps := rounds*2 + 1

	for round := 1; round <= rounds; round++ {
		for _, side := range []Side{SidePro, SideCon} {
			res := d.deps.Retry.Call(ctx, debaters[side], backend.Prompt(d.cfg.SystemPrompt, debatePrompt(task, side, transcript)))
			if !res.OK() {
				return failed(in, fmt.Errorf("%s side, round %d: %w", side, round, res.Err), ids(cands))
			}
			transcript = append(transcript, Turn{Round: round, Side: side, Text: res.Response.Text})
			last[side] = res.Response.Text
			report(in, len(transcript)*90/steps)
		}
	}

	used := []string{debaters[SidePro].ID(), debaters[SideCon].ID()}
	verdict, reasoning := SidePro, "No judge was available; the pro position stands by default."
	if judge != nil {
		res := d.deps.Retry.Call(ctx, judge, backend.Prompt(judgeSystem, judgePrompt(task, transcript)))
		switch {
		case !res.OK():
			d.logger.Warn("judge failed, defaulting to pro")
		default:
			used = append(used, judge.ID())
			if side, why, ok := ParseVerdict(res.Response.Text); ok {
				verdict, reasoning = side, why
			} else {
				d.logger.Warn("judge reply did not follow the verdict template, defaulting to pro")
				reasoning = strings.TrimSpace(res.Response.Text)
			}
		}
	}

	output := last[verdict]
	if reasoning != "" {
		output += "\n\n" + reasoning
	}
	out := completed(in, output, used)
	out.Verdict = string(verdict)
	out.Reasoning = reasoning
	out.Rounds = rounds
	return out, nil
}
