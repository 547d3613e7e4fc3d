package modes

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// Single answers with one backend call. When the phase's backend is absent
// or failing, the remaining registered backends are tried in order.
type Single struct {
	base
}

// Mode implements Executor.
func (*Single) Mode() plan.Mode { return plan.ModeSingle }

// Execute implements Executor.
func (s *Single) Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	cands := s.pool(in.Phase.Models, true)
	if len(cands) == 0 {
		return failed(in, backend.ErrNoBackends, nil)
	}

	report(in, 10)
	res := s.deps.Retry.Do(ctx, cands, backend.Prompt(s.cfg.SystemPrompt, taskPrompt(in)))
	if !res.OK() {
		return failed(in, res.Err, nil)
	}
	if len(in.Phase.Models) > 0 && res.Backend != in.Phase.Models[0] {
		s.logger.Info("answered by fallback backend",
			zap.String("requested", in.Phase.Models[0]),
			zap.String("backend", res.Backend),
		)
	}
	return completed(in, res.Response.Text, []string{res.Backend}), nil
}
