package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/intent"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Build emits the ordered phases for a request:
//
//  1. a leading council phase when architecture is implicated and the main
//     mode is not already council,
//  2. the main phase in the recommended mode, degraded to single when fewer
//     than two backends are available,
//  3. a trailing deliberation review when complexity is not simple and at
//     least two backends are available.
//
// available lists backend ids in preference order.
func Build(in intent.Intent, cls Classification, message string, available []string) (*Plan, error) {
	if len(available) == 0 {
		return nil, ErrNoBackends
	}
	multi := len(available) >= 2

	main := cls.RecommendedMode
	if !main.IsValid() {
		main = ModeSingle
	}
	if main.MinBackends() > len(available) {
		main = ModeSingle
	}

	p := &Plan{
		ID:              uuid.NewString(),
		OriginalMessage: message,
		Intent:          in,
		Classification:  cls,
		Status:          StatusPlanning,
		CreatedAt:       time.Now().UTC(),
	}

	if cls.NeedsArchitecture && multi && main != ModeCouncil {
		p.Phases = append(p.Phases, newPhase(PurposeArchitecture, ModeCouncil, available))
	}
	p.Phases = append(p.Phases, newPhase(PurposeMain, main, modelsFor(main, available)))
	if cls.Complexity != ComplexitySimple && multi {
		p.Phases = append(p.Phases, newPhase(PurposeReview, ModeDeliberation, modelsFor(ModeDeliberation, available)))
	}

	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func newPhase(purpose Purpose, mode Mode, models []string) Phase {
	return Phase{
		ID:      uuid.NewString(),
		Purpose: purpose,
		Mode:    mode,
		Models:  append([]string(nil), models...),
		Status:  PhasePending,
	}
}

// modelsFor picks the backends a mode uses, in role order where roles
// matter: deliberation is generator then reviewer, debate is pro, con, judge.
func modelsFor(m Mode, available []string) []string {
	switch m {
	case ModeSingle:
		return available[:1]
	case ModeDeliberation:
		return available[:min(2, len(available))]
	case ModeDebate:
		return available[:min(3, len(available))]
	default:
		return available
	}
}

// Validate checks struct constraints and plan invariants.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			errs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %w", ErrInvalidPlan, errors.Join(errs...))
		}
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if p.CurrentPhase > len(p.Phases) {
		return fmt.Errorf("%w: current phase %d out of range", ErrInvalidPlan, p.CurrentPhase)
	}
	seen := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if seen[ph.ID] {
			return fmt.Errorf("%w: duplicate phase id %s", ErrInvalidPlan, ph.ID)
		}
		seen[ph.ID] = true
		if ph.Status == PhaseCompleted && ph.Progress != 100 {
			return fmt.Errorf("%w: completed phase %s at %d%%", ErrInvalidPlan, ph.ID, ph.Progress)
		}
	}
	return nil
}
