// Package plan classifies requests by complexity and builds ordered,
// validated execution plans.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/intent"
)

// Mode is the algorithm used to answer a phase.
type Mode string

const (
	ModeSingle       Mode = "single"
	ModeCouncil      Mode = "council"
	ModeSwarm        Mode = "swarm"
	ModeDeliberation Mode = "deliberation"
	ModeDebate       Mode = "debate"
)

// Modes returns every mode.
func Modes() []Mode {
	return []Mode{ModeSingle, ModeCouncil, ModeSwarm, ModeDeliberation, ModeDebate}
}

// IsValid returns true if this is a recognized mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSingle, ModeCouncil, ModeSwarm, ModeDeliberation, ModeDebate:
		return true
	default:
		return false
	}
}

// MinBackends is the number of backends a mode needs to be worth running.
func (m Mode) MinBackends() int {
	if m == ModeSingle {
		return 1
	}
	return 2
}

// Status is the lifecycle of a plan. It only moves forward.
type Status string

const (
	StatusPlanning             Status = "planning"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusExecuting            Status = "executing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPlanning:
		return 0
	case StatusAwaitingConfirmation:
		return 1
	case StatusExecuting:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PhaseStatus is the lifecycle of one phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed
}

var (
	// ErrInvalidTransition is returned for backward or illegal status moves.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrProgressRegression is returned when progress would decrease.
	ErrProgressRegression = errors.New("progress may not decrease")
	// ErrNoBackends is returned when a plan is built with no backends.
	ErrNoBackends = errors.New("no backends available to plan with")
	// ErrInvalidPlan wraps validation failures.
	ErrInvalidPlan = errors.New("invalid plan")
)

// Purpose tags why a phase is in the plan.
type Purpose string

const (
	PurposeArchitecture Purpose = "architecture"
	PurposeMain         Purpose = "main"
	PurposeReview       Purpose = "review"
)

// Phase is one stage of a plan.
type Phase struct {
	ID       string       `json:"id" validate:"required"`
	Purpose  Purpose      `json:"purpose" validate:"required,oneof=architecture main review"`
	Mode     Mode         `json:"mode" validate:"required,oneof=single council swarm deliberation debate"`
	Models   []string     `json:"models" validate:"required,min=1,dive,required"`
	Status   PhaseStatus  `json:"status" validate:"required,oneof=pending running completed failed"`
	Progress int          `json:"progress" validate:"gte=0,lte=100"`
	Result   *PhaseResult `json:"result,omitempty"`
}

// Transition moves the phase forward: pending → running → completed|failed.
func (p *Phase) Transition(to PhaseStatus) error {
	ok := false
	switch p.Status {
	case PhasePending:
		ok = to == PhaseRunning || to == PhaseFailed
	case PhaseRunning:
		ok = to == PhaseCompleted || to == PhaseFailed
	}
	if !ok {
		return fmt.Errorf("%w: phase %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	if to == PhaseCompleted {
		p.Progress = 100
	}
	return nil
}

// SetProgress records progress while running. Progress never decreases and
// stays below 100 until the phase completes.
func (p *Phase) SetProgress(pct int) error {
	if p.Status != PhaseRunning {
		return fmt.Errorf("%w: progress on %s phase", ErrInvalidTransition, p.Status)
	}
	pct = min(max(pct, 0), 99)
	if pct < p.Progress {
		return fmt.Errorf("%w: %d < %d", ErrProgressRegression, pct, p.Progress)
	}
	p.Progress = pct
	return nil
}

// Plan is an ordered list of phases for one request.
type Plan struct {
	ID              string         `json:"id" validate:"required"`
	OriginalMessage string         `json:"original_message" validate:"required"`
	Intent          intent.Intent  `json:"intent"`
	Classification  Classification `json:"classification"`
	Phases          []Phase        `json:"phases" validate:"required,min=1,dive"`
	CurrentPhase    int            `json:"current_phase" validate:"gte=0"`
	Status          Status         `json:"status" validate:"required,oneof=planning awaiting_confirmation executing completed failed"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Transition moves the plan status forward. Staying put is allowed.
func (p *Plan) Transition(to Status) error {
	from := p.Status
	if to.rank() < 0 || (from.IsTerminal() && to != from) || to.rank() < from.rank() {
		return fmt.Errorf("%w: plan %s -> %s", ErrInvalidTransition, from, to)
	}
	p.Status = to
	return nil
}

// Current returns the current phase, or nil once past the end.
func (p *Plan) Current() *Phase {
	if p.CurrentPhase < 0 || p.CurrentPhase >= len(p.Phases) {
		return nil
	}
	return &p.Phases[p.CurrentPhase]
}

// Progress is the mean phase progress.
func (p *Plan) Progress() int {
	if len(p.Phases) == 0 {
		return 0
	}
	total := 0
	for _, ph := range p.Phases {
		total += ph.Progress
	}
	return total / len(p.Phases)
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Phases = make([]Phase, len(p.Phases))
	for i, ph := range p.Phases {
		ph.Models = append([]string(nil), ph.Models...)
		if ph.Result != nil {
			r := ph.Result.clone()
			ph.Result = &r
		}
		out.Phases[i] = ph
	}
	return &out
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	PhaseID      string       `json:"phase_id"`
	Mode         Mode         `json:"mode"`
	Status       PhaseStatus  `json:"status"`
	Output       string       `json:"output,omitempty"`
	BackendsUsed []string     `json:"backends_used,omitempty"`
	Consensus    *float64     `json:"consensus,omitempty"`
	Approved     *bool        `json:"approved,omitempty"`
	Reviewed     bool         `json:"reviewed,omitempty"`
	Verdict      string       `json:"verdict,omitempty"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Rounds       int          `json:"rounds,omitempty"`
	Error        string       `json:"error,omitempty"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	// Tasks is the final state of each team task. Only swarm sets it.
	Tasks        []TaskRecord `json:"tasks,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
}

// TaskRecord is where one team task ended up.
type TaskRecord struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	Role   string `json:"role,omitempty"`
	Member string `json:"member,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (r PhaseResult) clone() PhaseResult {
	r.BackendsUsed = append([]string(nil), r.BackendsUsed...)
	r.Tasks = append([]TaskRecord(nil), r.Tasks...)
	if r.Consensus != nil {
		v := *r.Consensus
		r.Consensus = &v
	}
	if r.Approved != nil {
		v := *r.Approved
		r.Approved = &v
	}
	return r
}

// PhaseInput is everything a mode executor receives.
type PhaseInput struct {
	ExecutionID     string
	Phase           Phase
	OriginalMessage string
	Intent          intent.Intent
	Classification  Classification
	Prior           []PhaseResult
	// Progress reports percent complete within the phase.
	Progress func(pct int)
}
