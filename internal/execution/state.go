// Package execution drives execution plans phase by phase and persists
// their state.
//
// The Coordinator is the only writer of execution state. It applies
// idempotency keys, guards each execution against concurrent drivers,
// runs phases strictly in order and halts on the first failure. Results of
// completed executions are served from the store without re-running.
package execution

import (
	"errors"
	"maps"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/plan"
)

// Status is the persisted lifecycle of an execution.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	// StatusInterrupted marks an execution whose driver stopped between
	// phases because its context was cancelled. It can be resumed at once.
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")
	// ErrExists is returned when creating an id twice.
	ErrExists = errors.New("execution already exists")
	// ErrConflict is returned when a write races another writer.
	ErrConflict = errors.New("execution state changed concurrently")
	// ErrAlreadyRunning is returned when another driver owns the execution.
	ErrAlreadyRunning = errors.New("execution already running")
	// ErrTerminal is returned when mutating a finished execution.
	ErrTerminal = errors.New("execution already finished")
	// ErrPhasePanicked wraps a panic recovered from a phase runner.
	ErrPhasePanicked = errors.New("phase runner panicked")
)

// State is the persisted record of one execution.
type State struct {
	ExecutionID    string                      `json:"execution_id"`
	Plan           *plan.Plan                  `json:"plan"`
	PhaseResults   map[string]plan.PhaseResult `json:"phase_results"`
	Status         Status                      `json:"status"`
	IdempotencyKey string                      `json:"idempotency_key,omitempty"`
	FailedPhase    string                      `json:"failed_phase,omitempty"`
	Error          string                      `json:"error,omitempty"`
	ErrorKind      string                      `json:"error_kind,omitempty"`
	Labels         map[string]string           `json:"labels,omitempty"`
	Version        int64                       `json:"version"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Plan = s.Plan.Clone()
	out.PhaseResults = make(map[string]plan.PhaseResult, len(s.PhaseResults))
	for k, v := range s.PhaseResults {
		out.PhaseResults[k] = v
	}
	out.Labels = maps.Clone(s.Labels)
	return &out
}

// OrderedResults returns phase results in plan order, skipping phases that
// have not produced one.
func (s *State) OrderedResults() []plan.PhaseResult {
	if s.Plan == nil {
		return nil
	}
	out := make([]plan.PhaseResult, 0, len(s.PhaseResults))
	for _, ph := range s.Plan.Phases {
		if r, ok := s.PhaseResults[ph.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// NextPhase returns the index of the first phase not yet completed, or
// len(phases) when all are done.
func (s *State) NextPhase() int {
	for i, ph := range s.Plan.Phases {
		if ph.Status != plan.PhaseCompleted {
			return i
		}
	}
	return len(s.Plan.Phases)
}

// Meta carries caller-supplied creation options.
type Meta struct {
	IdempotencyKey string
	Labels         map[string]string
}

// Result is the well-formed outcome returned for every run or resume.
type Result struct {
	ExecutionID string             `json:"execution_id"`
	Status      Status             `json:"status"`
	PlanStatus  plan.Status        `json:"plan_status"`
	Phases      []plan.PhaseResult `json:"phases"`
	FailedPhase string             `json:"failed_phase,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrorKind   string             `json:"error_kind,omitempty"`
	Progress    int                `json:"progress"`
	Cached      bool               `json:"cached"`
	Plan        *plan.Plan         `json:"plan,omitempty"`
}

// Failed reports whether a phase failed.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed
}

// Outputs returns the output of every completed phase, in order.
func (r *Result) Outputs() []string {
	out := make([]string, 0, len(r.Phases))
	for _, p := range r.Phases {
		if p.Status == plan.PhaseCompleted && p.Output != "" {
			out = append(out, p.Output)
		}
	}
	return out
}

func resultFrom(st *State, cached bool) *Result {
	return &Result{
		ExecutionID: st.ExecutionID,
		Status:      st.Status,
		PlanStatus:  st.Plan.Status,
		Phases:      st.OrderedResults(),
		FailedPhase: st.FailedPhase,
		Error:       st.Error,
		ErrorKind:   st.ErrorKind,
		Progress:    st.Plan.Progress(),
		Cached:      cached,
		Plan:        st.Plan.Clone(),
	}
}
