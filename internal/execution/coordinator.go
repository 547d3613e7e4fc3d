package execution

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/events"
	"github.com/fyrsmithlabs/chimera/internal/logging"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
)

// DefaultStaleAfter is how long a running execution may go without a state
// write before another driver may take it over.
const DefaultStaleAfter = 15 * time.Minute

// PhaseRunner executes one phase with its mode.
type PhaseRunner interface {
	RunPhase(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error)
}

// PhaseRunnerFunc adapts a function to PhaseRunner.
type PhaseRunnerFunc func(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error)

// RunPhase implements PhaseRunner.
func (f PhaseRunnerFunc) RunPhase(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	return f(ctx, in)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithStaleAfter sets the takeover threshold for abandoned executions.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the execution id generator, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// Coordinator creates, drives and resumes executions.
type Coordinator struct {
	store      Store
	runner     PhaseRunner
	publisher  events.Publisher
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	staleAfter time.Duration
	now        func() time.Time
	newID      func() string

	keys   keyedMutex
	writes keyedMutex

	mu      sync.Mutex
	driving map[string]struct{}
}

// NewCoordinator creates a Coordinator over store that runs phases with runner.
func NewCoordinator(store Store, runner PhaseRunner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		runner:     runner,
		publisher:  events.Nop{},
		logger:     logging.Nop(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		newID:      uuid.NewString,
		driving:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("execution")
	return c
}

// Create persists a new execution for p. When meta carries an idempotency
// key that already belongs to an execution, that execution is returned and
// created is false.
func (c *Coordinator) Create(ctx context.Context, p *plan.Plan, meta Meta) (st *State, created bool, err error) {
	if meta.IdempotencyKey != "" {
		unlock := c.keys.Lock(meta.IdempotencyKey)
		defer unlock()

		id, ok, err := c.store.LookupIdempotencyKey(ctx, meta.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if ok {
			st, err := c.store.Get(ctx, id)
			if err != nil {
				return nil, false, err
			}
			return st, false, nil
		}
	}

	if err := plan.Validate(p); err != nil {
		return nil, false, err
	}
	if p.Status.IsTerminal() {
		return nil, false, fmt.Errorf("%w: plan already %s", plan.ErrInvalidPlan, p.Status)
	}

	now := c.now()
	st = &State{
		ExecutionID:    c.newID(),
		Plan:           p.Clone(),
		PhaseResults:   make(map[string]plan.PhaseResult),
		Status:         StatusCreated,
		IdempotencyKey: meta.IdempotencyKey,
		Labels:         maps.Clone(meta.Labels),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Create(ctx, st); err != nil {
		return nil, false, fmt.Errorf("create execution: %w", err)
	}

	if meta.IdempotencyKey != "" {
		owner, err := c.store.MapIdempotencyKey(ctx, meta.IdempotencyKey, st.ExecutionID)
		if err != nil {
			return nil, false, fmt.Errorf("map idempotency key: %w", err)
		}
		if owner != st.ExecutionID {
			// another process won the key between lookup and map
			existing, err := c.store.Get(ctx, owner)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	c.logger.Info(ctx, "execution created",
		zap.String("execution_id", st.ExecutionID),
		zap.Int("phases", len(st.Plan.Phases)),
	)
	c.publish(ctx, events.Event{Type: events.ExecutionCreated, ExecutionID: st.ExecutionID})
	return st.Clone(), true, nil
}

// Get returns the stored state of an execution.
func (c *Coordinator) Get(ctx context.Context, id string) (*State, error) {
	return c.store.Get(ctx, id)
}

// Result returns the current result view of an execution.
func (c *Coordinator) Result(ctx context.Context, id string) (*Result, error) {
	st, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultFrom(st, st.Status.IsTerminal()), nil
}

// errNoChange aborts an Update without writing.
var errNoChange = errors.New("no change")

// Update applies mutate to the stored state of id and writes it back.
// Plan status, phase status and phase progress may only move forward, and
// terminal executions are read only.
func (c *Coordinator) Update(ctx context.Context, id string, mutate func(*State) error) (*State, error) {
	unlock := c.writes.Lock(id)
	defer unlock()

	st, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, st.Status)
	}

	before := st.Clone()
	if err := mutate(st); err != nil {
		if errors.Is(err, errNoChange) {
			return before, nil
		}
		return nil, err
	}
	if err := checkForward(before, st); err != nil {
		return nil, err
	}

	st.UpdatedAt = c.now()
	if err := c.store.Update(ctx, st); err != nil {
		return nil, fmt.Errorf("update execution %s: %w", id, err)
	}
	return st.Clone(), nil
}

func checkForward(before, after *State) error {
	next := before.Plan.Clone()
	if err := next.Transition(after.Plan.Status); err != nil {
		return err
	}
	if len(before.Plan.Phases) != len(after.Plan.Phases) {
		return fmt.Errorf("%w: phases may not be added or removed", plan.ErrInvalidTransition)
	}
	for i, b := range before.Plan.Phases {
		a := after.Plan.Phases[i]
		if a.ID != b.ID {
			return fmt.Errorf("%w: phase %d changed id", plan.ErrInvalidTransition, i)
		}
		if a.Progress < b.Progress {
			return fmt.Errorf("%w: phase %s %d < %d", plan.ErrProgressRegression, a.ID, a.Progress, b.Progress)
		}
		if b.Status.IsTerminal() && a.Status != b.Status {
			return fmt.Errorf("%w: phase %s %s -> %s", plan.ErrInvalidTransition, a.ID, b.Status, a.Status)
		}
	}
	return nil
}

func phaseIndex(st *State, phaseID string) (int, error) {
	for i, ph := range st.Plan.Phases {
		if ph.ID == phaseID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: unknown phase %s", plan.ErrInvalidPlan, phaseID)
}

// StartPhase marks phase idx running. A phase left running by a previous
// driver is picked up as is.
func (c *Coordinator) StartPhase(ctx context.Context, id string, idx int) (*State, error) {
	st, err := c.Update(ctx, id, func(st *State) error {
		if idx < 0 || idx >= len(st.Plan.Phases) {
			return fmt.Errorf("%w: phase index %d", plan.ErrInvalidPlan, idx)
		}
		ph := &st.Plan.Phases[idx]
		if ph.Status != plan.PhaseRunning {
			if err := ph.Transition(plan.PhaseRunning); err != nil {
				return err
			}
		}
		if err := st.Plan.Transition(plan.StatusExecuting); err != nil {
			return err
		}
		st.Plan.CurrentPhase = idx
		st.Status = StatusRunning
		return nil
	})
	if err != nil {
		return nil, err
	}
	ph := st.Plan.Phases[idx]
	c.publish(ctx, events.Event{Type: events.PhaseStarted, ExecutionID: id, PhaseID: ph.ID, Mode: string(ph.Mode)})
	return st, nil
}

// ReportProgress records in-phase progress. Stale or repeated values are
// ignored.
func (c *Coordinator) ReportProgress(ctx context.Context, id, phaseID string, pct int) error {
	var recorded int
	_, err := c.Update(ctx, id, func(st *State) error {
		idx, err := phaseIndex(st, phaseID)
		if err != nil {
			return err
		}
		ph := &st.Plan.Phases[idx]
		if ph.Status != plan.PhaseRunning || min(pct, 99) <= ph.Progress {
			return errNoChange
		}
		if err := ph.SetProgress(pct); err != nil {
			return err
		}
		recorded = ph.Progress
		return nil
	})
	if err != nil {
		return err
	}
	if recorded > 0 {
		c.publish(ctx, events.Event{Type: events.PhaseProgress, ExecutionID: id, PhaseID: phaseID, Progress: recorded})
	}
	return nil
}

// CompletePhase stores res for its phase and advances the plan. Completing
// the last phase completes the execution.
func (c *Coordinator) CompletePhase(ctx context.Context, id string, res plan.PhaseResult) (*State, error) {
	st, err := c.Update(ctx, id, func(st *State) error {
		idx, err := phaseIndex(st, res.PhaseID)
		if err != nil {
			return err
		}
		ph := &st.Plan.Phases[idx]
		if err := ph.Transition(plan.PhaseCompleted); err != nil {
			return err
		}
		res.Status = plan.PhaseCompleted
		res.Mode = ph.Mode
		ph.Result = &res
		st.PhaseResults[res.PhaseID] = res
		st.Plan.CurrentPhase = idx + 1
		if st.NextPhase() == len(st.Plan.Phases) {
			if err := st.Plan.Transition(plan.StatusCompleted); err != nil {
				return err
			}
			st.Status = StatusCompleted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publish(ctx, events.Event{Type: events.PhaseCompleted, ExecutionID: id, PhaseID: res.PhaseID, Mode: string(res.Mode), Progress: 100})
	if st.Status == StatusCompleted {
		c.metrics.RecordExecution(ctx, string(StatusCompleted))
		c.publish(ctx, events.Event{Type: events.ExecutionCompleted, ExecutionID: id})
	}
	return st, nil
}

// FailPhase stores the failed result of a phase and fails the execution.
// Later phases never run.
func (c *Coordinator) FailPhase(ctx context.Context, id string, res plan.PhaseResult, cause error) (*State, error) {
	if res.Error == "" && cause != nil {
		res.Error = cause.Error()
	}
	if res.ErrorKind == "" && cause != nil {
		res.ErrorKind = string(backend.KindOf(cause))
	}
	st, err := c.Update(ctx, id, func(st *State) error {
		idx, err := phaseIndex(st, res.PhaseID)
		if err != nil {
			return err
		}
		ph := &st.Plan.Phases[idx]
		if err := ph.Transition(plan.PhaseFailed); err != nil {
			return err
		}
		res.Status = plan.PhaseFailed
		res.Mode = ph.Mode
		ph.Result = &res
		st.PhaseResults[res.PhaseID] = res
		if err := st.Plan.Transition(plan.StatusFailed); err != nil {
			return err
		}
		st.Status = StatusFailed
		st.FailedPhase = res.PhaseID
		st.Error = res.Error
		st.ErrorKind = res.ErrorKind
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordExecution(ctx, string(StatusFailed))
	c.publish(ctx, events.Event{Type: events.PhaseFailed, ExecutionID: id, PhaseID: res.PhaseID, Mode: string(res.Mode), Error: res.Error})
	c.publish(ctx, events.Event{Type: events.ExecutionFailed, ExecutionID: id, PhaseID: res.PhaseID, Error: res.Error})
	return st, nil
}

// RunPlan creates an execution for p and drives it to completion or first
// failure. A repeated idempotency key returns the earlier execution without
// running anything; if that execution never finished it is resumed.
func (c *Coordinator) RunPlan(ctx context.Context, p *plan.Plan, idempotencyKey string) (*Result, error) {
	st, created, err := c.Create(ctx, p, Meta{IdempotencyKey: idempotencyKey})
	if err != nil {
		return nil, err
	}
	if !created {
		c.logger.Info(ctx, "idempotency key matched existing execution",
			zap.String("execution_id", st.ExecutionID),
			zap.String("status", string(st.Status)),
		)
		if st.Status.IsTerminal() {
			return resultFrom(st, true), nil
		}
		return c.Resume(ctx, st.ExecutionID)
	}
	return c.drive(ctx, st.ExecutionID)
}

// ResumeKey returns the execution that owns an idempotency key, resuming it
// when it never finished. ok is false when no execution owns key.
func (c *Coordinator) ResumeKey(ctx context.Context, key string) (res *Result, ok bool, err error) {
	id, ok, err := c.store.LookupIdempotencyKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	c.logger.Info(ctx, "idempotency key matched existing execution", zap.String("execution_id", id))
	res, err = c.Resume(ctx, id)
	if err != nil {
		return nil, true, err
	}
	return res, true, nil
}

// Resume continues an execution from its first unfinished phase. Finished
// executions return their stored result. A running execution is rejected
// with ErrAlreadyRunning unless no driver has written to it for the stale
// threshold, in which case it is taken over.
func (c *Coordinator) Resume(ctx context.Context, id string) (*Result, error) {
	st, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StatusCompleted, StatusFailed:
		return resultFrom(st, true), nil
	case StatusRunning:
		if c.isDriving(id) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		idle := c.now().Sub(st.UpdatedAt)
		if idle < c.staleAfter {
			return nil, fmt.Errorf("%w: %s updated %s ago", ErrAlreadyRunning, id, idle.Round(time.Second))
		}
		fields := []zap.Field{zap.String("execution_id", id), zap.Duration("idle", idle)}
		if ph := st.Plan.Current(); ph != nil {
			fields = append(fields, zap.String("phase_id", ph.ID))
		}
		c.logger.Warn(ctx, "taking over stale execution", fields...)
	}
	return c.drive(ctx, id)
}

func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.driving[id]; ok {
		return false
	}
	c.driving[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.driving, id)
}

func (c *Coordinator) isDriving(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.driving[id]
	return ok
}

// drive runs phases in order until the execution finishes, a phase fails
// or ctx is cancelled between phases.
func (c *Coordinator) drive(ctx context.Context, id string) (res *Result, err error) {
	if !c.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer c.release(id)

	ctx = logging.WithExecutionID(ctx, id)
	ctx, span := telemetry.StartSpan(ctx, "execution.run", attribute.String("execution.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	st, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for !st.Status.IsTerminal() {
		if err := ctx.Err(); err != nil {
			st, werr := c.interrupt(ctx, id)
			if werr != nil {
				return nil, errors.Join(err, werr)
			}
			return resultFrom(st, false), fmt.Errorf("execution %s interrupted: %w", id, err)
		}
		idx := st.NextPhase()
		if idx == len(st.Plan.Phases) {
			// every phase completed but the final write was lost
			if st, err = c.finish(ctx, id); err != nil {
				return nil, err
			}
			break
		}
		if st, err = c.runPhase(ctx, st, idx); err != nil {
			return nil, err
		}
	}

	if st.Status == StatusFailed {
		c.logger.Warn(ctx, "execution failed",
			zap.String("failed_phase", st.FailedPhase),
			zap.String("error", st.Error),
		)
	} else {
		c.logger.Info(ctx, "execution completed", zap.Int("phases", len(st.Plan.Phases)))
	}
	return resultFrom(st, false), nil
}

func (c *Coordinator) runPhase(ctx context.Context, st *State, idx int) (*State, error) {
	id := st.ExecutionID
	ph := st.Plan.Phases[idx]

	// a started phase runs to completion even if the caller goes away
	pctx := logging.WithPhaseID(context.WithoutCancel(ctx), ph.ID)
	pctx, span := telemetry.StartSpan(pctx, "execution.phase",
		attribute.String("execution.id", id),
		attribute.String("phase.id", ph.ID),
		attribute.String("phase.mode", string(ph.Mode)),
	)

	st, err := c.StartPhase(pctx, id, idx)
	if err != nil {
		telemetry.EndSpan(span, err)
		return nil, err
	}
	ph = st.Plan.Phases[idx]
	c.logger.Info(pctx, "phase started",
		zap.String("mode", string(ph.Mode)),
		zap.Strings("models", ph.Models),
		zap.Int("index", idx),
	)

	started := c.now()
	in := plan.PhaseInput{
		ExecutionID:     id,
		Phase:           ph,
		OriginalMessage: st.Plan.OriginalMessage,
		Intent:          st.Plan.Intent,
		Classification:  st.Plan.Classification,
		Prior:           st.OrderedResults(),
		Progress: func(pct int) {
			if err := c.ReportProgress(pctx, id, ph.ID, pct); err != nil {
				c.logger.Debug(pctx, "progress not recorded", zap.Int("progress", pct), zap.Error(err))
			}
		},
	}
	res, runErr := c.callRunner(pctx, in)
	res.PhaseID = ph.ID
	res.Mode = ph.Mode
	if res.StartedAt.IsZero() {
		res.StartedAt = started
	}
	res.CompletedAt = c.now()
	if runErr == nil && res.Status == plan.PhaseFailed {
		runErr = errors.New(res.Error)
		if res.Error == "" {
			runErr = errors.New("phase failed")
		}
	}
	elapsed := res.CompletedAt.Sub(started)

	if runErr != nil {
		c.metrics.RecordPhase(pctx, string(ph.Mode), string(plan.PhaseFailed), elapsed)
		c.logger.Warn(pctx, "phase failed", zap.String("mode", string(ph.Mode)), zap.Error(runErr))
		st, err = c.FailPhase(pctx, id, res, runErr)
		telemetry.EndSpan(span, runErr)
		return st, err
	}

	c.metrics.RecordPhase(pctx, string(ph.Mode), string(plan.PhaseCompleted), elapsed)
	c.logger.Info(pctx, "phase completed",
		zap.String("mode", string(ph.Mode)),
		zap.Strings("backends", res.BackendsUsed),
		zap.Duration("duration", elapsed),
	)
	st, err = c.CompletePhase(pctx, id, res)
	telemetry.EndSpan(span, err)
	return st, err
}

// callRunner runs one phase and turns a panic in the runner into a phase
// error, so the execution still reaches a terminal state.
func (c *Coordinator) callRunner(ctx context.Context, in plan.PhaseInput) (res plan.PhaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "phase runner panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = plan.PhaseResult{Status: plan.PhaseFailed}
			err = fmt.Errorf("%w: %v", ErrPhasePanicked, r)
		}
	}()
	return c.runner.RunPhase(ctx, in)
}

func (c *Coordinator) finish(ctx context.Context, id string) (*State, error) {
	st, err := c.Update(ctx, id, func(st *State) error {
		if err := st.Plan.Transition(plan.StatusCompleted); err != nil {
			return err
		}
		st.Status = StatusCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.RecordExecution(ctx, string(StatusCompleted))
	c.publish(ctx, events.Event{Type: events.ExecutionCompleted, ExecutionID: id})
	return st, nil
}

func (c *Coordinator) interrupt(ctx context.Context, id string) (*State, error) {
	c.logger.Info(ctx, "execution interrupted between phases")
	return c.Update(context.WithoutCancel(ctx), id, func(st *State) error {
		st.Status = StatusInterrupted
		return nil
	})
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = c.now().UTC()
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn(ctx, "failed to publish event",
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
}
