package modes

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/batch"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/team"
)

// defaultSubtasks is used when the classifier gave no estimate.
const defaultSubtasks = 3

// Swarm splits the task across a role-based team. Tasks run through the
// batch runner layer by layer, so a task sees the output of the tasks it
// depends on, and a lead synthesizes every output into one result.
type Swarm struct {
	base
}

// Mode implements Executor.
func (*Swarm) Mode() plan.Mode { return plan.ModeSwarm }

type taskOutput struct {
	id      uuid.UUID
	role    team.Role
	title   string
	text    string
	backend string
}

// swarmRun tracks one Execute call: task status, the member behind each
// task and why blocked tasks stopped.
type swarmRun struct {
	logger *zap.Logger
	tasks  []team.Task
	byID   map[uuid.UUID]*team.Task
	roles  map[uuid.UUID]team.Role
	errs   map[uuid.UUID]string
}

func newSwarmRun(logger *zap.Logger, tasks []team.Task) *swarmRun {
	r := &swarmRun{
		logger: logger,
		tasks:  tasks,
		byID:   make(map[uuid.UUID]*team.Task, len(tasks)),
		roles:  make(map[uuid.UUID]team.Role, len(tasks)),
		errs:   make(map[uuid.UUID]string),
	}
	for i := range r.tasks {
		r.byID[r.tasks[i].ID] = &r.tasks[i]
	}
	return r
}

// move transitions a task, logging an illegal change instead of failing
// the phase.
func (r *swarmRun) move(id uuid.UUID, to team.TaskStatus) {
	t, ok := r.byID[id]
	if !ok {
		return
	}
	if err := t.Transition(to); err != nil {
		r.logger.Warn("swarm task transition rejected", zap.Stringer("task", id), zap.Error(err))
	}
}

func (r *swarmRun) block(id uuid.UUID, err error) {
	r.move(id, team.TaskBlocked)
	r.errs[id] = err.Error()
}

// settle finishes every task still in review with status to.
func (r *swarmRun) settle(to team.TaskStatus, err error) {
	for i := range r.tasks {
		if r.tasks[i].Status != team.TaskInReview {
			continue
		}
		if to == team.TaskBlocked {
			r.block(r.tasks[i].ID, err)
			continue
		}
		r.move(r.tasks[i].ID, to)
	}
}

func (r *swarmRun) records() []plan.TaskRecord {
	out := make([]plan.TaskRecord, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = plan.TaskRecord{
			ID:     t.ID.String(),
			Type:   string(t.Type),
			Title:  t.Title,
			Role:   string(r.roles[t.ID]),
			Member: t.AssignedTo.String(),
			Status: string(t.Status),
			Error:  r.errs[t.ID],
		}
	}
	return out
}

// Execute implements Executor.
func (s *Swarm) Execute(ctx context.Context, in plan.PhaseInput) (plan.PhaseResult, error) {
	pool := s.pool(in.Phase.Models, true)
	if len(pool) == 0 {
		return failed(in, backend.ErrNoBackends, nil)
	}

	n := in.Classification.EstimatedSubtasks
	if n <= 0 {
		n = defaultSubtasks
	}
	task := taskPrompt(in)
	tasks, err := s.deps.Team.Assign(team.Decompose(task, n), pool)
	if err != nil {
		return failed(in, err, nil)
	}
	members := make([]uuid.UUID, 0, len(tasks)+1)
	for _, t := range tasks {
		members = append(members, t.AssignedTo)
	}
	defer func() { s.deps.Team.Release(members...) }()

	layers, err := team.Layers(tasks)
	if err != nil {
		return failed(in, err, nil)
	}
	layers = MergeLayers(layers, s.cfg.SwarmMaxParallelLayers)
	run := newSwarmRun(s.logger, tasks)

	s.logger.Debug("swarm assembled",
		zap.Int("tasks", len(tasks)),
		zap.Int("layers", len(layers)),
	)

	outputs := make(map[uuid.UUID]taskOutput, len(tasks))
	var failures []error
	var used []string
	var done atomic.Int32
	total := len(tasks)

	// fail attaches the task records to a failed phase result
	fail := func(err error) (plan.PhaseResult, error) {
		res, err := failed(in, err, used)
		res.Tasks = run.records()
		return res, err
	}

	for _, layer := range layers {
		jobs := make([]batch.Job[taskOutput], len(layer))
		for i, t := range layer {
			m, ok := s.deps.Team.Member(t.AssignedTo)
			if !ok {
				return fail(fmt.Errorf("%w: %s", team.ErrUnknownMember, t.AssignedTo))
			}
			run.roles[t.ID] = m.Role
			var inputs []string
			for _, dep := range t.Dependencies {
				if o, ok := outputs[dep]; ok {
					inputs = append(inputs, fmt.Sprintf("[%s]\n%s", o.title, Trim(o.text, s.cfg.SwarmOutputTrimChars)))
				}
			}
			cands := preferring(pool, m.Backend)
			req := backend.Prompt(roleSystem[m.Role], swarmTaskPrompt(t, inputs))
			run.move(t.ID, team.TaskInProgress)

			jobs[i] = func(ctx context.Context) (taskOutput, error) {
				res := s.deps.Retry.Do(ctx, cands, req)
				_ = s.deps.Team.Complete(m.ID)
				report(in, int(done.Add(1))*80/total)
				if !res.OK() {
					return taskOutput{}, fmt.Errorf("%s task: %w", t.Type, res.Err)
				}
				return taskOutput{id: t.ID, role: m.Role, title: t.Title, text: res.Response.Text, backend: res.Backend}, nil
			}
		}

		for _, r := range batch.Run(ctx, s.deps.Batch, jobs) {
			id := layer[r.Index].ID
			if r.Err != nil {
				run.block(id, r.Err)
				failures = append(failures, r.Err)
				continue
			}
			// finished work waits for the lead
			run.move(id, team.TaskInReview)
			outputs[id] = r.Value
			used = appendUnique(used, r.Value.backend)
		}
	}

	if len(outputs) == 0 {
		return fail(errors.Join(failures...))
	}
	if len(failures) > 0 {
		s.logger.Warn("swarm tasks failed, synthesizing the rest",
			zap.Int("failed", len(failures)),
			zap.Int("succeeded", len(outputs)),
			zap.Error(errors.Join(failures...)),
		)
	}

	ordered := make([]taskOutput, 0, len(outputs))
	for _, t := range tasks {
		if o, ok := outputs[t.ID]; ok {
			ordered = append(ordered, o)
		}
	}

	report(in, 85)
	lead, err := s.deps.Team.Hire(team.RoleLead, pool)
	if err != nil {
		run.settle(team.TaskBlocked, err)
		return fail(err)
	}
	members = append(members, lead.ID)
	if err := s.deps.Team.SetStatus(lead.ID, team.MemberReviewing); err != nil {
		s.logger.Debug("lead status not recorded", zap.Error(err))
	}
	res := s.deps.Retry.Do(ctx, preferring(pool, lead.Backend),
		backend.Prompt(leadSystem, leadPrompt(task, ordered, s.cfg.SwarmOutputTrimChars)))
	if !res.OK() {
		err := fmt.Errorf("lead synthesis: %w", res.Err)
		run.settle(team.TaskBlocked, err)
		return fail(err)
	}
	run.settle(team.TaskComplete, nil)
	used = appendUnique(used, res.Backend)
	out := completed(in, res.Response.Text, used)
	out.Tasks = run.records()
	return out, nil
}

// preferring returns pool with the backend named id moved to the front.
func preferring(pool []backend.Backend, id string) []backend.Backend {
	out := make([]backend.Backend, 0, len(pool))
	for _, b := range pool {
		if b.ID() == id {
			out = append(out, b)
		}
	}
	for _, b := range pool {
		if b.ID() != id {
			out = append(out, b)
		}
	}
	return out
}

// MergeLayers folds every layer past limit into the last allowed layer.
// Tasks in a merged layer run together and do not see each other's outputs.
func MergeLayers(layers [][]team.Task, limit int) [][]team.Task {
	if limit <= 0 || len(layers) <= limit {
		return layers
	}
	out := make([][]team.Task, 0, limit)
	out = append(out, layers[:limit-1]...)
	var tail []team.Task
	for _, l := range layers[limit-1:] {
		tail = append(tail, l...)
	}
	return append(out, tail)
}
