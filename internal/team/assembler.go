// Package team resolves abstract roles to concrete backend and model pairs
// and keeps an arena of reusable workers.
//
// Members are addressed by UUID handle. Hiring inserts into the arena,
// reusing an idle member with the same role before creating a new one, and
// takes the member out of the idle pool. A taken member belongs to whoever
// hired or assigned it until Release, so concurrent callers never share one.
// Releasing returns members to idle, and the idle population is capped by
// evicting the least recently used idle entries.
package team

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoBackends is returned when a role cannot be bound to any backend.
	ErrNoBackends = errors.New("team: no backends to bind")
	// ErrUnknownMember is returned for handles not in the arena.
	ErrUnknownMember = errors.New("team: unknown member")
	// ErrInvalidRole is returned for unrecognized roles.
	ErrInvalidRole = errors.New("team: invalid role")
	// ErrInvalidTransition is returned for illegal task status changes.
	ErrInvalidTransition = errors.New("team: invalid task transition")
	// ErrDependencyCycle is returned when tasks cannot be layered.
	ErrDependencyCycle = errors.New("team: dependency cycle")
)

const maxWorkload = 100

// Binding pins a role to a backend, and optionally a model.
type Binding struct {
	Backend string
	Model   string
}

// Config configures an Assembler.
type Config struct {
	// MaxIdle caps idle members kept for reuse. Default: 8
	MaxIdle int
	// TaskWorkload is the workload one assigned task adds. Default: 25
	TaskWorkload int
	// Bindings override the default role to backend mapping.
	Bindings map[Role]Binding
}

type slot struct {
	member   Member
	lastUsed uint64
}

// Assembler owns the member arena. It is safe for concurrent use.
type Assembler struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	arena map[uuid.UUID]*slot
	tick  uint64
}

// NewAssembler creates an empty arena.
func NewAssembler(cfg Config, logger *zap.Logger) *Assembler {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.TaskWorkload <= 0 || cfg.TaskWorkload > maxWorkload {
		cfg.TaskWorkload = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{cfg: cfg, logger: logger, arena: make(map[uuid.UUID]*slot)}
}

// Resolve binds role to one of pool. A configured binding wins when its
// backend is in the pool; otherwise roles are spread across the pool in
// a fixed order.
func (a *Assembler) Resolve(role Role, pool []backend.Backend) (Binding, error) {
	if !role.IsValid() {
		return Binding{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(pool) == 0 {
		return Binding{}, ErrNoBackends
	}
	if bound, ok := a.cfg.Bindings[role]; ok {
		for _, b := range pool {
			if b.ID() == bound.Backend {
				model := bound.Model
				if model == "" {
					model = b.Model()
				}
				return Binding{Backend: b.ID(), Model: model}, nil
			}
		}
		a.logger.Debug("role binding backend unavailable, using default",
			zap.String("role", string(role)), zap.String("backend", bound.Backend))
	}
	b := pool[role.index()%len(pool)]
	return Binding{Backend: b.ID(), Model: b.Model()}, nil
}

func inPool(id string, pool []backend.Backend) bool {
	for _, b := range pool {
		if b.ID() == id {
			return true
		}
	}
	return false
}

// Hire takes an idle member with role whose backend is in pool, or creates
// one. The member is working until released.
func (a *Assembler) Hire(role Role, pool []backend.Backend) (Member, error) {
	bind, err := a.Resolve(role, pool)
	if err != nil {
		return Member{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hireLocked(role, bind, pool), nil
}

func (a *Assembler) hireLocked(role Role, bind Binding, pool []backend.Backend) Member {
	a.tick++
	var reuse *slot
	for _, s := range a.arena {
		if s.member.Role != role || s.member.Status != MemberIdle || !inPool(s.member.Backend, pool) {
			continue
		}
		if reuse == nil || s.lastUsed > reuse.lastUsed {
			reuse = s
		}
	}
	if reuse != nil {
		reuse.lastUsed = a.tick
		reuse.member.Status = MemberWorking
		return reuse.member
	}

	m := Member{ID: uuid.New(), Role: role, Backend: bind.Backend, Model: bind.Model, Status: MemberWorking}
	a.arena[m.ID] = &slot{member: m, lastUsed: a.tick}
	a.logger.Debug("hired team member",
		zap.Stringer("member", m.ID), zap.String("role", string(role)), zap.String("backend", m.Backend))
	return m
}

// Member returns the member with id.
func (a *Assembler) Member(id uuid.UUID) (Member, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.arena[id]
	if !ok {
		return Member{}, false
	}
	return s.member, true
}

// Assign gives every unassigned task a member: the best-ranked affinity
// role first, lowest workload as tie-break. Only idle members and members
// taken by this call are candidates; a role with no candidate is hired.
// The returned slice is a copy of tasks with AssignedTo set.
func (a *Assembler) Assign(tasks []Task, pool []backend.Backend) ([]Task, error) {
	if len(pool) == 0 {
		return nil, ErrNoBackends
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)

	a.mu.Lock()
	defer a.mu.Unlock()

	taken := make(map[uuid.UUID]bool)
	for i := range out {
		if out[i].Assigned() {
			continue
		}
		s := a.pickLocked(out[i].Type, pool, taken)
		if s == nil {
			role := Affinity(out[i].Type)[0]
			bind, err := a.Resolve(role, pool)
			if err != nil {
				return nil, err
			}
			m := a.hireLocked(role, bind, pool)
			s = a.arena[m.ID]
		}

		a.tick++
		s.lastUsed = a.tick
		s.member.Workload = min(s.member.Workload+a.cfg.TaskWorkload, maxWorkload)
		s.member.Status = MemberWorking
		taken[s.member.ID] = true
		out[i].AssignedTo = s.member.ID
	}
	return out, nil
}

// pickLocked ranks candidate members by affinity position, then workload.
// Members at full workload and members taken by another caller are skipped.
func (a *Assembler) pickLocked(t TaskType, pool []backend.Backend, taken map[uuid.UUID]bool) *slot {
	roles := Affinity(t)
	var best *slot
	bestRank := len(roles)
	for _, s := range a.arena {
		if s.member.Workload >= maxWorkload || !inPool(s.member.Backend, pool) {
			continue
		}
		if s.member.Status != MemberIdle && !taken[s.member.ID] {
			continue
		}
		rank := len(roles)
		for i, r := range roles {
			if s.member.Role == r {
				rank = i
				break
			}
		}
		if rank == len(roles) {
			continue
		}
		switch {
		case best == nil, rank < bestRank:
			best, bestRank = s, rank
		case rank == bestRank && s.member.Workload < best.member.Workload:
			best = s
		case rank == bestRank && s.member.Workload == best.member.Workload && s.lastUsed < best.lastUsed:
			best = s
		}
	}
	// hire the preferred role rather than overloading a secondary one
	if best != nil && bestRank > 0 && best.member.Workload > 0 {
		return nil
	}
	return best
}

// SetStatus updates a member's status.
func (a *Assembler) SetStatus(id uuid.UUID, status MemberStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.arena[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	s.member.Status = status
	return nil
}

// Complete records one finished task for id and lowers its workload.
func (a *Assembler) Complete(id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.arena[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, id)
	}
	s.member.Workload = max(s.member.Workload-a.cfg.TaskWorkload, 0)
	if s.member.Workload == 0 {
		s.member.Status = MemberComplete
	}
	return nil
}

// Release returns members to idle and evicts idle members beyond MaxIdle.
func (a *Assembler) Release(ids ...uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if s, ok := a.arena[id]; ok {
			s.member.Status = MemberIdle
			s.member.Workload = 0
		}
	}
	a.evictLocked()
}

func (a *Assembler) evictLocked() {
	idle := make([]*slot, 0, len(a.arena))
	for _, s := range a.arena {
		if s.member.Status == MemberIdle {
			idle = append(idle, s)
		}
	}
	if len(idle) <= a.cfg.MaxIdle {
		return
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed < idle[j].lastUsed })
	evicted := idle[:len(idle)-a.cfg.MaxIdle]
	for _, s := range evicted {
		delete(a.arena, s.member.ID)
	}
	a.logger.Debug("evicted idle team members", zap.Int("count", len(evicted)))
}

// Stats counts members in the arena by status.
func (a *Assembler) Stats() map[MemberStatus]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[MemberStatus]int)
	for _, s := range a.arena {
		out[s.member.Status]++
	}
	return out
}
