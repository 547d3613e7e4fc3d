package team

import (
	"runtime"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func pool(ids ...string) []backend.Backend {
	out := make([]backend.Backend, len(ids))
	for i, id := range ids {
		out[i] = backend.StaticFake(id, id)
	}
	return out
}

func total(stats map[MemberStatus]int) int {
	n := 0
	for _, v := range stats {
		n += v
	}
	return n
}

func TestAssembler_Resolve(t *testing.T) {
	a := NewAssembler(Config{Bindings: map[Role]Binding{
		RoleReviewer: {Backend: "b", Model: "big"},
		RoleTester:   {Backend: "gone"},
	}}, zaptest.NewLogger(t))
	p := pool("a", "b", "c")

	got, err := a.Resolve(RoleReviewer, p)
	require.NoError(t, err)
	assert.Equal(t, Binding{Backend: "b", Model: "big"}, got)

	// unavailable binding falls back to the spread
	got, err = a.Resolve(RoleTester, p)
	require.NoError(t, err)
	assert.Equal(t, p[RoleTester.index()%3].ID(), got.Backend)

	_, err = a.Resolve(RoleDeveloper, nil)
	assert.ErrorIs(t, err, ErrNoBackends)
	_, err = a.Resolve("janitor", p)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestAssembler_HireReusesIdle(t *testing.T) {
	a := NewAssembler(Config{}, nil)
	p := pool("a", "b")

	m1, err := a.Hire(RoleDeveloper, p)
	require.NoError(t, err)
	assert.Equal(t, MemberWorking, m1.Status)

	// a hired member is taken until released
	m2, err := a.Hire(RoleDeveloper, p)
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m2.ID)

	a.Release(m1.ID)
	m3, err := a.Hire(RoleDeveloper, p)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m3.ID, "idle member reused")
	assert.Equal(t, 2, total(a.Stats()))
}

func TestAssembler_AssignAffinityThenWorkload(t *testing.T) {
	a := NewAssembler(Config{TaskWorkload: 30}, nil)
	p := pool("a", "b")

	tasks := []Task{
		{ID: uuid.New(), Type: TaskImplement, Status: TaskPending},
		{ID: uuid.New(), Type: TaskImplement, Status: TaskPending},
		{ID: uuid.New(), Type: TaskReview, Status: TaskPending},
	}
	assigned, err := a.Assign(tasks, p)
	require.NoError(t, err)
	require.Len(t, assigned, 3)

	dev, ok := a.Member(assigned[0].AssignedTo)
	require.True(t, ok)
	assert.Equal(t, RoleDeveloper, dev.Role)
	// one developer takes both implement tasks
	assert.Equal(t, assigned[0].AssignedTo, assigned[1].AssignedTo)
	assert.Equal(t, 60, func() int { m, _ := a.Member(dev.ID); return m.Workload }())

	rev, _ := a.Member(assigned[2].AssignedTo)
	assert.Equal(t, RoleReviewer, rev.Role)
	assert.Equal(t, MemberWorking, rev.Status)

	for _, task := range tasks {
		assert.False(t, task.Assigned(), "input left untouched")
	}
}

func TestAssembler_AssignPrefersLowestWorkload(t *testing.T) {
	a := NewAssembler(Config{TaskWorkload: 50}, nil)
	p := pool("a")

	d1, _ := a.Hire(RoleDeveloper, p)
	d2, _ := a.Hire(RoleDeveloper, p)
	require.NotEqual(t, d1.ID, d2.ID)
	a.Release(d1.ID, d2.ID)

	assigned, err := a.Assign([]Task{{ID: uuid.New(), Type: TaskImplement}, {ID: uuid.New(), Type: TaskImplement}}, p)
	require.NoError(t, err)
	assert.NotEqual(t, assigned[0].AssignedTo, assigned[1].AssignedTo)
	assert.ElementsMatch(t, []uuid.UUID{d1.ID, d2.ID}, []uuid.UUID{assigned[0].AssignedTo, assigned[1].AssignedTo})
}

func TestAssembler_AssignmentsShareNoMember(t *testing.T) {
	a := NewAssembler(Config{TaskWorkload: 25}, nil)
	p := pool("a", "b")

	first, err := a.Assign(Decompose("first", 3), p)
	require.NoError(t, err)
	second, err := a.Assign(Decompose("second", 3), p)
	require.NoError(t, err)

	held := map[uuid.UUID]bool{}
	var firstIDs []uuid.UUID
	for _, task := range first {
		held[task.AssignedTo] = true
		firstIDs = append(firstIDs, task.AssignedTo)
	}
	for _, task := range second {
		assert.False(t, held[task.AssignedTo], "member %s assigned twice", task.AssignedTo)
	}

	// releasing the first assignment leaves the second untouched
	a.Release(firstIDs...)
	for _, task := range second {
		m, ok := a.Member(task.AssignedTo)
		require.True(t, ok)
		assert.Equal(t, MemberWorking, m.Status)
		assert.Positive(t, m.Workload)
	}
}

func TestAssembler_ConcurrentAssignments(t *testing.T) {
	a := NewAssembler(Config{TaskWorkload: 25}, nil)
	p := pool("a", "b", "c")

	var mu sync.Mutex
	owner := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				tasks, err := a.Assign(Decompose("job", 4), p)
				if !assert.NoError(t, err) {
					return
				}
				ids := make([]uuid.UUID, 0, len(tasks))
				mu.Lock()
				for _, task := range tasks {
					if o, ok := owner[task.AssignedTo]; ok && o != g {
						assert.Failf(t, "member shared", "%s held by %d and %d", task.AssignedTo, o, g)
					}
					owner[task.AssignedTo] = g
					ids = append(ids, task.AssignedTo)
				}
				mu.Unlock()

				runtime.Gosched()

				mu.Lock()
				for _, id := range ids {
					delete(owner, id)
				}
				mu.Unlock()
				a.Release(ids...)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, a.Stats()[MemberWorking])
}

func TestAssembler_WorkloadCap(t *testing.T) {
	a := NewAssembler(Config{TaskWorkload: 60}, nil)
	p := pool("a")
	tasks := []Task{{ID: uuid.New(), Type: TaskTest}, {ID: uuid.New(), Type: TaskTest}, {ID: uuid.New(), Type: TaskTest}}

	assigned, err := a.Assign(tasks, p)
	require.NoError(t, err)
	for _, task := range assigned {
		m, ok := a.Member(task.AssignedTo)
		require.True(t, ok)
		assert.LessOrEqual(t, m.Workload, 100)
	}
	assert.NotEqual(t, assigned[0].AssignedTo, assigned[2].AssignedTo)
}

func TestAssembler_CompleteAndRelease(t *testing.T) {
	a := NewAssembler(Config{MaxIdle: 2, TaskWorkload: 25}, nil)
	p := pool("a")

	assigned, err := a.Assign([]Task{{ID: uuid.New(), Type: TaskDocument}}, p)
	require.NoError(t, err)
	id := assigned[0].AssignedTo

	require.NoError(t, a.Complete(id))
	m, _ := a.Member(id)
	assert.Zero(t, m.Workload)
	assert.Equal(t, MemberComplete, m.Status)
	assert.ErrorIs(t, a.Complete(uuid.New()), ErrUnknownMember)

	var ids []uuid.UUID
	for _, r := range []Role{RoleArchitect, RoleTester, RoleResearcher, RoleWriter} {
		m, err := a.Hire(r, p)
		require.NoError(t, err)
		require.NoError(t, a.SetStatus(m.ID, MemberWorking))
		ids = append(ids, m.ID)
	}
	a.Release(append(ids, id)...)

	assert.Equal(t, 2, a.Stats()[MemberIdle])
	assert.Equal(t, 2, total(a.Stats()))
}

func TestTask_Transition(t *testing.T) {
	task := Task{Status: TaskPending}
	require.NoError(t, task.Transition(TaskInProgress))
	require.NoError(t, task.Transition(TaskInReview))
	require.NoError(t, task.Transition(TaskComplete))
	assert.ErrorIs(t, task.Transition(TaskPending), ErrInvalidTransition)
}

func TestDecompose(t *testing.T) {
	tests := []struct {
		n     int
		types []TaskType
	}{
		{0, []TaskType{TaskImplement, TaskReview}},
		{3, []TaskType{TaskDesign, TaskImplement, TaskReview}},
		{5, []TaskType{TaskDesign, TaskImplement, TaskTest, TaskReview, TaskDocument}},
		{99, []TaskType{TaskDesign, TaskResearch, TaskImplement, TaskTest, TaskReview, TaskDocument}},
	}
	for _, tt := range tests {
		tasks := Decompose("add a cache", tt.n)
		got := make([]TaskType, len(tasks))
		for i, task := range tasks {
			got[i] = task.Type
			assert.Contains(t, task.Prompt, "add a cache")
			assert.Equal(t, TaskPending, task.Status)
		}
		assert.Equal(t, tt.types, got, "n=%d", tt.n)
	}
}

func TestLayers(t *testing.T) {
	tasks := Decompose("x", 5)
	layers, err := Layers(tasks)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, TaskDesign, layers[0][0].Type)
	assert.Equal(t, TaskImplement, layers[1][0].Type)
	assert.Len(t, layers[2], 3)

	a, b := uuid.New(), uuid.New()
	_, err = Layers([]Task{{ID: a, Dependencies: []uuid.UUID{b}}, {ID: b, Dependencies: []uuid.UUID{a}}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}
