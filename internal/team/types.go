package team

import (
	"fmt"

	"github.com/google/uuid"
)

// Role describes what kind of work a member performs.
type Role string

const (
	RoleArchitect  Role = "architect"
	RoleDeveloper  Role = "developer"
	RoleReviewer   Role = "reviewer"
	RoleTester     Role = "tester"
	RoleResearcher Role = "researcher"
	RoleWriter     Role = "writer"
	// RoleLead synthesizes task outputs into one result.
	RoleLead Role = "lead"
)

// Roles lists every role in a fixed order.
var Roles = []Role{RoleArchitect, RoleDeveloper, RoleReviewer, RoleTester, RoleResearcher, RoleWriter, RoleLead}

// IsValid returns true if this is a recognized role value.
func (r Role) IsValid() bool {
	for _, v := range Roles {
		if r == v {
			return true
		}
	}
	return false
}

func (r Role) index() int {
	for i, v := range Roles {
		if r == v {
			return i
		}
	}
	return 0
}

// MemberStatus is a member's lifecycle state.
type MemberStatus string

const (
	MemberIdle      MemberStatus = "idle"
	MemberWorking   MemberStatus = "working"
	MemberReviewing MemberStatus = "reviewing"
	MemberComplete  MemberStatus = "complete"
)

// Member is a worker bound to a concrete backend and model.
type Member struct {
	ID       uuid.UUID    `json:"id"`
	Role     Role         `json:"role"`
	Backend  string       `json:"backend"`
	Model    string       `json:"model"`
	Status   MemberStatus `json:"status"`
	Workload int          `json:"workload"`
}

// TaskType is the kind of work a task represents.
type TaskType string

const (
	TaskResearch  TaskType = "research"
	TaskDesign    TaskType = "design"
	TaskImplement TaskType = "implement"
	TaskTest      TaskType = "test"
	TaskReview    TaskType = "review"
	TaskDocument  TaskType = "document"
)

// affinity lists the roles suited to each task type, best first.
var affinity = map[TaskType][]Role{
	TaskResearch:  {RoleResearcher, RoleArchitect},
	TaskDesign:    {RoleArchitect, RoleDeveloper},
	TaskImplement: {RoleDeveloper, RoleArchitect},
	TaskTest:      {RoleTester, RoleDeveloper},
	TaskReview:    {RoleReviewer, RoleArchitect},
	TaskDocument:  {RoleWriter, RoleDeveloper},
}

// Affinity returns the roles suited to t, best first.
func Affinity(t TaskType) []Role {
	if roles, ok := affinity[t]; ok {
		return roles
	}
	return []Role{RoleDeveloper}
}

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "review"
	TaskComplete   TaskStatus = "complete"
	TaskBlocked    TaskStatus = "blocked"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskBlocked},
	TaskInProgress: {TaskInReview, TaskComplete, TaskBlocked},
	TaskInReview:   {TaskComplete, TaskInProgress, TaskBlocked},
	TaskBlocked:    {TaskPending},
}

// Task is one unit of swarm work.
type Task struct {
	ID           uuid.UUID   `json:"id"`
	Type         TaskType    `json:"type"`
	Title        string      `json:"title"`
	Prompt       string      `json:"prompt"`
	Priority     int         `json:"priority"`
	AssignedTo   uuid.UUID   `json:"assigned_to,omitempty"`
	Status       TaskStatus  `json:"status"`
	Dependencies []uuid.UUID `json:"dependencies,omitempty"`
}

// Assigned reports whether the task has a member.
func (t Task) Assigned() bool {
	return t.AssignedTo != uuid.Nil
}

// Transition moves the task to status to.
func (t *Task) Transition(to TaskStatus) error {
	for _, next := range taskTransitions[t.Status] {
		if next == to {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
}
