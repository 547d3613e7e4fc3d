package team

import (
	"fmt"

	"github.com/google/uuid"
)

type step struct {
	typ      TaskType
	title    string
	priority int
	deps     []TaskType
	prompt   string
}

// steps in the order they are added as the subtask estimate grows.
var steps = []step{
	{TaskImplement, "Implement", 1, []TaskType{TaskDesign, TaskResearch},
		"Carry out the task. Produce the concrete result, not a plan."},
	{TaskReview, "Review", 3, []TaskType{TaskImplement},
		"Review the work for this task. List defects and risks concisely."},
	{TaskDesign, "Design", 0, []TaskType{TaskResearch},
		"Outline the approach and structure for this task before any work begins."},
	{TaskTest, "Verify", 2, []TaskType{TaskImplement},
		"Describe how to verify the result and the cases most likely to fail."},
	{TaskDocument, "Document", 4, []TaskType{TaskImplement},
		"Write a short explanation of the result for the person who asked."},
	{TaskResearch, "Research", 0, nil,
		"Gather the facts and constraints relevant to this task."},
}

// Decompose breaks message into between 2 and len(steps) tasks. Dependencies
// only point at task types that made the cut. Tasks are ordered by priority.
func Decompose(message string, n int) []Task {
	n = max(2, min(n, len(steps)))
	chosen := steps[:n]

	ids := make(map[TaskType]uuid.UUID, n)
	for _, s := range chosen {
		ids[s.typ] = uuid.New()
	}

	tasks := make([]Task, 0, n)
	for _, s := range chosen {
		t := Task{
			ID:       ids[s.typ],
			Type:     s.typ,
			Title:    s.title,
			Priority: s.priority,
			Status:   TaskPending,
			Prompt:   fmt.Sprintf("%s\n\nTask:\n%s", s.prompt, message),
		}
		for _, d := range s.deps {
			if id, ok := ids[d]; ok {
				t.Dependencies = append(t.Dependencies, id)
			}
		}
		tasks = append(tasks, t)
	}

	// stable insertion sort keeps equal priorities in step order
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].Priority < tasks[j-1].Priority; j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
	return tasks
}

// Layers groups tasks so every task's dependencies sit in an earlier layer.
// Dependencies on ids outside tasks are ignored.
func Layers(tasks []Task) ([][]Task, error) {
	known := make(map[uuid.UUID]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
	}

	done := make(map[uuid.UUID]bool, len(tasks))
	remaining := tasks
	var layers [][]Task
	for len(remaining) > 0 {
		var layer, next []Task
		for _, t := range remaining {
			ready := true
			for _, d := range t.Dependencies {
				if known[d] && !done[d] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, t)
			} else {
				next = append(next, t)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("%w: %d tasks unresolved", ErrDependencyCycle, len(remaining))
		}
		for _, t := range layer {
			done[t.ID] = true
		}
		layers = append(layers, layer)
		remaining = next
	}
	return layers, nil
}
