package plan

import (
	"strings"

	"github.com/fyrsmithlabs/chimera/internal/intent"
)

// Complexity tiers a request.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Classification is the classifier's verdict.
type Classification struct {
	Complexity        Complexity `json:"complexity"`
	RecommendedMode   Mode       `json:"recommended_mode"`
	EstimatedSubtasks int        `json:"estimated_subtasks"`
	NeedsArchitecture bool       `json:"needs_architecture"`
	Signals           []string   `json:"signals,omitempty"`
}

var (
	architectureTerms = []string{
		"architecture", "architect", "refactor", "restructure", "redesign", "re-architect",
		"migrate", "migration", "microservice", "schema", "system design", "scalability",
		"infrastructure", "monolith", "data model",
	}
	connectives = []string{
		" and then ", " then ", " also ", " as well as ", " additionally ", " after that ",
		" plus ", "; ", " followed by ",
	}
	fullScopeTerms = []string{"entire", "whole", "across", "every", "all of", "end-to-end", "codebase"}
)

const (
	longMessageWords     = 40
	veryLongMessageWords = 100
	complexThreshold     = 4
	maxSubtasks          = 6
)

// Classify scores text for complexity and recommends a mode.
// complex → council, medium → swarm, simple analyze/fix → deliberation,
// everything else → single.
func Classify(in intent.Intent, text string) Classification {
	lower := " " + strings.ToLower(strings.Join(strings.Fields(text), " ")) + " "
	var c Classification
	score := 0

	for _, t := range architectureTerms {
		if strings.Contains(lower, t) {
			c.NeedsArchitecture = true
			c.Signals = append(c.Signals, "architecture:"+t)
			score += 2
			break
		}
	}

	parts := 0
	for _, conn := range connectives {
		parts += strings.Count(lower, conn)
	}
	if parts > 0 {
		c.Signals = append(c.Signals, "multi-part")
		score += min(parts, 2)
	}

	if in.Scope == intent.ScopeFull || containsAny(lower, fullScopeTerms) {
		c.Signals = append(c.Signals, "full-scope")
		score++
	}

	words := len(strings.Fields(text))
	if words > longMessageWords && (in.Action == intent.ActionCreate || in.Action == intent.ActionModify) {
		c.Signals = append(c.Signals, "long-task")
		score++
		if words > veryLongMessageWords {
			score++
		}
	}

	switch {
	case score >= complexThreshold:
		c.Complexity = ComplexityComplex
	case score >= 1:
		c.Complexity = ComplexityMedium
	default:
		c.Complexity = ComplexitySimple
	}

	switch {
	case c.Complexity == ComplexityComplex:
		c.RecommendedMode = ModeCouncil
	case c.Complexity == ComplexityMedium:
		c.RecommendedMode = ModeSwarm
	case in.Action == intent.ActionAnalyze || in.Action == intent.ActionFix:
		c.RecommendedMode = ModeDeliberation
	default:
		c.RecommendedMode = ModeSingle
	}

	switch c.Complexity {
	case ComplexitySimple:
		c.EstimatedSubtasks = 1
	case ComplexityMedium:
		c.EstimatedSubtasks = 2 + min(parts, 2)
	default:
		c.EstimatedSubtasks = 3 + min(parts, 2)
		if c.NeedsArchitecture {
			c.EstimatedSubtasks++
		}
	}
	c.EstimatedSubtasks = min(c.EstimatedSubtasks, maxSubtasks)
	return c
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
