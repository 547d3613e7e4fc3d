package finalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/chimera/internal/modes"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/tools"
)

// ToolCall is one tool invocation made during the work pass.
type ToolCall struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
	Result tools.Result    `json:"result"`
}

// WorkContext is everything the work pass gathered. It is a value: the
// With methods return a copy and never modify the receiver.
type WorkContext struct {
	Message string             `json:"message"`
	Phases  []plan.PhaseResult `json:"phases,omitempty"`
	Tools   []ToolCall         `json:"tools,omitempty"`
	Notes   []string           `json:"notes,omitempty"`
	Rounds  int                `json:"rounds"`
}

// NewWorkContext starts a work context from the original request and the
// phase results of its execution.
func NewWorkContext(message string, phases []plan.PhaseResult) WorkContext {
	return WorkContext{Message: message, Phases: append([]plan.PhaseResult(nil), phases...)}
}

// WithToolCall returns w with c appended.
func (w WorkContext) WithToolCall(c ToolCall) WorkContext {
	w.Tools = append(append([]ToolCall(nil), w.Tools...), c)
	return w
}

// WithNote returns w with a work-pass note appended. Empty notes are dropped.
func (w WorkContext) WithNote(note string) WorkContext {
	note = strings.TrimSpace(note)
	if note == "" {
		return w
	}
	w.Notes = append(append([]string(nil), w.Notes...), note)
	return w
}

// Render formats w as prompt text of at most limit runes. Later material is
// cut first since the phase outputs lead. limit <= 0 renders everything.
func (w WorkContext) Render(limit int) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(w.Message)
	for _, p := range w.Phases {
		if p.Status != plan.PhaseCompleted || strings.TrimSpace(p.Output) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s phase]\n%s", p.Mode, strings.TrimSpace(p.Output))
	}
	for _, c := range w.Tools {
		if c.Result.Success {
			data, _ := json.Marshal(c.Result.Data)
			fmt.Fprintf(&b, "\n\n[tool %s]\n%s", c.Name, data)
		}
	}
	for _, n := range w.Notes {
		fmt.Fprintf(&b, "\n\n[note]\n%s", n)
	}
	return modes.Trim(b.String(), limit)
}

// Outputs returns the completed, non-empty phase outputs in order.
func (w WorkContext) Outputs() []string {
	var out []string
	for _, p := range w.Phases {
		if p.Status == plan.PhaseCompleted && strings.TrimSpace(p.Output) != "" {
			out = append(out, p.Output)
		}
	}
	return out
}
