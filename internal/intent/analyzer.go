package intent

import (
	"sort"
	"strings"
)

// Analyzer applies a RuleSet with a blocking threshold.
type Analyzer struct {
	rules RuleSet
	block Severity
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRules replaces the default rules.
func WithRules(rs RuleSet) Option {
	return func(a *Analyzer) { a.rules = rs }
}

// WithBlockingSeverity sets the lowest severity that blocks execution.
func WithBlockingSeverity(s Severity) Option {
	return func(a *Analyzer) {
		if s.Rank() > 0 {
			a.block = s
		}
	}
}

// NewAnalyzer creates an Analyzer with DefaultRules blocking at high.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{rules: DefaultRules(), block: SeverityHigh}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Rules returns the active rules.
func (a *Analyzer) Rules() RuleSet {
	return a.rules
}

// BlockingSeverity returns the threshold.
func (a *Analyzer) BlockingSeverity() Severity {
	return a.block
}

// AnalyzeIntent classifies text.
func (a *Analyzer) AnalyzeIntent(text string) Intent {
	return AnalyzeIntent(text)
}

// DetectAmbiguities runs every rule against text.
func (a *Analyzer) DetectAmbiguities(text string, in Intent) []Ambiguity {
	lower := strings.ToLower(strings.TrimSpace(text))
	input := Input{Text: text, Lower: lower, Words: words(lower), Intent: in}

	var out []Ambiguity
	for _, r := range a.rules {
		if r.Check == nil {
			continue
		}
		amb, ok := r.Check(input)
		if !ok {
			continue
		}
		amb.Rule = r.Name
		amb.Severity = r.Severity
		out = append(out, amb)
	}
	return out
}

// Blocks reports whether amb stops execution.
func (a *Analyzer) Blocks(amb Ambiguity) bool {
	return a.block != SeverityNever && amb.Severity.Rank() >= a.block.Rank()
}

// Blocking filters ambs to those that stop execution.
func (a *Analyzer) Blocking(ambs []Ambiguity) []Ambiguity {
	var out []Ambiguity
	for _, amb := range ambs {
		if a.Blocks(amb) {
			out = append(out, amb)
		}
	}
	return out
}

// Clarify builds a ClarificationRequest from the blocking ambiguities, most
// severe first, at most MaxQuestions. It returns nil when nothing blocks.
func (a *Analyzer) Clarify(ambs []Ambiguity) *ClarificationRequest {
	blocking := a.Blocking(ambs)
	if len(blocking) == 0 {
		return nil
	}
	sort.SliceStable(blocking, func(i, j int) bool {
		return blocking[i].Severity.Rank() > blocking[j].Severity.Rank()
	})

	req := &ClarificationRequest{}
	seen := make(map[string]bool)
	for _, amb := range blocking {
		if seen[amb.Question] {
			continue
		}
		seen[amb.Question] = true
		req.Questions = append(req.Questions, Question{Rule: amb.Rule, Question: amb.Question, Options: amb.Options})
		if len(req.Questions) == MaxQuestions {
			break
		}
	}
	return req
}
