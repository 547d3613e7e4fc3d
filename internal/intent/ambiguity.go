package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity orders how much an ambiguity matters.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	// SeverityNever is only meaningful as a blocking threshold: nothing blocks.
	SeverityNever Severity = "never"
)

// Rank returns 1..4 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityNever:
		return 4
	default:
		return 0
	}
}

// ParseSeverity parses a configured severity. Empty means high.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "" {
		return SeverityHigh, nil
	}
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Ambiguity is one thing the request leaves open.
type Ambiguity struct {
	Rule     string   `json:"rule"`
	Kind     string   `json:"kind"`
	Term     string   `json:"term"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Severity Severity `json:"severity"`
}

// Question is one entry of a ClarificationRequest.
type Question struct {
	Rule     string   `json:"rule"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// MaxQuestions caps a ClarificationRequest.
const MaxQuestions = 3

// ClarificationRequest is returned to the caller instead of executing.
type ClarificationRequest struct {
	Questions []Question `json:"questions"`
}

// Input is what a rule inspects.
type Input struct {
	Text   string
	Lower  string
	Words  []string
	Intent Intent
}

// Rule flags one kind of ambiguity. Check returns false when the input is
// fine; the returned Ambiguity's Rule and Severity are filled by the RuleSet.
type Rule struct {
	Name     string
	Severity Severity
	Check    func(Input) (Ambiguity, bool)
}

// RuleSet is an ordered list of rules.
type RuleSet []Rule

// With returns a copy with r appended, replacing any rule of the same name.
func (rs RuleSet) With(r Rule) RuleSet {
	out := rs.Without(r.Name)
	return append(out, r)
}

// Without returns a copy without the named rules.
func (rs RuleSet) Without(names ...string) RuleSet {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make(RuleSet, 0, len(rs))
	for _, r := range rs {
		if !drop[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

// Override returns a copy with the named rule's severity changed.
func (rs RuleSet) Override(name string, sev Severity) RuleSet {
	out := make(RuleSet, len(rs))
	copy(out, rs)
	for i := range out {
		if out[i].Name == name {
			out[i].Severity = sev
		}
	}
	return out
}

// Names lists the rule names in order.
func (rs RuleSet) Names() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}

// Default rule names.
const (
	RuleScopelessDestructive = "scopeless-destructive"
	RuleUnresolvedReference  = "unresolved-reference"
	RuleVagueObject          = "vague-object"
)

var (
	destructiveVerbs = []string{"delete", "drop", "wipe", "remove", "erase", "purge", "truncate", "destroy"}
	sweepingWords    = []string{"all", "everything", "entire", "every", "whole"}
	scopeQualifiers  = []string{"in", "from", "where", "older than", "newer than", "before", "after", "except", "matching", "named", "under", "inside", "within", "that"}
	pathRe           = regexp.MustCompile(`[\w.-]*/[\w./-]+|\b[\w-]+\.[a-z0-9]{1,5}\b`)

	pronouns     = map[string]bool{"it": true, "that": true, "this": true, "them": true, "those": true, "these": true}
	fillerWords  = map[string]bool{"please": true, "again": true, "now": true, "just": true, "do": true, "the": true, "same": true}
	genericNouns = map[string]bool{"stuff": true, "things": true, "thing": true, "something": true, "anything": true, "whatever": true, "etc": true}
)

func scopelessDestructive(in Input) (Ambiguity, bool) {
	verb := ""
	for _, v := range destructiveVerbs {
		if indexWord(in.Lower, v) >= 0 {
			verb = v
			break
		}
	}
	if verb == "" {
		return Ambiguity{}, false
	}
	sweep := ""
	for _, w := range sweepingWords {
		if indexWord(in.Lower, w) >= 0 {
			sweep = w
			break
		}
	}
	if sweep == "" || containsWord(in.Lower, scopeQualifiers) || pathRe.MatchString(in.Lower) {
		return Ambiguity{}, false
	}

	target := in.Intent.Object
	if target == "" {
		target = sweep
	}
	return Ambiguity{
		Kind:     "scope",
		Term:     strings.TrimSpace(verb + " " + sweep),
		Question: fmt.Sprintf("This would %s %s %s with no limit on what is affected. What exactly should be removed?", verb, sweep, target),
		Options: []string{
			"Only a specific subset (I'll describe it)",
			"Everything, I understand this cannot be undone",
			"Cancel",
		},
	}, true
}

func unresolvedReference(in Input) (Ambiguity, bool) {
	if len(in.Words) == 0 || len(in.Words) > 4 {
		return Ambiguity{}, false
	}
	ref := ""
	for _, w := range in.Words[1:] {
		switch {
		case pronouns[w] && ref == "":
			ref = w
		case fillerWords[w]:
		default:
			return Ambiguity{}, false
		}
	}
	if ref == "" {
		return Ambiguity{}, false
	}
	return Ambiguity{
		Kind:     "reference",
		Term:     ref,
		Question: fmt.Sprintf("What does %q refer to?", ref),
		Options:  []string{"The last thing we discussed", "Something else (I'll name it)"},
	}, true
}

func vagueObject(in Input) (Ambiguity, bool) {
	toks := words(in.Intent.Object)
	if len(toks) == 0 || len(toks) > 2 {
		return Ambiguity{}, false
	}
	for _, t := range toks {
		if genericNouns[t] {
			return Ambiguity{
				Kind:     "object",
				Term:     t,
				Question: fmt.Sprintf("Which %s do you mean?", t),
			}, true
		}
	}
	return Ambiguity{}, false
}

// DefaultRules returns the conservative rule set: only scope-less
// destructive requests and bare references block by default.
func DefaultRules() RuleSet {
	return RuleSet{
		{Name: RuleScopelessDestructive, Severity: SeverityHigh, Check: scopelessDestructive},
		{Name: RuleUnresolvedReference, Severity: SeverityHigh, Check: unresolvedReference},
		{Name: RuleVagueObject, Severity: SeverityLow, Check: vagueObject},
	}
}
