// Package intent extracts a structured Intent from free text and flags the
// few ambiguities that are dangerous enough to stop and ask about.
package intent

import (
	"regexp"
	"strings"
	"unicode"
)

// Action is what the request wants done.
type Action string

const (
	ActionCreate  Action = "create"
	ActionModify  Action = "modify"
	ActionDelete  Action = "delete"
	ActionFix     Action = "fix"
	ActionExplain Action = "explain"
	ActionAnalyze Action = "analyze"
)

// Scope is how much of the target the request touches. Empty means unknown.
type Scope string

const (
	ScopeMinimal  Scope = "minimal"
	ScopeModerate Scope = "moderate"
	ScopeFull     Scope = "full"
)

// Intent is the structured reading of a request. It is a value and is not
// changed after AnalyzeIntent returns it.
type Intent struct {
	Action     Action  `json:"action"`
	Object     string  `json:"object"`
	Scope      Scope   `json:"scope,omitempty"`
	Confidence float64 `json:"confidence"`
}

// keyword tables, checked by earliest occurrence in the text
var actionKeywords = []struct {
	action Action
	words  []string
}{
	{ActionDelete, []string{"delete", "remove", "drop", "wipe", "erase", "purge", "destroy", "truncate", "uninstall"}},
	{ActionFix, []string{"fix", "repair", "debug", "resolve", "correct", "patch", "troubleshoot"}},
	{ActionCreate, []string{"create", "add", "build", "make", "write", "generate", "implement", "scaffold", "design", "set up", "setup"}},
	{ActionModify, []string{"change", "update", "modify", "refactor", "rename", "edit", "improve", "migrate", "convert", "replace", "move", "optimize", "rewrite"}},
	{ActionAnalyze, []string{"analyze", "analyse", "review", "audit", "inspect", "check", "compare", "evaluate", "investigate", "profile", "assess"}},
	{ActionExplain, []string{"explain", "describe", "what", "why", "how", "tell me", "summarize", "define"}},
}

var (
	fullScopeWords    = []string{"all", "everything", "entire", "whole", "every", "across the", "throughout"}
	minimalScopeWords = []string{"just", "only", "single", "one", "small", "typo", "minor", "quick", "tiny"}

	determiners = map[string]bool{
		"the": true, "a": true, "an": true, "all": true, "my": true, "our": true,
		"this": true, "that": true, "these": true, "those": true, "some": true,
		"every": true, "entire": true, "whole": true, "of": true, "please": true,
		"up": true, "me": true, "us": true, "out": true, "about": true,
	}

	wordRe = regexp.MustCompile(`[\p{L}\p{N}_./-]+`)
)

const maxObjectWords = 8

// words splits lowered text into tokens, keeping path-like runs together.
func words(lower string) []string {
	return wordRe.FindAllString(lower, -1)
}

// indexWord finds phrase in lower at a word boundary.
func indexWord(lower, phrase string) int {
	from := 0
	for {
		i := strings.Index(lower[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(phrase)
		beforeOK := i == 0 || !isWordByte(lower[i-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 0x80 || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

func containsWord(lower string, phrases []string) bool {
	for _, p := range phrases {
		if indexWord(lower, p) >= 0 {
			return true
		}
	}
	return false
}

// AnalyzeIntent classifies text. It never fails; unrecognized requests are
// read as low-confidence explain requests.
func AnalyzeIntent(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Intent{Action: ActionExplain}
	}

	action, at, kw := ActionExplain, -1, ""
	for _, group := range actionKeywords {
		for _, w := range group.words {
			i := indexWord(lower, w)
			if i >= 0 && (at < 0 || i < at) {
				action, at, kw = group.action, i, w
			}
		}
	}

	in := Intent{Action: action}
	confidence := 0.2
	if at >= 0 {
		confidence = 0.5
		if strings.TrimSpace(lower[:at]) == "" || strings.TrimSpace(lower[:at]) == "please" {
			confidence += 0.2
		}
		in.Object = extractObject(lower[at+len(kw):])
	} else {
		in.Object = extractObject(lower)
	}
	if in.Object != "" {
		confidence += 0.2
	}

	switch {
	case containsWord(lower, fullScopeWords):
		in.Scope = ScopeFull
	case containsWord(lower, minimalScopeWords):
		in.Scope = ScopeMinimal
	case in.Object != "" && at >= 0:
		in.Scope = ScopeModerate
	}
	if in.Scope != "" {
		confidence += 0.1
	}

	in.Confidence = min(confidence, 1)
	return in
}

// extractObject takes the words after the action keyword, dropping leading
// determiners and trailing punctuation.
func extractObject(rest string) string {
	toks := words(rest)
	for len(toks) > 0 && determiners[toks[0]] {
		toks = toks[1:]
	}
	if len(toks) > maxObjectWords {
		toks = toks[:maxObjectWords]
	}
	return strings.Trim(strings.Join(toks, " "), ".,;:!?")
}
