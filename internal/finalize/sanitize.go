package finalize

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// DefaultInlineCodeMax is the longest inline code span kept, unquoted, in
// sanitized text.
const DefaultInlineCodeMax = 40

var (
	toolBlockRe  = regexp.MustCompile(`(?is)<tool\b[^>]*>.*?</tool>`)
	toolResultRe = regexp.MustCompile(`(?is)<tool_result\b[^>]*>.*?</tool_result>`)
	toolTagRe    = regexp.MustCompile(`(?i)</?tool(_result)?\b[^>]*>`)
	fenceBlockRe = regexp.MustCompile("(?s)```[^\\n`]*\\n?.*?```")
	openFenceRe  = regexp.MustCompile("(?s)```.*$")
	tildeFenceRe = regexp.MustCompile("(?s)~~~[^\\n]*\\n.*?~~~")
	inlineCodeRe = regexp.MustCompile("`([^`\\n]+)`")
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
	trailingWSRe = regexp.MustCompile(`[ \t]+\n`)
	toolErrorRe  = regexp.MustCompile(`(?im)^[^\n]*\b(tool (error|failed)|error invoking tool|traceback \(most recent call last\))[^\n]*\n?`)
)

// Sanitizer makes backend text safe to show to a person. It removes code
// fences, tool markup, tool error lines, JSON blocks and long inline code.
type Sanitizer struct {
	// InlineCodeMax is the longest inline code span kept. Longer spans are
	// dropped. Zero means DefaultInlineCodeMax.
	InlineCodeMax int
}

// Sanitize cleans s with the default sanitizer.
func Sanitize(s string) string {
	return Sanitizer{}.Sanitize(s)
}

// Sanitize applies the cleaning passes until the text stops changing, so
// Sanitize(Sanitize(s)) == Sanitize(s). A pass only removes text, so every
// pass that changes s makes it strictly shorter and the loop terminates.
func (z Sanitizer) Sanitize(s string) string {
	limit := z.InlineCodeMax
	if limit <= 0 {
		limit = DefaultInlineCodeMax
	}
	out := s
	for {
		next := pass(out, limit)
		if next == out {
			return out
		}
		out = next
	}
}

func pass(s string, inlineMax int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = toolBlockRe.ReplaceAllString(s, "")
	s = toolResultRe.ReplaceAllString(s, "")
	s = toolTagRe.ReplaceAllString(s, "")
	s = fenceBlockRe.ReplaceAllString(s, "")
	s = tildeFenceRe.ReplaceAllString(s, "")
	s = openFenceRe.ReplaceAllString(s, "")
	s = toolErrorRe.ReplaceAllString(s, "")
	s = inlineCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.TrimSpace(m[1 : len(m)-1])
		if len([]rune(inner)) > inlineMax {
			return ""
		}
		return inner
	})
	s = dropJSON(s)
	s = trailingWSRe.ReplaceAllString(s, "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// dropJSON removes paragraphs that are JSON values and an unterminated
// object or array that runs to the end of the text.
func dropJSON(s string) string {
	paras := strings.Split(s, "\n\n")
	kept := paras[:0]
	for _, p := range paras {
		t := strings.TrimSpace(p)
		if looksJSON(t) && json.Valid([]byte(t)) {
			continue
		}
		kept = append(kept, p)
	}
	s = strings.Join(kept, "\n\n")
	return dropDangling(s)
}

func looksJSON(t string) bool {
	if len(t) < 2 {
		return false
	}
	return (t[0] == '{' && t[len(t)-1] == '}') || (t[0] == '[' && t[len(t)-1] == ']')
}

// dropDangling cuts a trailing JSON fragment: a line opening with { or [
// whose brackets never balance before the end of the text.
func dropDangling(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		t := strings.TrimLeftFunc(line, unicode.IsSpace)
		if t == "" || (t[0] != '{' && t[0] != '[') {
			continue
		}
		rest := strings.Join(lines[i:], "\n")
		if !balanced(rest) && strings.ContainsAny(rest, `":`) {
			return strings.Join(lines[:i], "\n")
		}
	}
	return s
}

func balanced(s string) bool {
	depth := 0
	inString, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			depth--
		}
	}
	return depth <= 0 && !inString
}

// CapWords keeps at most n words of s, cutting at a word boundary and
// keeping the original spacing of what remains. n <= 0 keeps everything.
func CapWords(s string, n int) string {
	if n <= 0 {
		return s
	}
	words := 0
	inWord := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			if words == n {
				return strings.TrimRightFunc(s[:i], unicode.IsSpace) + " …"
			}
			words++
			inWord = true
		}
	}
	return s
}
