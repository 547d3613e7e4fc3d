package finalize

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// RedactionMarker replaces every detected secret.
const RedactionMarker = "[REDACTED]"

// Redactor removes credentials from user-visible text with the gitleaks
// default rule set.
type Redactor struct {
	// the detector accumulates findings internally and is not safe for
	// concurrent scans
	mu       sync.Mutex
	detector *detect.Detector
}

// NewRedactor loads the gitleaks default configuration.
func NewRedactor() (*Redactor, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading secret rules: %w", err)
	}
	return &Redactor{detector: d}, nil
}

// Redact returns s with every detected secret replaced by RedactionMarker
// and the ids of the rules that matched.
func (r *Redactor) Redact(s string) (string, []string) {
	if r == nil || s == "" {
		return s, nil
	}
	r.mu.Lock()
	findings := r.detector.DetectString(s)
	r.mu.Unlock()
	if len(findings) == 0 {
		return s, nil
	}

	secrets := make([]string, 0, len(findings))
	rules := make([]string, 0, len(findings))
	seen := map[string]bool{}
	for _, f := range findings {
		if f.Secret != "" {
			secrets = append(secrets, f.Secret)
		}
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, sec := range secrets {
		s = strings.ReplaceAll(s, sec, RedactionMarker)
	}
	sort.Strings(rules)
	return s, rules
}
