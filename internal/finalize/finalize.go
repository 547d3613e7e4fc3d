// Package finalize turns accumulated phase outputs into one user-facing
// answer.
//
// It runs in two passes. The work pass lets a backend call tools through
// <tool name="x">{json}</tool> markup for a bounded number of rounds,
// accumulating everything into a WorkContext value. The finalize pass is a
// separate call with no tools that rewrites the work context as a short
// answer. Its output is then sanitized, word-capped and scrubbed of
// credentials. Failures never reach the user as raw error text; they are
// rephrased in the language of the request.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/retry"
	"github.com/fyrsmithlabs/chimera/internal/tools"
)

// Config bounds the two passes.
type Config struct {
	// WorkRounds caps backend turns in the work pass. Zero skips the pass.
	WorkRounds int
	// MaxWords caps the final answer.
	MaxWords int
	// ContextChars caps the work context sent to the finalize pass.
	ContextChars int
	// InlineCodeMax is the longest inline code span kept by Sanitize.
	InlineCodeMax int
	// RedactSecrets runs the gitleaks rules over the final answer.
	RedactSecrets bool
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		WorkRounds:    3,
		MaxWords:      350,
		ContextChars:  6000,
		InlineCodeMax: DefaultInlineCodeMax,
		RedactSecrets: true,
	}
}

// ApplyDefaults fills non-positive bounds. WorkRounds is left alone so zero
// can disable the work pass.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.WorkRounds < 0 {
		c.WorkRounds = 0
	}
	if c.MaxWords <= 0 {
		c.MaxWords = def.MaxWords
	}
	if c.ContextChars <= 0 {
		c.ContextChars = def.ContextChars
	}
	if c.InlineCodeMax <= 0 {
		c.InlineCodeMax = def.InlineCodeMax
	}
}

// Deps are the collaborators of a Finalizer.
type Deps struct {
	Registry *backend.Registry
	Health   *health.Monitor
	Retry    *retry.Runner
	// Tools is optional. Without it the work pass is skipped.
	Tools *tools.Registry
	// Redactor is optional. Without it RedactSecrets has no effect.
	Redactor *Redactor
	Logger   *zap.Logger
}

// Finalizer runs the work and finalize passes.
type Finalizer struct {
	cfg      Config
	deps     Deps
	sanitize Sanitizer
	logger   *zap.Logger
}

// New creates a Finalizer.
func New(cfg Config, deps Deps) (*Finalizer, error) {
	if deps.Registry == nil || deps.Retry == nil {
		return nil, errors.New("finalize: backend registry and retry runner are required")
	}
	cfg.ApplyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Finalizer{
		cfg:      cfg,
		deps:     deps,
		sanitize: Sanitizer{InlineCodeMax: cfg.InlineCodeMax},
		logger:   deps.Logger.Named("finalize"),
	}, nil
}

// Input is one request to finalize.
type Input struct {
	WorkContext
	ExecutionID string
	// Role is reported to tool policies.
	Role string
}

// Output is the user-facing answer.
type Output struct {
	Text     string      `json:"text"`
	Language Language    `json:"language"`
	Work     WorkContext `json:"-"`
	// Fallback is set when the finalize call failed and Text was built
	// from the phase outputs directly.
	Fallback    bool     `json:"fallback,omitempty"`
	RedactedBy  []string `json:"redacted_by,omitempty"`
	Backend     string   `json:"backend,omitempty"`
	ToolsCalled int      `json:"tools_called,omitempty"`
}

// Run executes both passes. It fails only when there is nothing at all to
// show; a failed finalize call falls back to the sanitized phase outputs.
func (f *Finalizer) Run(ctx context.Context, in Input) (Output, error) {
	lang := DetectLanguage(in.Message)
	work := f.Work(ctx, in)

	text, used, err := f.Finalize(ctx, work, lang)
	out := Output{Language: lang, Work: work, Backend: used, ToolsCalled: len(work.Tools)}
	if err != nil {
		f.logger.Warn("finalize pass failed, using phase outputs", zap.Error(err))
		outputs := work.Outputs()
		if len(outputs) == 0 {
			return out, err
		}
		text = f.clean(strings.Join(outputs, "\n\n"))
		out.Fallback = true
	}
	if text == "" {
		return out, backend.ErrEmptyResponse
	}
	out.Text, out.RedactedBy = f.redact(text)
	return out, nil
}

// Failure is the Output for a request that could not be served.
func (f *Finalizer) Failure(message string, kind backend.Kind) Output {
	lang := DetectLanguage(message)
	return Output{Text: FailureMessage(lang, kind), Language: lang}
}

var toolCallRe = regexp.MustCompile(`(?s)<tool\s+name\s*=\s*"([^"]+)"\s*>(.*?)</tool>`)

// ParseToolCalls extracts tool markup from text in order of appearance.
// Blank bodies become empty parameter objects.
func ParseToolCalls(text string) []ToolCall {
	matches := toolCallRe.FindAllStringSubmatch(text, -1)
	calls := make([]ToolCall, 0, len(matches))
	for _, m := range matches {
		body := strings.TrimSpace(m[2])
		if body == "" {
			body = "{}"
		}
		calls = append(calls, ToolCall{Name: strings.TrimSpace(m[1]), Params: json.RawMessage(body)})
	}
	return calls
}

// Work runs the tool loop. It returns the accumulated context even when a
// backend call fails partway.
func (f *Finalizer) Work(ctx context.Context, in Input) WorkContext {
	work := in.WorkContext
	if f.deps.Tools == nil || f.cfg.WorkRounds == 0 {
		return work
	}
	available := f.listedTools(work.Message)
	if len(available) == 0 {
		return work
	}
	cands := f.pool()
	pc := tools.PolicyContext{Role: in.Role, ExecutionID: in.ExecutionID}

	req := backend.Request{
		System:   workSystem(available),
		Messages: []backend.Message{{Role: backend.RoleUser, Content: work.Render(f.cfg.ContextChars)}},
	}
	for round := 1; round <= f.cfg.WorkRounds; round++ {
		res := f.deps.Retry.Do(ctx, cands, req)
		if !res.OK() {
			f.logger.Warn("work pass call failed", zap.Int("round", round), zap.Error(res.Err))
			return work
		}
		work.Rounds = round
		calls := ParseToolCalls(res.Response.Text)
		if len(calls) == 0 {
			return work.WithNote(f.sanitize.Sanitize(res.Response.Text))
		}

		var results strings.Builder
		for _, c := range calls {
			c.Result = f.deps.Tools.Invoke(ctx, c.Name, c.Params, pc)
			work = work.WithToolCall(c)
			data, _ := json.Marshal(c.Result)
			fmt.Fprintf(&results, "<tool_result name=%q>%s</tool_result>\n", c.Name, data)
		}
		req.Messages = append(req.Messages,
			backend.Message{Role: backend.RoleAssistant, Content: res.Response.Text},
			backend.Message{Role: backend.RoleUser, Content: results.String()},
		)
	}
	f.logger.Debug("work pass hit round limit", zap.Int("rounds", f.cfg.WorkRounds))
	return work
}

// maxListedTools caps the tools described to the work pass.
const maxListedTools = 12

// listedTools returns every tool when there are few, otherwise the ones
// matching words of the request, falling back to the first maxListedTools.
func (f *Finalizer) listedTools(message string) []tools.Descriptor {
	all := f.deps.Tools.ListTools()
	if len(all) <= maxListedTools {
		return all
	}
	seen := make(map[string]bool)
	var out []tools.Descriptor
	for _, word := range strings.Fields(message) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if len([]rune(word)) < 4 {
			continue
		}
		for _, d := range f.deps.Tools.Search(word) {
			if !seen[d.Name] {
				seen[d.Name] = true
				out = append(out, d)
			}
		}
	}
	if len(out) == 0 {
		return all[:maxListedTools]
	}
	return out[:min(len(out), maxListedTools)]
}

// Finalize makes the isolated rewrite call and cleans its answer.
func (f *Finalizer) Finalize(ctx context.Context, work WorkContext, lang Language) (string, string, error) {
	req := backend.Prompt(finalizeSystem(f.cfg.MaxWords, lang), work.Render(f.cfg.ContextChars))
	res := f.deps.Retry.Do(ctx, f.pool(), req)
	if !res.OK() {
		return "", res.Backend, res.Err
	}
	text := f.clean(res.Response.Text)
	if text == "" {
		return "", res.Backend, backend.ErrEmptyResponse
	}
	return text, res.Backend, nil
}

func (f *Finalizer) clean(s string) string {
	return f.sanitize.Sanitize(CapWords(f.sanitize.Sanitize(s), f.cfg.MaxWords))
}

func (f *Finalizer) redact(s string) (string, []string) {
	if !f.cfg.RedactSecrets || f.deps.Redactor == nil {
		return s, nil
	}
	out, rules := f.deps.Redactor.Redact(s)
	if len(rules) > 0 {
		f.logger.Info("redacted secrets from answer", zap.Strings("rules", rules))
	}
	return out, rules
}

func (f *Finalizer) pool() []backend.Backend {
	var keep func(string) bool
	if f.deps.Health != nil {
		keep = f.deps.Health.Available
	}
	cands := f.deps.Registry.Resolve(nil, true, keep)
	if f.deps.Health != nil {
		cands = f.deps.Health.GuardAll(cands)
	}
	return cands
}

var languageNames = map[Language]string{
	English: "English",
	Spanish: "Spanish",
	German:  "German",
	French:  "French",
	Russian: "Russian",
}

func finalizeSystem(maxWords int, lang Language) string {
	return fmt.Sprintf("You write the final answer to the request below, using the work shown. "+
		"Write plain prose in %s, at most %d words. Do not use code blocks, raw JSON or tool markup. "+
		"Do not mention tools, errors, phases or models. If the work is incomplete, answer with what is known.",
		languageNames[lang], maxWords)
}

func workSystem(available []tools.Descriptor) string {
	var b strings.Builder
	b.WriteString("You may gather more information before the answer is written. To call a tool, reply with ")
	b.WriteString(`<tool name="NAME">{"param":"value"}</tool>` + " and nothing else. ")
	b.WriteString("Tool results come back in <tool_result> tags. When you have what you need, reply with a short note of your findings and no tool markup.\n\nTools:")
	for _, d := range available {
		fmt.Fprintf(&b, "\n- %s: %s", d.Name, d.Description)
		for _, name := range slices.Sorted(maps.Keys(d.Parameters)) {
			fmt.Fprintf(&b, "\n  - %s: %s", name, d.Parameters[name])
		}
	}
	return b.String()
}
