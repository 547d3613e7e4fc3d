// Package tools is the contract between the response pipeline and external
// tool adapters.
//
// Adapters register a Descriptor, a Policy and a Handler. Every invocation
// is checked against the tool's policy before the handler runs, and every
// attempt, allowed or not, is appended to a size-bounded access log. Policy
// denials are returned as a structured Result, never as a Go error, so the
// caller can show them to a backend as the tool's answer.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidTool is returned when a descriptor or handler is missing.
	ErrInvalidTool = errors.New("invalid tool")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// Descriptor is what a backend is told about a tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters documents the accepted JSON fields, name to description.
	Parameters map[string]string `json:"parameters,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
}

// Handler runs a tool with JSON parameters.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Result is the outcome of one invocation.
type Result struct {
	Success          bool   `json:"success"`
	Data             any    `json:"data,omitempty"`
	Error            string `json:"error,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
}

type entry struct {
	desc    Descriptor
	policy  Policy
	handler Handler
	limiter *rate.Limiter
}

// Registry holds registered tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	log    *AccessLog
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAccessLogSize bounds the access log. The default is DefaultAccessLogSize.
func WithAccessLogSize(n int) Option {
	return func(r *Registry) { r.log = NewAccessLog(n) }
}

// WithClock replaces time.Now for access log timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]*entry),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = NewAccessLog(DefaultAccessLogSize)
	}
	return r
}

// Register adds a tool.
func (r *Registry) Register(desc Descriptor, policy Policy, h Handler) error {
	if !namePattern.MatchString(desc.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidTool, desc.Name)
	}
	if h == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, desc.Name)
	}
	if err := policy.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidTool, desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[desc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, desc.Name)
	}
	e := &entry{desc: desc, policy: policy, handler: h}
	if policy.RateLimit > 0 {
		e.limiter = rate.NewLimiter(policy.RateLimit, max(policy.Burst, 1))
	}
	r.tools[desc.Name] = e
	return nil
}

// ListTools returns the enabled tools sorted by name.
func (r *Registry) ListTools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		if e.policy.Enabled {
			out = append(out, e.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns enabled tools whose name, description or keywords contain
// query, exact name matches first.
func (r *Registry) Search(query string) []Descriptor {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	type hit struct {
		desc  Descriptor
		score int
	}
	var hits []hit
	for _, d := range r.ListTools() {
		name := strings.ToLower(d.Name)
		switch {
		case name == q:
			hits = append(hits, hit{d, 3})
		case strings.Contains(name, q):
			hits = append(hits, hit{d, 2})
		case strings.Contains(strings.ToLower(d.Description), q):
			hits = append(hits, hit{d, 1})
		default:
			for _, kw := range d.Keywords {
				if strings.Contains(strings.ToLower(kw), q) {
					hits = append(hits, hit{d, 1})
					break
				}
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	out := make([]Descriptor, len(hits))
	for i, h := range hits {
		out[i] = h.desc
	}
	return out
}

// Invoke checks the policy for name and runs its handler when allowed.
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage, pc PolicyContext) Result {
	start := r.now()
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.record(start, name, pc, OutcomeNotFound, "unknown tool")
		return Result{Error: fmt.Sprintf("unknown tool %q", name)}
	}

	if d := e.check(params, pc); d != nil {
		r.record(start, name, pc, d.outcome, d.reason)
		r.logger.Debug("tool invocation denied",
			zap.String("tool", name),
			zap.String("role", pc.Role),
			zap.String("reason", d.reason),
		)
		return Result{Error: d.reason, RequiresApproval: d.outcome == OutcomeApprovalRequired}
	}

	data, err := e.handler(ctx, params)
	if err != nil {
		r.record(start, name, pc, OutcomeFailed, err.Error())
		r.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return Result{Error: err.Error()}
	}
	r.record(start, name, pc, OutcomeAllowed, "")
	return Result{Success: true, Data: data}
}

// AccessLog returns the registry's access log.
func (r *Registry) AccessLog() *AccessLog { return r.log }

func (r *Registry) record(start time.Time, name string, pc PolicyContext, o Outcome, reason string) {
	r.log.Append(Access{
		At:          start,
		Tool:        name,
		Role:        pc.Role,
		ExecutionID: pc.ExecutionID,
		Outcome:     o,
		Reason:      reason,
		Duration:    r.now().Sub(start),
	})
}
