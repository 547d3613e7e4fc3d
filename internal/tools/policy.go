package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"golang.org/x/time/rate"
)

// Policy gates invocations of one tool. The zero value is a disabled tool.
type Policy struct {
	Enabled bool
	// AllowRoles, when non-empty, lists the only roles that may invoke.
	AllowRoles []string
	// DenyRoles always wins over AllowRoles.
	DenyRoles []string
	// RateLimit is invocations per second across all callers. Zero disables.
	RateLimit rate.Limit
	Burst     int
	// Params restricts individual parameters by name.
	Params map[string]ParamRule
	// RequiresApproval rejects calls that do not carry approval.
	RequiresApproval bool
}

// ParamRule restricts one parameter. An unset field is unrestricted.
type ParamRule struct {
	Required bool
	// Allowed lists permitted string values.
	Allowed []string
	// Pattern must match string values.
	Pattern *regexp.Regexp
	// MaxLen caps string length in bytes.
	MaxLen int
}

// PolicyContext identifies the caller of an invocation.
type PolicyContext struct {
	Role        string
	ExecutionID string
	Approved    bool
}

func (p Policy) validate() error {
	for _, r := range p.AllowRoles {
		if slices.Contains(p.DenyRoles, r) {
			return fmt.Errorf("role %q is both allowed and denied", r)
		}
	}
	if p.RateLimit < 0 || p.Burst < 0 {
		return errors.New("negative rate limit")
	}
	return nil
}

type denial struct {
	outcome Outcome
	reason  string
}

func deny(o Outcome, format string, args ...any) *denial {
	return &denial{outcome: o, reason: fmt.Sprintf(format, args...)}
}

// check applies the policy in a fixed order. The rate limiter is consulted
// last so rejected calls do not spend tokens.
func (e *entry) check(params json.RawMessage, pc PolicyContext) *denial {
	p := e.policy
	if !p.Enabled {
		return deny(OutcomeDenied, "tool %s is disabled", e.desc.Name)
	}
	if slices.Contains(p.DenyRoles, pc.Role) {
		return deny(OutcomeDenied, "role %q may not use %s", pc.Role, e.desc.Name)
	}
	if len(p.AllowRoles) > 0 && !slices.Contains(p.AllowRoles, pc.Role) {
		return deny(OutcomeDenied, "role %q may not use %s", pc.Role, e.desc.Name)
	}
	if len(p.Params) > 0 {
		if d := checkParams(p.Params, params); d != nil {
			return d
		}
	}
	if p.RequiresApproval && !pc.Approved {
		return deny(OutcomeApprovalRequired, "%s requires approval", e.desc.Name)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return deny(OutcomeRateLimited, "%s rate limit exceeded", e.desc.Name)
	}
	return nil
}

func checkParams(rules map[string]ParamRule, raw json.RawMessage) *denial {
	values := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return deny(OutcomeDenied, "parameters must be a JSON object")
		}
	}
	// sorted so the first violation reported is stable
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		rule := rules[name]
		v, ok := values[name]
		if !ok {
			if rule.Required {
				return deny(OutcomeDenied, "parameter %q is required", name)
			}
			continue
		}
		s, isString := v.(string)
		if !isString {
			if len(rule.Allowed) > 0 || rule.Pattern != nil || rule.MaxLen > 0 {
				return deny(OutcomeDenied, "parameter %q must be a string", name)
			}
			continue
		}
		if len(rule.Allowed) > 0 && !slices.Contains(rule.Allowed, s) {
			return deny(OutcomeDenied, "parameter %q value is not allowed", name)
		}
		if rule.Pattern != nil && !rule.Pattern.MatchString(s) {
			return deny(OutcomeDenied, "parameter %q value is not allowed", name)
		}
		if rule.MaxLen > 0 && len(s) > rule.MaxLen {
			return deny(OutcomeDenied, "parameter %q exceeds %d bytes", name, rule.MaxLen)
		}
	}
	return nil
}
