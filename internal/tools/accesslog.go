package tools

import (
	"sync"
	"time"
)

// DefaultAccessLogSize is the access log capacity when none is configured.
const DefaultAccessLogSize = 1000

// Outcome classifies one invocation attempt.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeDenied           Outcome = "denied"
	OutcomeApprovalRequired Outcome = "approval_required"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeFailed           Outcome = "failed"
	OutcomeNotFound         Outcome = "not_found"
)

// Access is one access log record.
type Access struct {
	At          time.Time     `json:"at"`
	Tool        string        `json:"tool"`
	Role        string        `json:"role,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// AccessLog is an append-only ring of the most recent accesses. Once full,
// each append drops the oldest record.
type AccessLog struct {
	mu      sync.Mutex
	buf     []Access
	next    int
	full    bool
	dropped int
}

// NewAccessLog creates a log holding at most size records.
func NewAccessLog(size int) *AccessLog {
	if size <= 0 {
		size = DefaultAccessLogSize
	}
	return &AccessLog{buf: make([]Access, size)}
}

// Append records a.
func (l *AccessLog) Append(a Access) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		l.dropped++
	}
	l.buf[l.next] = a
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
}

// Entries returns the retained records, oldest first.
func (l *AccessLog) Entries() []Access {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]Access, l.next)
		copy(out, l.buf[:l.next])
		return out
	}
	out := make([]Access, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}

// Len returns how many records are retained.
func (l *AccessLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.buf)
	}
	return l.next
}

// Dropped returns how many records were evicted.
func (l *AccessLog) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
