// Package events publishes execution lifecycle events.
//
// Events are published to NATS subjects of the form
//
//	{prefix}.{execution_id}.{type}
//
// for example chimera.executions.3f2c….phase.completed. Publishing is best
// effort: a failed publish is logged by the caller and never fails the
// execution.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type names a lifecycle event.
type Type string

const (
	ExecutionCreated   Type = "execution.created"
	PhaseStarted       Type = "phase.started"
	PhaseProgress      Type = "phase.progress"
	PhaseCompleted     Type = "phase.completed"
	PhaseFailed        Type = "phase.failed"
	ExecutionCompleted Type = "execution.completed"
	ExecutionFailed    Type = "execution.failed"
)

// Event is one lifecycle notification.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	PhaseID     string    `json:"phase_id,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Progress    int       `json:"progress,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "chimera.executions"

// ErrClosed is returned by a closed publisher.
var ErrClosed = errors.New("events: publisher closed")

// NATSPublisher publishes JSON events to NATS core subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("chimera"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return Subject(p.prefix, e)
}

// Subject builds {prefix}.{execution_id}.{type}.
func Subject(prefix string, e Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, e.ExecutionID, e.Type)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if !p.owned {
		return nil
	}
	err := p.nc.FlushTimeout(2 * time.Second)
	p.nc.Close()
	return err
}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
