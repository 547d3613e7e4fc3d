// Package health tracks per-backend call outcomes and opens a circuit
// breaker after repeated failures.
//
// A breaker is closed while calls succeed. Once FailureThreshold consecutive
// failures accumulate it opens and every call short-circuits with a
// synthetic circuit-open error until Cooldown has passed since the last
// failure. The next call after that is a single half-open trial call: success
// closes the breaker, failure re-opens it and restarts the cooldown.
package health

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	stateClosed uint32 = iota
	stateOpen
	stateHalfOpen
)

// Config holds breaker tuning.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig returns a threshold of 5 and a one minute cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: time.Minute}
}

// Status is a point-in-time view of one backend's health.
type Status struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           time.Time `json:"last_error,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
}

type breaker struct {
	failures    atomic.Int32
	state       atomic.Uint32
	lastError   atomic.Int64 // unix nanos
	lastSuccess atomic.Int64 // unix nanos

	mu     sync.Mutex
	errMsg string
}

// Monitor owns one breaker per backend id.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithRegisterer exports breaker gauges to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) { m.metrics = newMetrics(reg) }
}

// NewMonitor creates a Monitor. Zero config values take defaults.
func NewMonitor(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	m := &Monitor{
		cfg:      cfg,
		now:      time.Now,
		logger:   zap.NewNop(),
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = newMetrics(nil)
	}
	return m
}

func (m *Monitor) breaker(id string) *breaker {
	m.mu.RLock()
	b, ok := m.breakers[id]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[id]; ok {
		return b
	}
	b = &breaker{}
	m.breakers[id] = b
	m.metrics.healthy.WithLabelValues(id).Set(1)
	return b
}

func (m *Monitor) cooledDown(b *breaker) bool {
	last := time.Unix(0, b.lastError.Load())
	return m.now().Sub(last) >= m.cfg.Cooldown
}

// Allow reports whether a call to id may proceed. It returns a circuit-open
// *backend.Error when the breaker is open, and admits exactly one trial call once
// the cooldown has elapsed.
func (m *Monitor) Allow(id string) error {
	b := m.breaker(id)
	for {
		switch b.state.Load() {
		case stateOpen:
			if m.cooledDown(b) {
				// only the goroutine that wins the swap makes the trial call
				if b.state.CompareAndSwap(stateOpen, stateHalfOpen) {
					m.logger.Info("circuit half-open, probing backend", zap.String("backend", id))
					return nil
				}
				continue
			}
			m.metrics.shortCircuits.WithLabelValues(id).Inc()
			return backend.CircuitOpen(id, "backend unhealthy, cooling down")
		case stateHalfOpen:
			m.metrics.shortCircuits.WithLabelValues(id).Inc()
			return backend.CircuitOpen(id, "trial call in flight")
		default:
			return nil
		}
	}
}

// Available reports whether a call to id would currently be admitted,
// without claiming the trial slot.
func (m *Monitor) Available(id string) bool {
	b := m.breaker(id)
	switch b.state.Load() {
	case stateOpen:
		return m.cooledDown(b)
	case stateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (m *Monitor) RecordSuccess(id string) {
	b := m.breaker(id)
	b.lastSuccess.Store(m.now().UnixNano())
	b.failures.Store(0)
	if prev := b.state.Swap(stateClosed); prev != stateClosed {
		m.logger.Info("circuit closed", zap.String("backend", id))
	}
	b.mu.Lock()
	b.errMsg = ""
	b.mu.Unlock()

	m.metrics.healthy.WithLabelValues(id).Set(1)
	m.metrics.failures.WithLabelValues(id).Set(0)
}

// RecordFailure counts a failed call and opens the breaker at the threshold.
// A failed trial call re-opens it immediately.
func (m *Monitor) RecordFailure(id string, err error) {
	b := m.breaker(id)
	b.lastError.Store(m.now().UnixNano())
	if err != nil {
		b.mu.Lock()
		b.errMsg = err.Error()
		b.mu.Unlock()
	}

	var n int32
	for {
		cur := b.failures.Load()
		if cur == math.MaxInt32 {
			n = cur
			break
		}
		if b.failures.CompareAndSwap(cur, cur+1) {
			n = cur + 1
			break
		}
	}
	m.metrics.failures.WithLabelValues(id).Set(float64(n))

	if b.state.CompareAndSwap(stateHalfOpen, stateOpen) {
		m.logger.Warn("trial call failed, circuit re-opened", zap.String("backend", id), zap.Error(err))
		m.metrics.healthy.WithLabelValues(id).Set(0)
		return
	}
	if int(n) >= m.cfg.FailureThreshold && b.state.CompareAndSwap(stateClosed, stateOpen) {
		m.logger.Warn("circuit opened",
			zap.String("backend", id),
			zap.Int32("consecutive_failures", n),
			zap.Duration("cooldown", m.cfg.Cooldown),
			zap.Error(err),
		)
		m.metrics.healthy.WithLabelValues(id).Set(0)
	}
}

// release returns an unresolved trial slot, e.g. when the caller cancelled.
func (m *Monitor) release(id string) {
	m.breaker(id).state.CompareAndSwap(stateHalfOpen, stateOpen)
}

// Status returns the health of id.
func (m *Monitor) Status(id string) Status {
	b := m.breaker(id)
	st := Status{
		Provider:            id,
		ConsecutiveFailures: int(b.failures.Load()),
	}
	switch b.state.Load() {
	case stateOpen:
		st.State = "open"
	case stateHalfOpen:
		st.State = "half-open"
	default:
		st.State = "closed"
		st.IsHealthy = true
	}
	if ns := b.lastSuccess.Load(); ns != 0 {
		st.LastSuccess = time.Unix(0, ns)
	}
	if ns := b.lastError.Load(); ns != 0 {
		st.LastError = time.Unix(0, ns)
	}
	b.mu.Lock()
	st.ErrorMessage = b.errMsg
	b.mu.Unlock()
	return st
}

// Snapshot returns the status of every backend seen so far.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	ids := make([]string, 0, len(m.breakers))
	for id := range m.breakers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		out[id] = m.Status(id)
	}
	return out
}

// Guard wraps b so every call passes through the breaker.
func (m *Monitor) Guard(b backend.Backend) backend.Backend {
	return &guarded{Backend: b, monitor: m}
}

// GuardAll wraps every backend in bs.
func (m *Monitor) GuardAll(bs []backend.Backend) []backend.Backend {
	out := make([]backend.Backend, len(bs))
	for i, b := range bs {
		out[i] = m.Guard(b)
	}
	return out
}

type guarded struct {
	backend.Backend
	monitor *Monitor
}

func (g *guarded) Complete(ctx context.Context, req backend.Request) (backend.Response, error) {
	id := g.ID()
	if err := g.monitor.Allow(id); err != nil {
		return backend.Response{}, err
	}

	resp, err := g.Backend.Complete(ctx, req)
	switch {
	case err == nil:
		g.monitor.RecordSuccess(id)
	case errors.Is(err, context.Canceled), backend.KindOf(err) == backend.KindValidation:
		// not the backend's fault
		g.monitor.release(id)
	default:
		g.monitor.RecordFailure(id, err)
	}
	return resp, err
}
