// Package retry runs a backend call through an explicit
// Attempt → Retry | Fallback | Fail state machine.
//
// Each candidate backend gets up to MaxRetries retries with exponential
// backoff for transient and rate-limit failures. Auth and circuit-open
// failures move straight to the next candidate. Validation failures and
// caller cancellation end the run. Failures never escape as panics or bare
// errors; Do always returns a Result.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/chimera/internal/backend"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// State is a node of the retry state machine.
type State string

const (
	StateAttempt  State = "attempt"
	StateRetry    State = "retry"
	StateFallback State = "fallback"
	StateFail     State = "fail"
	StateDone     State = "done"
)

// Transition records one edge taken by the state machine.
type Transition struct {
	To      State         `json:"to"`
	Backend string        `json:"backend"`
	Attempt int           `json:"attempt"`
	Kind    backend.Kind  `json:"kind,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
}

// Config controls backoff against a single backend.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps every delay.
	// Default: 8s
	MaxBackoff time.Duration

	// Multiplier grows the delay between retries.
	// Default: 2
	Multiplier float64

	// Jitter is the randomization factor in [0,1]. Zero is deterministic.
	Jitter float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
	}
}

// ApplyDefaults fills unset fields. A negative MaxRetries means no retries.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
}

// Result is the typed outcome of Do.
type Result struct {
	Response    backend.Response
	Backend     string
	Attempts    int
	Err         error
	Kind        backend.Kind
	Transitions []Transition
}

// OK reports whether a backend produced a response.
func (r Result) OK() bool {
	return r.Err == nil
}

// RateLimited reports whether the final failure was a 429.
func (r Result) RateLimited() bool {
	return r.Kind == backend.KindRateLimit
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Runner executes calls with retry and fallback.
type Runner struct {
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics
	sleep   SleepFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records calls and retries on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn SleepFunc) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New creates a Runner.
func New(cfg Config, opts ...Option) *Runner {
	cfg.ApplyDefaults()
	r := &Runner{
		cfg:    cfg,
		logger: zap.NewNop(),
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.InitialBackoff,
		RandomizationFactor: r.cfg.Jitter,
		Multiplier:          r.cfg.Multiplier,
		MaxInterval:         r.cfg.MaxBackoff,
	}
	b.Reset()
	return b
}

// next decides the edge to take after a failed attempt.
func (r *Runner) next(ctx context.Context, err error, retries int) State {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return StateFail
	}
	switch backend.KindOf(err) {
	case backend.KindValidation:
		return StateFail
	case backend.KindAuth, backend.KindCircuitOpen:
		return StateFallback
	default:
		if retries < r.cfg.MaxRetries {
			return StateRetry
		}
		return StateFallback
	}
}

// Call runs req against a single backend.
func (r *Runner) Call(ctx context.Context, b backend.Backend, req backend.Request) Result {
	return r.Do(ctx, []backend.Backend{b}, req)
}

// Do tries candidates in order until one succeeds or the run fails.
func (r *Runner) Do(ctx context.Context, candidates []backend.Backend, req backend.Request) Result {
	var res Result
	if len(candidates) == 0 {
		res.Err = backend.ErrNoBackends
		res.Transitions = append(res.Transitions, Transition{To: StateFail})
		return res
	}

	var lastErr error
	for _, b := range candidates {
		id := b.ID()
		bo := r.newBackOff()

		for retries := 0; ; retries++ {
			if err := ctx.Err(); err != nil {
				return r.fail(res, id, err)
			}

			res.Attempts++
			res.Transitions = append(res.Transitions, Transition{To: StateAttempt, Backend: id, Attempt: res.Attempts})

			resp, err := r.call(ctx, b, req)
			if err == nil {
				res.Response = resp
				res.Backend = id
				res.Transitions = append(res.Transitions, Transition{To: StateDone, Backend: id, Attempt: res.Attempts})
				return res
			}
			lastErr = err
			kind := backend.KindOf(err)

			switch r.next(ctx, err, retries) {
			case StateRetry:
				delay := bo.NextBackOff()
				res.Transitions = append(res.Transitions, Transition{
					To: StateRetry, Backend: id, Attempt: res.Attempts, Kind: kind, Delay: delay,
				})
				r.metrics.RecordRetry(ctx, id, string(kind))
				if kind == backend.KindRateLimit {
					r.logger.Warn("backend rate limited, backing off",
						zap.String("backend", id),
						zap.Duration("delay", delay),
						zap.Int("retry", retries+1),
					)
				} else {
					r.logger.Debug("retrying backend call",
						zap.String("backend", id),
						zap.Duration("delay", delay),
						zap.Int("retry", retries+1),
						zap.Error(err),
					)
				}
				if serr := r.sleep(ctx, delay); serr != nil {
					return r.fail(res, id, serr)
				}
				continue

			case StateFallback:
				res.Transitions = append(res.Transitions, Transition{
					To: StateFallback, Backend: id, Attempt: res.Attempts, Kind: kind,
				})
				r.logger.Info("falling back to next backend",
					zap.String("backend", id),
					zap.String("kind", string(kind)),
					zap.Error(err),
				)

			default:
				return r.fail(res, id, err)
			}
			break
		}
	}

	// every candidate exhausted
	res.Err = lastErr
	res.Kind = backend.KindOf(lastErr)
	res.Transitions = append(res.Transitions, Transition{To: StateFail, Attempt: res.Attempts, Kind: res.Kind})
	return res
}

func (r *Runner) fail(res Result, id string, err error) Result {
	res.Err = err
	res.Kind = backend.KindOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Kind = ""
	}
	res.Transitions = append(res.Transitions, Transition{To: StateFail, Backend: id, Attempt: res.Attempts, Kind: res.Kind})
	return res
}

func (r *Runner) call(ctx context.Context, b backend.Backend, req backend.Request) (backend.Response, error) {
	ctx, span := telemetry.StartSpan(ctx, "backend.call",
		attribute.String("backend.id", b.ID()),
		attribute.String("backend.model", b.Model()),
	)
	start := time.Now()
	resp, err := b.Complete(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = string(backend.KindOf(err))
	}
	r.metrics.RecordBackendCall(ctx, b.ID(), outcome, time.Since(start))
	telemetry.EndSpan(span, err)
	return resp, err
}
