// Package batch runs independent jobs in fixed-width concurrent batches with
// a fixed delay between batches.
//
// This is client-side admission control for backend calls, not a scheduler:
// batch k+1 starts only after every job of batch k has returned. A job that
// exceeds the per-job timeout fails on its own; the rest of its batch is not
// affected.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config controls batch shape and pacing.
type Config struct {
	// Width is the number of jobs run concurrently. Default: 3
	Width int
	// Delay is inserted between successive batches.
	Delay time.Duration
	// Timeout bounds each job. Zero means no per-job timeout.
	Timeout time.Duration
}

// Job is one unit of work.
type Job[T any] func(ctx context.Context) (T, error)

// Result is the outcome of one job. Results are returned in input order;
// Order is the 0-based position in which the job finished across the run.
type Result[T any] struct {
	Index int
	Batch int
	Order int
	Value T
	Err   error
}

// Runner holds batch configuration. It is safe for concurrent use.
type Runner struct {
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithSleep replaces the inter-batch wait, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// New creates a Runner.
func New(cfg Config, opts ...Option) *Runner {
	if cfg.Width < 1 {
		cfg.Width = 3
	}
	r := &Runner{cfg: cfg, logger: zap.NewNop(), sleep: sleep}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Width returns the configured concurrency width.
func (r *Runner) Width() int {
	return r.cfg.Width
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes jobs and returns one Result per job, in input order.
// Cancelling ctx stops new batches from starting; jobs that never ran carry
// ctx.Err().
func Run[T any](ctx context.Context, r *Runner, jobs []Job[T]) []Result[T] {
	results := make([]Result[T], len(jobs))
	if len(jobs) == 0 {
		return results
	}

	var finished atomic.Int64
	width := r.cfg.Width
	batches := (len(jobs) + width - 1) / width

	for b := 0; b < batches; b++ {
		lo := b * width
		hi := min(lo+width, len(jobs))

		if b > 0 {
			if err := r.sleep(ctx, r.cfg.Delay); err != nil {
				skip(results, lo, b, width, err)
				r.logger.Debug("batch run cancelled", zap.Int("batch", b), zap.Int("skipped", len(jobs)-lo))
				return results
			}
		} else if err := ctx.Err(); err != nil {
			skip(results, 0, 0, width, err)
			return results
		}

		// Jobs never return an error to the group so one failure
		// cannot cancel its siblings.
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				jctx, cancel := r.jobContext(ctx)
				defer cancel()

				v, err := call(jctx, r.logger, jobs[i])
				results[i] = Result[T]{
					Index: i,
					Batch: b,
					Order: int(finished.Add(1) - 1),
					Value: v,
					Err:   err,
				}
				return nil
			})
		}
		_ = g.Wait()

		r.logger.Debug("batch finished",
			zap.Int("batch", b),
			zap.Int("of", batches),
			zap.Int("jobs", hi-lo),
		)
	}
	return results
}

func (r *Runner) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, r.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func skip[T any](results []Result[T], from, batch, width int, err error) {
	for i := from; i < len(results); i++ {
		results[i] = Result[T]{Index: i, Batch: batch + (i-from)/width, Order: -1, Err: err}
	}
}

// Values returns the values of successful results, in input order.
func Values[T any](results []Result[T]) []T {
	out := make([]T, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// FirstError returns the first failure in input order, or nil.
func FirstError[T any](results []Result[T]) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// ErrPanicked wraps a panic recovered from a job.
var ErrPanicked = errors.New("batch job panicked")

// call runs job and reports a panic as its error, so one bad job cannot
// take the process down with it.
func call[T any](ctx context.Context, logger *zap.Logger, job Job[T]) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("batch job panicked, recovering",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanicked, rec)
		}
	}()
	return job(ctx)
}
