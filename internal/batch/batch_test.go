package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_WidthAndOrder(t *testing.T) {
	var sleeps []time.Duration
	r := New(Config{Width: 2, Delay: 250 * time.Millisecond}, WithSleep(func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}))

	var running, peak atomic.Int32
	jobs := make([]Job[int], 5)
	for i := range jobs {
		jobs[i] = func(context.Context) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return i * 10, nil
		}
	}

	results := Run(context.Background(), r, jobs)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, i*10, res.Value)
		assert.Equal(t, i/2, res.Batch)
		assert.NoError(t, res.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, sleeps, 2, "delay only between batches")
	assert.Equal(t, []int{0, 10, 20, 30, 40}, Values(results))
}

func TestRun_CompletionOrder(t *testing.T) {
	r := New(Config{Width: 3})
	release := make(chan struct{})
	jobs := []Job[string]{
		func(context.Context) (string, error) {
			<-release
			time.Sleep(50 * time.Millisecond)
			return "slow", nil
		},
		func(context.Context) (string, error) { defer close(release); return "fast", nil },
	}

	results := Run(context.Background(), r, jobs)
	assert.Equal(t, 1, results[0].Order)
	assert.Equal(t, 0, results[1].Order)
}

func TestRun_PerJobTimeout(t *testing.T) {
	r := New(Config{Width: 2, Timeout: 20 * time.Millisecond})
	jobs := []Job[string]{
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		func(context.Context) (string, error) { return "ok", nil },
	}

	results := Run(context.Background(), r, jobs)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "ok", results[1].Value)
	assert.ErrorIs(t, FirstError(results), context.DeadlineExceeded)
}

func TestRun_FailureDoesNotCancelSiblings(t *testing.T) {
	r := New(Config{Width: 3})
	boom := errors.New("boom")

	var mu sync.Mutex
	var seen []string
	mk := func(name string, err error) Job[string] {
		return func(ctx context.Context) (string, error) {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return name, errors.Join(err, ctx.Err())
		}
	}

	results := Run(context.Background(), r, []Job[string]{mk("a", boom), mk("b", nil), mk("c", nil)})
	assert.ErrorIs(t, results[0].Err, boom)
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Len(t, seen, 3)
}

func TestRun_PanicBecomesError(t *testing.T) {
	r := New(Config{Width: 2})
	jobs := []Job[string]{
		func(context.Context) (string, error) { panic("worker blew up") },
		func(context.Context) (string, error) { return "ok", nil },
		func(context.Context) (string, error) { return "later", nil },
	}

	var results []Result[string]
	require.NotPanics(t, func() { results = Run(context.Background(), r, jobs) })
	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0].Err, ErrPanicked)
	assert.Contains(t, results[0].Err.Error(), "worker blew up")
	assert.Empty(t, results[0].Value)
	assert.Equal(t, "ok", results[1].Value)
	assert.Equal(t, "later", results[2].Value, "later batches still run")
}

func TestRun_CancelStopsLaterBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{Width: 1, Delay: time.Millisecond})

	var calls atomic.Int32
	job := func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		return 1, nil
	}

	results := Run(ctx, r, []Job[int]{job, job, job})
	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, context.Canceled)
	assert.ErrorIs(t, results[2].Err, context.Canceled)
	assert.Equal(t, -1, results[2].Order)
}

func TestRun_Empty(t *testing.T) {
	assert.Empty(t, Run[int](context.Background(), New(Config{}), nil))
	assert.Equal(t, 3, New(Config{}).Width())
}
