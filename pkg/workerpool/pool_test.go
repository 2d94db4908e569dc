package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPreservesOrder(t *testing.T) {
	tasks := make([]*Task, 50)
	for i := range tasks {
		tasks[i] = &Task{ID: fmt.Sprint(i), Payload: i}
	}

	results, err := Run(context.Background(), Config{Workers: 4, QueueSize: 2}, tasks,
		func(ctx context.Context, task *Task) *Result {
			n := task.Payload.(int)
			time.Sleep(time.Duration(50-n) * 100 * time.Microsecond)
			return &Result{Success: true, Data: n * n}
		}, nil)

	require.NoError(t, err)
	require.Len(t, results, 50)
	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i*i, r.Data)
		assert.Equal(t, fmt.Sprint(i), r.TaskID)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak int32
	tasks := make([]*Task, 20)
	for i := range tasks {
		tasks[i] = &Task{ID: fmt.Sprint(i)}
	}

	_, err := Run(context.Background(), Config{Workers: 3}, tasks,
		func(ctx context.Context, task *Task) *Result {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return &Result{Success: true}
		}, nil)

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunReportsFailuresPerTask(t *testing.T) {
	boom := errors.New("boom")
	tasks := []*Task{{ID: "ok"}, {ID: "bad"}}

	results, err := Run(context.Background(), Config{Workers: 2}, tasks,
		func(ctx context.Context, task *Task) *Result {
			if task.ID == "bad" {
				return &Result{Error: boom}
			}
			return &Result{Success: true}
		}, nil)

	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Error, boom)
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls int32
	results, err := Run(context.Background(), Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond},
		[]*Task{{ID: "flaky"}},
		func(ctx context.Context, task *Task) *Result {
			if atomic.AddInt32(&calls, 1) < 3 {
				return &Result{Error: errors.New("transient")}
			}
			return &Result{Success: true}
		}, nil)

	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Run(ctx, Config{Workers: 1, QueueSize: 1}, []*Task{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		func(ctx context.Context, task *Task) *Result {
			return &Result{Success: true}
		}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range results {
		if r != nil {
			assert.False(t, r.Success)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(DefaultConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.ErrorIs(t, pool.Submit(context.Background(), &Task{ID: "late"}), ErrShuttingDown)
	assert.ErrorIs(t, pool.TrySubmit(&Task{ID: "late"}), ErrShuttingDown)
	assert.NoError(t, pool.Stop())
}

func TestStatsAndHealth(t *testing.T) {
	pool, err := New(Config{Workers: 2, QueueSize: 10}, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: task.ID != "x"}
	}, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(context.Background(), &Task{ID: "a"}))
	require.NoError(t, pool.TrySubmit(&Task{ID: "x"}))
	require.NoError(t, pool.Stop())

	for range pool.Results() {
	}
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.TasksSubmitted)
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.Equal(t, int64(1), stats.TasksFailed)
	assert.True(t, pool.IsHealthy())
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
