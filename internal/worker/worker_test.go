package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

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

func okTask(name string) Task {
	return Task{Name: name, Run: func(context.Context) error { return nil }}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))

	pool.Stop()
}

// TestWorkerExecution tests task execution and result reporting
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	boom := errors.New("boom")
	taskCount := 10
	for i := 0; i < taskCount; i++ {
		i := i
		require.NoError(t, pool.Submit(Task{
			Name: fmt.Sprintf("task-%d", i),
			Run: func(context.Context) error {
				if i%2 == 1 {
					return boom
				}
				return nil
			},
		}))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.Name] = result
	}

	require.Len(t, results, taskCount)
	assert.True(t, results["task-0"].Success)
	assert.False(t, results["task-1"].Success)
	assert.ErrorIs(t, results["task-1"].Error, boom)
}

// TestTimeout tests per-task timeout
func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		Name:    "timeout-task",
		Timeout: time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// TestPanicBecomesFailure tests that a panicking task does not kill the worker
func TestPanicBecomesFailure(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Name: "bad", Run: func(context.Context) error { panic("oops") }}))
	require.NoError(t, pool.Submit(okTask("good")))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error.Error(), "panicked")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success)
}

// TestMissingRun tests a task without a Run func
func TestMissingRun(t *testing.T) {
	results := RunAll(context.Background(), 1, []Task{{Name: "empty"}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Error, ErrNoRun)
}

// ============================================================================
// RunAll
// ============================================================================

// TestRunAllBoundsParallelism verifies no more than N tasks run at once
func TestRunAllBoundsParallelism(t *testing.T) {
	var running, peak int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = Task{
			Name: fmt.Sprintf("t-%d", i),
			Run: func(context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
		}
	}

	results := RunAll(context.Background(), 3, tasks)

	require.Len(t, results, 20)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("t-%d", i), r.Name, "results keep task order")
		assert.True(t, r.Success)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

// TestRunAllMoreTasksThanBuffer collects results while submitting
func TestRunAllMoreTasksThanBuffer(t *testing.T) {
	tasks := make([]Task, 100)
	for i := range tasks {
		tasks[i] = okTask(fmt.Sprintf("t-%d", i))
	}
	results := RunAll(context.Background(), 4, tasks)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

// TestRunUntilSkipsQueuedTasks verifies queued tasks are skipped once stop fires
func TestRunUntilSkipsQueuedTasks(t *testing.T) {
	boom := errors.New("boom")
	var ran int32
	tasks := []Task{
		{Name: "fatal", Run: func(context.Context) error { return boom }},
		{Name: "second", Run: func(context.Context) error { atomic.AddInt32(&ran, 1); return nil }},
		{Name: "third", Run: func(context.Context) error { atomic.AddInt32(&ran, 1); return nil }},
	}
	stop := func(r Result) bool { return r.Name == "fatal" && !r.Success }

	results := RunUntil(context.Background(), 1, tasks, stop)

	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0].Error, boom)
	assert.ErrorIs(t, results[1].Error, ErrAborted)
	assert.ErrorIs(t, results[2].Error, ErrAborted)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

// TestRunUntilLetsRunningTasksFinish verifies a task already running completes
func TestRunUntilLetsRunningTasksFinish(t *testing.T) {
	started := make(chan struct{})
	tasks := []Task{
		{Name: "slow", Run: func(context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return nil
		}},
		{Name: "fatal", Run: func(context.Context) error {
			<-started
			return errors.New("boom")
		}},
	}
	results := RunUntil(context.Background(), 2, tasks, func(r Result) bool { return !r.Success })

	assert.True(t, results[0].Success, "dispatched sibling finishes")
	assert.False(t, results[1].Success)
}

// TestRunAllEmpty handles an empty tier
func TestRunAllEmpty(t *testing.T) {
	assert.Empty(t, RunAll(context.Background(), 4, nil))
}

// TestRunAllPropagatesContext verifies tasks see the parent context
func TestRunAllPropagatesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "tier-1")

	var seen atomic.Value
	RunAll(ctx, 1, []Task{{
		Name: "ctx",
		Run: func(ctx context.Context) error {
			seen.Store(ctx.Value(key{}))
			return nil
		},
	}})
	assert.Equal(t, "tier-1", seen.Load())
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStopBeforeStart tests stopping an unstarted pool
func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() { pool.Stop() })
}

// TestSubmitBeforeStart tests submit on an unstarted pool
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(okTask("x")))
}

// TestSubmitAfterStop tests submit on a stopped pool
func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(okTask("x")))
}

// TestReceiveResultAfterStop tests receive on a stopped pool
func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// TestStopWithUnreadResults verifies Stop does not hang on a full result channel
func TestStopWithUnreadResults(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(2))
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(okTask(fmt.Sprintf("t-%d", i))))
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on unread results")
	}
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkRunAll(b *testing.B) {
	tasks := make([]Task, 16)
	for i := range tasks {
		tasks[i] = okTask(fmt.Sprintf("t-%d", i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		RunAll(context.Background(), 4, tasks)
	}
}
