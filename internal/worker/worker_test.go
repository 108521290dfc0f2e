package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, pool *Pool) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := pool.ReceiveResult(ctx)
	require.NoError(t, err)
	return result
}

func noop(context.Context) error { return nil }

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: fmt.Sprintf("task-%d", i), Run: noop, Timeout: time.Second}))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result := receive(t, pool)
		results[result.TaskID] = result
	}
	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID: "timeout-task",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout: time.Millisecond,
	}))

	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestTaskIgnoringDeadlineStillFails(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{
		ID: "slow",
		Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return nil
		},
		Timeout: time.Millisecond,
	}))

	result := receive(t, pool)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestDoneHookAndErrors(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(2))
	defer pool.Stop()

	boom := errors.New("boom")
	done := make(chan Result, 3)
	hook := func(r Result) { done <- r }

	require.NoError(t, pool.Submit(Task{ID: "ok", Run: noop, Done: hook}))
	require.NoError(t, pool.Submit(Task{ID: "fail", Run: func(context.Context) error { return boom }, Done: hook}))
	require.NoError(t, pool.Submit(Task{ID: "empty", Done: hook}))

	got := map[string]Result{}
	for i := 0; i < 3; i++ {
		r := <-done
		got[r.TaskID] = r
	}
	assert.True(t, got["ok"].Success)
	assert.ErrorIs(t, got["fail"].Error, boom)
	assert.ErrorIs(t, got["empty"].Error, ErrNoRun)
}

func TestPanicIsRecovered(t *testing.T) {
	pool := NewPool(2)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "p", Run: func(context.Context) error { panic("kaboom") }}))
	result := receive(t, pool)
	assert.False(t, result.Success)
	assert.ErrorContains(t, result.Error, "kaboom")

	// The worker survives the panic.
	require.NoError(t, pool.Submit(Task{ID: "after", Run: noop}))
	assert.True(t, receive(t, pool).Success)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 64
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{
			ID: fmt.Sprintf("task-%d", i),
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
			Done: func(Result) { wg.Done() },
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workerCount))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var executed int32
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			assert.NoError(t, pool.Submit(Task{
				ID:   fmt.Sprintf("task-%d", index),
				Run:  func(context.Context) error { atomic.AddInt32(&executed, 1); return nil },
				Done: func(Result) { wg.Done() },
			}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(taskCount), atomic.LoadInt32(&executed))
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopCancelsRunningTasks(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(1))

	started := make(chan struct{})
	done := make(chan Result, 1)
	require.NoError(t, pool.Submit(Task{
		ID: "blocked",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(r Result) { done <- r },
	}))
	<-started

	pool.Stop()
	assert.ErrorIs(t, (<-done).Error, context.Canceled)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestStopTwice(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	assert.Equal(t, ErrPoolClosed, pool.Submit(Task{ID: "task-after-stop", Run: noop}))
}

func TestSubmitBlockedByFullBufferUnblocksOnStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	block := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	require.NoError(t, pool.Submit(Task{ID: "running", Run: block}))
	require.NoError(t, pool.Submit(Task{ID: "buffered", Run: block}))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(Task{ID: "waiting", Run: block}) }()

	time.Sleep(20 * time.Millisecond)
	pool.Stop()
	close(release)

	// The waiting submit either squeezed in before shutdown or saw the close.
	select {
	case err := <-errCh:
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after Stop")
	}
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.Equal(t, ErrPoolNotStarted, pool.Submit(Task{ID: "task-before-start", Run: noop}))
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult(context.Background())
	assert.Equal(t, ErrPoolClosed, err)
}

func TestReceiveResultHonoursContext(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := pool.ReceiveResult(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	_ = pool.Start(8)
	defer pool.Stop()

	var wg sync.WaitGroup
	wg.Add(b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(Task{ID: "bench", Run: noop, Done: func(Result) { wg.Done() }})
	}
	wg.Wait()
}
