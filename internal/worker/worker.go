// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs tasks pulled from the pool's task channel, one at a time
//
// Each Worker loops over the shared task channel until it is closed:
//   1. Receive task
//   2. Derive a context from the pool context, bounded by task.Timeout
//   3. Run the task, converting a panic into an error
//   4. Hand the Result to the task's Done hook and the results channel
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoRun is returned for tasks submitted without a Run function.
var ErrNoRun = errors.New("task has no run function")

// Worker represents a work execution unit.
type Worker struct {
	id       int
	ctx      context.Context
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(id int, ctx context.Context, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of the worker. It returns when the task channel closes.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		err := w.execute(ctx, task)
		cancel()

		result := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
		if task.Done != nil {
			task.Done(result)
		}

		// Results are advisory; a full channel drops them.
		select {
		case w.resultCh <- result:
		default:
		}
	}
}

func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.ctx, task.Timeout)
	}
	return context.WithCancel(w.ctx)
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if task.Run == nil {
		return ErrNoRun
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", w.id, "task", task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if err := task.Run(ctx); err != nil {
		return err
	}
	// A task that ignores its context still reports the deadline it overran.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}
