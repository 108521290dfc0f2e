// ============================================================================
// Worker Pool - Concurrent Task Executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Owns a fixed set of worker goroutines fed from one task channel
//
// Used by the streaming pipeline to run sink partitions, both inside a
// connector node and for the one-off copy command.
//
//   caller --Submit()--> taskCh --> Worker 1..N --> Done hook / resultCh
//
// Lifecycle:
//   1. NewPool(buffer) - create channels
//   2. Start(n)        - launch n workers
//   3. Submit(task)    - enqueue, blocks while the buffer is full
//   4. Stop()          - stop accepting, cancel task contexts, wait for workers
//
// Shutdown:
//   Submit holds a read lock for the whole send and selects on stopCh, so
//   Stop can close stopCh first and only then take the write lock to close
//   taskCh. No send can race the close.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.With("component", "worker")

var (
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("pool already started")
)

// Pool manages concurrent workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	stopOnce sync.Once
	mu       sync.RWMutex
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a task. It blocks while the task buffer is full and returns
// ErrPoolClosed if the pool stops meanwhile.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult waits for the next completed task. Results are dropped when
// nobody reads them and the buffer is full, so callers that need every
// outcome should use Task.Done instead.
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop stops accepting tasks, cancels the context of running and queued
// tasks and waits for the workers to drain the channel.
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()
		close(p.resultCh)
	})
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start has been called.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
