package worker

import (
	"context"
	"time"
)

// Task is a unit of work executed by one worker.
type Task struct {
	ID      string                          // identifier reported back in the Result
	Run     func(ctx context.Context) error // work to execute
	Timeout time.Duration                   // zero means no deadline
	Done    func(Result)                    // optional completion hook, called on the worker goroutine
}

// Result reports how a task finished.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Duration time.Duration
}
