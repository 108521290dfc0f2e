// Package async provides a minimal completion primitive for results that
// arrive on another goroutine: provisioning, remote dispatch, data flows.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Future is a value that completes exactly once, either with a result or
// with an error. Later completions are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an incomplete future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future already holding v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a future already holding err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and completes the future with its outcome.
// A panic inside fn fails the future instead of crashing the process.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(fmt.Errorf("panic: %v", r))
			}
		}()
		v, err := fn()
		f.Resolve(v, err)
	}()
	return f
}

// Complete stores v; it reports false when the future was already done.
func (f *Future[T]) Complete(v T) bool {
	return f.Resolve(v, nil)
}

// Fail stores err; it reports false when the future was already done.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Resolve(zero, err)
}

// Resolve stores the outcome once.
func (f *Future[T]) Resolve(v T, err error) bool {
	set := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		set = true
		close(f.done)
	})
	return set
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports completion without blocking.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until completion or until ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers a callback run on a separate goroutine after
// completion.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}

// All waits for every future and returns the values in order. The first
// error, in order of the input, fails the result.
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out := New[[]T]()
	go func() {
		values := make([]T, len(fs))
		var firstErr error
		for i, f := range fs {
			<-f.done
			if f.err != nil && firstErr == nil {
				firstErr = f.err
			}
			values[i] = f.value
		}
		out.Resolve(values, firstErr)
	}()
	return out
}
