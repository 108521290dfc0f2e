package pipeline

import (
	"errors"
	"strings"
)

// FailureReason classifies a failed stream operation.
type FailureReason string

const (
	NotFound     FailureReason = "NOT_FOUND"
	GeneralError FailureReason = "GENERAL_ERROR"
)

// StreamFailure carries every message describing a failure.
type StreamFailure struct {
	Reason   FailureReason
	Messages []string
}

func (f *StreamFailure) Error() string {
	if len(f.Messages) == 0 {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + strings.Join(f.Messages, ", ")
}

// StreamResult holds either a value or a failure, never both.
type StreamResult[T any] struct {
	value   T
	failure *StreamFailure
}

// Success wraps a value.
func Success[T any](v T) StreamResult[T] {
	return StreamResult[T]{value: v}
}

// Failure builds a failed result.
func Failure[T any](reason FailureReason, messages ...string) StreamResult[T] {
	return StreamResult[T]{failure: &StreamFailure{Reason: reason, Messages: messages}}
}

// Error is a GENERAL_ERROR failure.
func Error[T any](messages ...string) StreamResult[T] {
	return Failure[T](GeneralError, messages...)
}

// NotFoundResult is a NOT_FOUND failure.
func NotFoundResult[T any](messages ...string) StreamResult[T] {
	return Failure[T](NotFound, messages...)
}

// FromError converts err into a GENERAL_ERROR failure, keeping the messages
// of a wrapped StreamFailure.
func FromError[T any](err error) StreamResult[T] {
	var sf *StreamFailure
	if errors.As(err, &sf) {
		return Failure[T](sf.Reason, sf.Messages...)
	}
	return Error[T](err.Error())
}

// Succeeded reports whether the result holds a value.
func (r StreamResult[T]) Succeeded() bool { return r.failure == nil }

// Failed reports whether the result holds a failure.
func (r StreamResult[T]) Failed() bool { return r.failure != nil }

// Value returns the value; it is the zero value on failure.
func (r StreamResult[T]) Value() T { return r.value }

// Failure returns the failure or nil.
func (r StreamResult[T]) Failure() *StreamFailure { return r.failure }

// Reason returns the failure reason or "".
func (r StreamResult[T]) Reason() FailureReason {
	if r.failure == nil {
		return ""
	}
	return r.failure.Reason
}

// FailureDetail joins the failure messages.
func (r StreamResult[T]) FailureDetail() string {
	if r.failure == nil {
		return ""
	}
	return strings.Join(r.failure.Messages, ", ")
}

// Err returns the failure as an error, or nil.
func (r StreamResult[T]) Err() error {
	if r.failure == nil {
		return nil
	}
	return r.failure
}

// Forward re-types a failed result. It panics on success, which has a value
// that cannot be converted.
func Forward[U, T any](r StreamResult[T]) StreamResult[U] {
	if r.failure == nil {
		panic("pipeline: Forward called on a successful result")
	}
	return StreamResult[U]{failure: r.failure}
}
