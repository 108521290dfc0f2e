package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/internal/worker"
)

// DefaultPartitionSize is the number of parts handed to one TransferParts
// call.
const DefaultPartitionSize = 5

var tracer = otel.Tracer("github.com/ChuLiYu/dataspace-connector/internal/pipeline")

// Executor runs partition tasks. *worker.Pool satisfies it.
type Executor interface {
	Submit(task worker.Task) error
}

// PartWriter writes one partition of parts.
type PartWriter interface {
	TransferParts(ctx context.Context, parts []Part) StreamResult[any]
}

// Completer is implemented by writers that need a final step once every
// partition succeeded.
type Completer interface {
	Complete(ctx context.Context) StreamResult[any]
}

// ParallelSink splits a source into partitions and writes them concurrently
// on an executor.
type ParallelSink struct {
	RequestID     string
	PartitionSize int
	Executor      Executor
	Writer        PartWriter
}

var _ DataSink = (*ParallelSink)(nil)

// Transfer returns immediately; the source is consumed on another goroutine
// one partition at a time, so an unbounded source never blocks the caller.
func (s *ParallelSink) Transfer(ctx context.Context, source DataSource) *async.Future[StreamResult[any]] {
	out := async.New[StreamResult[any]]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out.Complete(Error[any](fmt.Sprintf("Error processing data transfer request - Request ID: %s: %v", s.RequestID, r)))
			}
		}()
		out.Complete(s.transfer(ctx, source))
	}()
	return out
}

func (s *ParallelSink) transfer(ctx context.Context, source DataSource) StreamResult[any] {
	ctx, span := tracer.Start(ctx, "ParallelSink.transfer", trace.WithAttributes(
		attribute.String("request.id", s.RequestID),
	))
	defer span.End()

	stream := source.OpenPartStream(ctx)
	if stream.Failed() {
		span.SetStatus(codes.Error, stream.FailureDetail())
		return Forward[any](stream)
	}

	size := s.PartitionSize
	if size <= 0 {
		size = DefaultPartitionSize
	}

	var (
		partitions []*async.Future[StreamResult[any]]
		batch      = make([]Part, 0, size)
	)
	for part := range stream.Value() {
		batch = append(batch, part)
		if len(batch) == size {
			partitions = append(partitions, s.submit(ctx, len(partitions), batch))
			batch = make([]Part, 0, size)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(batch) > 0 {
		partitions = append(partitions, s.submit(ctx, len(partitions), batch))
	}
	span.SetAttributes(attribute.Int("partitions", len(partitions)))

	var errs error
	for _, p := range partitions {
		res, err := p.Await(context.Background())
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res.Failed() {
			errs = multierr.Append(errs, res.Failure())
		}
	}
	if err := ctx.Err(); err != nil && errs == nil {
		errs = err
	}
	if errs != nil {
		span.SetStatus(codes.Error, errs.Error())
		return Error[any](failureMessages(errs)...)
	}

	if c, ok := s.Writer.(Completer); ok {
		return c.Complete(ctx)
	}
	return Success[any](nil)
}

// submit hands one partition to the executor. The task runs under a child
// span of the caller's span even though the worker's context is its own.
func (s *ParallelSink) submit(ctx context.Context, index int, parts []Part) *async.Future[StreamResult[any]] {
	fut := async.New[StreamResult[any]]()
	parent := trace.SpanFromContext(ctx)

	task := worker.Task{
		ID: fmt.Sprintf("%s/%d", s.RequestID, index),
		Run: func(taskCtx context.Context) error {
			taskCtx, span := tracer.Start(trace.ContextWithSpan(taskCtx, parent), "ParallelSink.transferParts",
				trace.WithAttributes(
					attribute.String("request.id", s.RequestID),
					attribute.Int("partition", index),
					attribute.Int("parts", len(parts)),
				))
			defer span.End()

			res := s.Writer.TransferParts(taskCtx, parts)
			if res.Failed() {
				span.SetStatus(codes.Error, res.FailureDetail())
			}
			fut.Complete(res)
			return res.Err()
		},
		// Covers panics and tasks that never ran; Complete is a no-op when Run
		// already resolved the future.
		Done: func(r worker.Result) {
			if r.Error != nil {
				fut.Complete(Error[any](fmt.Sprintf("Error processing data transfer request - Request ID: %s: %v", s.RequestID, r.Error)))
			} else {
				fut.Complete(Success[any](nil))
			}
		},
	}
	if err := s.Executor.Submit(task); err != nil {
		fut.Complete(Error[any](fmt.Sprintf("Error processing data transfer request - Request ID: %s: %v", s.RequestID, err)))
	}
	return fut
}

func failureMessages(err error) []string {
	var msgs []string
	for _, e := range multierr.Errors(err) {
		if sf, ok := e.(*StreamFailure); ok {
			msgs = append(msgs, sf.Messages...)
			continue
		}
		msgs = append(msgs, e.Error())
	}
	return msgs
}
