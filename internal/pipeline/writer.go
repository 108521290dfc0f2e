package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
)

// WriterSink copies every part, in order, into one writer. It is the
// explicit sink used when the data goes back to the caller rather than to a
// registered destination.
type WriterSink struct {
	w       io.Writer
	written atomic.Int64
}

// NewWriterSink creates a sink writing into w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Written returns the number of bytes copied so far.
func (s *WriterSink) Written() int64 { return s.written.Load() }

func (s *WriterSink) Transfer(ctx context.Context, source DataSource) *async.Future[StreamResult[any]] {
	out := async.New[StreamResult[any]]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out.Complete(Error[any](fmt.Sprintf("Error writing data: %v", r)))
			}
		}()

		stream := source.OpenPartStream(ctx)
		if stream.Failed() {
			out.Complete(Forward[any](stream))
			return
		}
		for part := range stream.Value() {
			if err := ctx.Err(); err != nil {
				out.Complete(Error[any](err.Error()))
				return
			}
			if err := s.copyPart(part); err != nil {
				out.Complete(Error[any](fmt.Sprintf("Error writing part %s: %v", part.Name(), err)))
				return
			}
		}
		out.Complete(Success[any](s.written.Load()))
	}()
	return out
}

func (s *WriterSink) copyPart(part Part) error {
	rc, err := part.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	n, err := io.Copy(s.w, rc)
	s.written.Add(n)
	return err
}
