package pipeline

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dataspace-connector/internal/async"
	"github.com/ChuLiYu/dataspace-connector/internal/worker"
	"github.com/ChuLiYu/dataspace-connector/pkg/types"
)

// ============================================================================
// Shared test helpers
// ============================================================================

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(16)
	require.NoError(t, pool.Start(4))
	t.Cleanup(pool.Stop)
	return pool
}

func await(t *testing.T, f *async.Future[StreamResult[any]]) StreamResult[any] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Await(ctx)
	require.NoError(t, err)
	return res
}

// sliceSource yields a fixed list of in-memory parts.
type sliceSource struct {
	parts   []Part
	failure *StreamResult[iter.Seq[Part]]
	closed  atomic.Bool
}

func newSliceSource(names ...string) *sliceSource {
	s := &sliceSource{}
	for _, n := range names {
		s.parts = append(s.parts, NewMemoryPart(n, []byte("data-"+n)))
	}
	return s
}

func (s *sliceSource) OpenPartStream(context.Context) StreamResult[iter.Seq[Part]] {
	if s.failure != nil {
		return *s.failure
	}
	return Success[iter.Seq[Part]](func(yield func(Part) bool) {
		for _, p := range s.parts {
			if !yield(p) {
				return
			}
		}
	})
}

func (s *sliceSource) Close() error {
	s.closed.Store(true)
	return nil
}

// generatorSource yields parts until its context is cancelled or it is
// closed; it never ends on its own.
type generatorSource struct {
	produced atomic.Int64
	closed   atomic.Bool
	release  chan struct{}
}

func (s *generatorSource) OpenPartStream(ctx context.Context) StreamResult[iter.Seq[Part]] {
	return Success[iter.Seq[Part]](func(yield func(Part) bool) {
		for i := 0; ; i++ {
			if ctx.Err() != nil || s.closed.Load() {
				return
			}
			s.produced.Add(1)
			if !yield(NewMemoryPart(fmt.Sprintf("part-%d", i), []byte("x"))) {
				return
			}
		}
	})
}

func (s *generatorSource) Close() error {
	s.closed.Store(true)
	return nil
}

// recordingWriter remembers the partitions it was given.
type recordingWriter struct {
	mu        sync.Mutex
	calls     [][]string
	failOn    map[string]bool
	panicOn   string
	delay     time.Duration
	completed atomic.Int32
	ctxs      []context.Context
}

func (w *recordingWriter) TransferParts(ctx context.Context, parts []Part) StreamResult[any] {
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		names = append(names, p.Name())
	}
	w.mu.Lock()
	w.calls = append(w.calls, names)
	w.ctxs = append(w.ctxs, ctx)
	w.mu.Unlock()

	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	var failed []string
	for _, n := range names {
		if n == w.panicOn {
			panic("writer exploded on " + n)
		}
		if w.failOn[n] {
			failed = append(failed, n)
		}
	}
	if len(failed) > 0 {
		return Error[any](failed...)
	}
	return Success[any](nil)
}

func (w *recordingWriter) allNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, c := range w.calls {
		out = append(out, c...)
	}
	return out
}

func (w *recordingWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

type completingWriter struct {
	*recordingWriter
}

func (w completingWriter) Complete(context.Context) StreamResult[any] {
	w.completed.Add(1)
	return Success[any]("done")
}

func memoryAddress(bucket string) *types.DataAddress {
	return &types.DataAddress{Type: MemoryType, Properties: map[string]string{"bucket": bucket}}
}

func readAllString(t *testing.T, p Part) string {
	t.Helper()
	rc, err := p.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("p%02d", i)
	}
	return out
}

func joined(s []string) string { return strings.Join(s, ",") }
