package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v2"
)

// MemoryType addresses named in-process buckets. Properties: "bucket", and
// "prefix" to select objects on the source side.
const MemoryType = "Memory"

// ErrSourceClosed is returned when a part is opened after its source closed.
var ErrSourceClosed = errors.New("source closed")

// Bucket is a set of named objects kept in memory.
type Bucket struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewBucket creates an empty bucket.
func NewBucket() *Bucket {
	return &Bucket{objects: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (b *Bucket) Put(name string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = bytes.Clone(data)
}

// Get returns a copy of the named object.
func (b *Bucket) Get(name string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[name]
	return bytes.Clone(data), ok
}

// Names lists object names in lexical order.
func (b *Bucket) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.objects))
	for n := range b.objects {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Buckets is a registry of buckets shared by memory sources and sinks.
type Buckets struct {
	m *xsync.MapOf[string, *Bucket]
}

// NewBuckets creates an empty registry.
func NewBuckets() *Buckets {
	return &Buckets{m: xsync.NewMapOf[*Bucket]()}
}

// Get returns the named bucket, creating it on first use.
func (b *Buckets) Get(name string) *Bucket {
	bucket, _ := b.m.LoadOrCompute(name, NewBucket)
	return bucket
}

// Lookup returns an existing bucket.
func (b *Buckets) Lookup(name string) (*Bucket, bool) {
	return b.m.Load(name)
}

type memoryPart struct {
	name string
	data []byte
	src  *MemorySource
}

func (p *memoryPart) Name() string { return p.name }
func (p *memoryPart) Size() int64  { return int64(len(p.data)) }
func (p *memoryPart) Open() (io.ReadCloser, error) {
	if p.src != nil && p.src.closed.Load() {
		return nil, ErrSourceClosed
	}
	return io.NopCloser(bytes.NewReader(p.data)), nil
}

// NewMemoryPart wraps a byte slice as a part.
func NewMemoryPart(name string, data []byte) Part {
	return &memoryPart{name: name, data: data}
}

// MemorySource reads the objects of a bucket.
type MemorySource struct {
	bucket *Bucket
	prefix string
	closed atomic.Bool
}

func (s *MemorySource) OpenPartStream(ctx context.Context) StreamResult[iter.Seq[Part]] {
	if s.closed.Load() {
		return Error[iter.Seq[Part]](ErrSourceClosed.Error())
	}
	return Success[iter.Seq[Part]](func(yield func(Part) bool) {
		for _, name := range s.bucket.Names() {
			if !strings.HasPrefix(name, s.prefix) {
				continue
			}
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			data, ok := s.bucket.Get(name)
			if !ok {
				continue
			}
			if !yield(&memoryPart{name: name, data: data, src: s}) {
				return
			}
		}
	})
}

func (s *MemorySource) Close() error {
	s.closed.Store(true)
	return nil
}

// MemorySourceFactory creates sources over a Buckets registry.
type MemorySourceFactory struct {
	Buckets *Buckets
}

func (f *MemorySourceFactory) SupportedType() string { return MemoryType }

func (f *MemorySourceFactory) CanHandle(req DataFlowRequest) bool {
	return req.SourceType() == MemoryType
}

func (f *MemorySourceFactory) ValidateRequest(req DataFlowRequest) error {
	name := req.SourceDataAddress.Property("bucket")
	if name == "" {
		return fmt.Errorf("memory source for flow id: %s: missing bucket", req.ID)
	}
	if _, ok := f.Buckets.Lookup(name); !ok {
		return fmt.Errorf("memory source for flow id: %s: bucket %s does not exist", req.ID, name)
	}
	return nil
}

func (f *MemorySourceFactory) CreateSource(req DataFlowRequest) (DataSource, error) {
	return &MemorySource{
		bucket: f.Buckets.Get(req.SourceDataAddress.Property("bucket")),
		prefix: req.SourceDataAddress.Property("prefix"),
	}, nil
}

type memoryWriter struct {
	bucket   *Bucket
	recorder PartRecorder
}

func (w *memoryWriter) TransferParts(ctx context.Context, parts []Part) StreamResult[any] {
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return Error[any](fmt.Sprintf("Error writing part %s: %v", part.Name(), err))
		}
		data, err := readPart(part)
		if err != nil {
			return Error[any](fmt.Sprintf("Error reading part %s: %v", part.Name(), err))
		}
		w.bucket.Put(part.Name(), data)
		if w.recorder != nil {
			w.recorder.RecordPart(MemoryType, int64(len(data)))
		}
	}
	return Success[any](nil)
}

// MemorySinkFactory creates parallel sinks writing into a Buckets registry.
type MemorySinkFactory struct {
	Buckets       *Buckets
	Executor      Executor
	PartitionSize int
	Recorder      PartRecorder
}

func (f *MemorySinkFactory) SupportedType() string { return MemoryType }

func (f *MemorySinkFactory) CanHandle(req DataFlowRequest) bool {
	return req.DestinationType() == MemoryType
}

func (f *MemorySinkFactory) ValidateRequest(req DataFlowRequest) error {
	if req.DestinationDataAddress.Property("bucket") == "" {
		return fmt.Errorf("memory sink for flow id: %s: missing bucket", req.ID)
	}
	return nil
}

func (f *MemorySinkFactory) CreateSink(req DataFlowRequest) (DataSink, error) {
	return &ParallelSink{
		RequestID:     req.ID,
		PartitionSize: f.PartitionSize,
		Executor:      f.Executor,
		Writer: &memoryWriter{
			bucket:   f.Buckets.Get(req.DestinationDataAddress.Property("bucket")),
			recorder: f.Recorder,
		},
	}, nil
}

func readPart(part Part) ([]byte, error) {
	rc, err := part.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
