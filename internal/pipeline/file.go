package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

// FileType addresses the local filesystem. Properties: "path" (a file or a
// directory) and, for directory sources, an optional glob "pattern".
const FileType = "File"

// FileSource yields a file, or the files of a directory matching a pattern.
type FileSource struct {
	path    string
	pattern string

	mu     sync.Mutex
	open   map[*os.File]struct{}
	closed bool
}

// NewFileSource creates a source over path.
func NewFileSource(path, pattern string) *FileSource {
	if pattern == "" {
		pattern = "*"
	}
	return &FileSource{path: path, pattern: pattern, open: make(map[*os.File]struct{})}
}

func (s *FileSource) OpenPartStream(ctx context.Context) StreamResult[iter.Seq[Part]] {
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NotFoundResult[iter.Seq[Part]](fmt.Sprintf("File not found: %s", s.path))
	}
	if err != nil {
		return Error[iter.Seq[Part]](err.Error())
	}
	if !info.IsDir() {
		return Success[iter.Seq[Part]](func(yield func(Part) bool) {
			yield(&filePart{src: s, path: s.path, name: filepath.Base(s.path), size: info.Size()})
		})
	}

	matches, err := filepath.Glob(filepath.Join(s.path, s.pattern))
	if err != nil {
		return Error[iter.Seq[Part]](fmt.Sprintf("Invalid pattern %q: %v", s.pattern, err))
	}
	sort.Strings(matches)
	return Success[iter.Seq[Part]](func(yield func(Part) bool) {
		for _, m := range matches {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			fi, err := os.Stat(m)
			if err != nil || fi.IsDir() {
				continue
			}
			if !yield(&filePart{src: s, path: m, name: fi.Name(), size: fi.Size()}) {
				return
			}
		}
	})
}

// Close closes every file handed out by the source's parts.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs error
	for f := range s.open {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	s.open = map[*os.File]struct{}{}
	return errs
}

func (s *FileSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FileSource) track(f *os.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	s.open[f] = struct{}{}
	return nil
}

func (s *FileSource) untrack(f *os.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, f)
}

type filePart struct {
	src  *FileSource
	path string
	name string
	size int64
}

func (p *filePart) Name() string { return p.name }
func (p *filePart) Size() int64  { return p.size }

func (p *filePart) Open() (io.ReadCloser, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, err
	}
	if err := p.src.track(f); err != nil {
		f.Close()
		return nil, err
	}
	return &trackedFile{File: f, src: p.src}, nil
}

type trackedFile struct {
	*os.File
	src *FileSource
}

func (f *trackedFile) Close() error {
	f.src.untrack(f.File)
	err := f.File.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// FileSourceFactory creates file sources.
type FileSourceFactory struct{}

func (FileSourceFactory) SupportedType() string { return FileType }

func (FileSourceFactory) CanHandle(req DataFlowRequest) bool {
	return req.SourceType() == FileType
}

func (FileSourceFactory) ValidateRequest(req DataFlowRequest) error {
	path := req.SourceDataAddress.Property("path")
	if path == "" {
		return fmt.Errorf("file source for flow id: %s: missing path", req.ID)
	}
	if _, err := filepath.Match(req.SourceDataAddress.Property("pattern"), ""); err != nil {
		return fmt.Errorf("file source for flow id: %s: invalid pattern: %w", req.ID, err)
	}
	return nil
}

func (FileSourceFactory) CreateSource(req DataFlowRequest) (DataSource, error) {
	return NewFileSource(req.SourceDataAddress.Property("path"), req.SourceDataAddress.Property("pattern")), nil
}

type fileWriter struct {
	dir      string
	recorder PartRecorder
}

func (w *fileWriter) TransferParts(ctx context.Context, parts []Part) StreamResult[any] {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Error[any](fmt.Sprintf("Error creating directory %s: %v", w.dir, err))
	}
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return Error[any](fmt.Sprintf("Error writing part %s: %v", part.Name(), err))
		}
		n, err := w.write(part)
		if err != nil {
			return Error[any](fmt.Sprintf("Error writing part %s: %v", part.Name(), err))
		}
		if w.recorder != nil {
			w.recorder.RecordPart(FileType, n)
		}
	}
	return Success[any](nil)
}

func (w *fileWriter) write(part Part) (int64, error) {
	name := filepath.Base(filepath.Clean("/" + part.Name()))
	if name == "/" || name == "." {
		return 0, fmt.Errorf("invalid part name %q", part.Name())
	}
	rc, err := part.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	out, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// FileSinkFactory creates parallel sinks writing into a directory.
type FileSinkFactory struct {
	Executor      Executor
	PartitionSize int
	Recorder      PartRecorder
}

func (f *FileSinkFactory) SupportedType() string { return FileType }

func (f *FileSinkFactory) CanHandle(req DataFlowRequest) bool {
	return req.DestinationType() == FileType
}

func (f *FileSinkFactory) ValidateRequest(req DataFlowRequest) error {
	if req.DestinationDataAddress.Property("path") == "" {
		return fmt.Errorf("file sink for flow id: %s: missing path", req.ID)
	}
	return nil
}

func (f *FileSinkFactory) CreateSink(req DataFlowRequest) (DataSink, error) {
	return &ParallelSink{
		RequestID:     req.ID,
		PartitionSize: f.PartitionSize,
		Executor:      f.Executor,
		Writer:        &fileWriter{dir: req.DestinationDataAddress.Property("path"), recorder: f.Recorder},
	}, nil
}
