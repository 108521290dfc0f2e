// ============================================================================
// Command Journal - Write-Ahead Log
// ============================================================================
//
// Package: internal/storage/wal
// File: wal.go
// Function: Durable, append-only record of queued commands
//
// Queued commands are asynchronous: the caller gets an id back before the
// command runs. The journal makes that promise survive a crash.
//
//   Enqueue  -> Append(ENQUEUE, record)
//   Executed -> Append(ACK, record)
//   Startup  -> Replay: ENQUEUE without ACK is re-queued
//
// Format: one JSON object per line, each with a CRC32 checksum.
//
// Buffering: events collect in memory and are flushed when the buffer fills,
// the flush interval elapses, the caller forces it, or syncOnAppend is set.
// Every flush ends with fsync.
//
// Compaction: after a snapshot, Compact rewrites the file with the events
// still needed. Sequence numbers keep increasing across compactions so they
// can be compared with a snapshot's LastSeq.
//
// ============================================================================

package wal

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/raulk/clock"
)

var log = slog.With("component", "wal")

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tune buffering and archival.
type Options struct {
	SyncOnAppend  bool          // flush and fsync on every append
	BufferSize    int           // events buffered before a flush, default 256
	FlushInterval time.Duration // max age of a buffered event, default 1s
	Archive       bool          // keep a gzip copy of the file replaced by Compact
	Clock         clock.Clock
}

// WAL is a command journal.
type WAL struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
	opts    Options
	clock   clock.Clock

	buffer        []Event
	lastFlushTime time.Time
}

// Open opens or creates the journal at path. An existing file continues
// from its last sequence number.
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	if err := repairTail(path); err != nil {
		return nil, fmt.Errorf("failed to repair journal tail: %w", err)
	}

	var seq uint64
	last, err := GetLastEvent(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read journal tail: %w", err)
	}
	if last != nil {
		seq = last.Seq
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		clock:         clk,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: clk.Now(),
	}, nil
}

// Append adds an event and returns its sequence number.
func (w *WAL) Append(eventType EventType, rec Record, forceFlush bool) (uint64, error) {
	if len(rec.Payload) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, rec.Payload); err != nil {
			return 0, fmt.Errorf("wal: payload is not valid JSON: %w", err)
		}
		rec.Payload = compact.Bytes()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Timestamp: w.clock.Now().UnixMilli(),
		Record:    rec,
	}
	event.Checksum = CalculateChecksum(eventType, rec, w.seq)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		w.clock.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Flush writes buffered events and syncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay flushes pending events and feeds every event on disk to handler in
// order. A torn final line, as left by a crash mid-write, ends the replay
// without error; corruption anywhere else is reported.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return replayFile(w.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var (
		offset  int64
		lastSeq uint64
	)
	for len(data) > 0 {
		line := data
		rest := []byte(nil)
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, rest = data[:i], data[i+1:]
		}
		lineLen := int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			data, offset = rest, offset+lineLen
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			if rest == nil {
				log.Warn("Ignoring torn journal tail", "path", path, "offset", offset)
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
		data, offset = rest, offset+lineLen
	}
	return nil
}

// Compact rewrites the journal keeping only events for which keep returns
// true. The sequence counter is preserved.
func (w *WAL) Compact(keep func(Event) bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	var kept []Event
	if err := replayFile(w.path, func(e Event) error {
		if keep(e) {
			kept = append(kept, e)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read journal for compaction: %w", err)
	}

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if w.opts.Archive {
		archivePath := fmt.Sprintf("%s.%s.gz", w.path, w.clock.Now().Format("20060102_150405"))
		if err := compressFile(w.path, archivePath); err != nil {
			return fmt.Errorf("failed to archive journal: %w", err)
		}
	}

	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.closed = true
		return err
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.lastFlushTime = w.clock.Now()

	log.Debug("Journal compacted", "path", w.path, "kept", len(kept), "seq", w.seq)
	return nil
}

// Close flushes and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended event.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the journal file path.
func (w *WAL) Path() string {
	return w.path
}

func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = w.clock.Now()
	return w.file.Sync()
}

// repairTail drops a partial last line so new appends start on a fresh line.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	log.Warn("Truncating torn journal tail", "path", path, "bytes", len(data)-cut)
	return os.Truncate(path, int64(cut))
}

func compressFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
