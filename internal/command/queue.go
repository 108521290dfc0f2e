// ============================================================================
// Dataspace Connector Command Queue - bounded FIFO with a write-ahead journal
// ============================================================================
//
// Package: internal/command
// File: queue.go
//
// Every accepted command is journaled before it becomes visible:
//
//   Enqueue   ENQUEUE record -> appended to the queue
//   Ack       ACK record     -> the command ran (succeeded or was rejected)
//   Drop      DROP record    -> the command gave up (too many attempts)
//
// On restart the journal is scanned and commands without ACK/DROP are put
// back into the queue (see Recover).
//
// ============================================================================

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("command queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("command queue closed")
)

// DefaultCapacity applies when a queue is created without one.
const DefaultCapacity = 1000

// Journal records queue operations. *wal.WAL implements it.
type Journal interface {
	Append(eventType wal.EventType, rec wal.Record, forceFlush bool) (uint64, error)
}

// Entry is a queued command with its journal identity.
type Entry struct {
	ID       string
	Command  Command
	Attempts int
}

// Queue is a bounded FIFO of commands.
type Queue struct {
	mu       sync.Mutex
	items    []Entry
	capacity int
	journal  Journal
	closed   bool
	onDepth  func(int)
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithJournal journals every queue operation.
func WithJournal(j Journal) QueueOption {
	return func(q *Queue) { q.journal = j }
}

// WithDepthGauge is told the queue length after every change.
func WithDepthGauge(fn func(int)) QueueOption {
	return func(q *Queue) { q.onDepth = fn }
}

// NewQueue creates a queue holding at most capacity commands.
func NewQueue(capacity int, opts ...QueueOption) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{capacity: capacity}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue journals and queues a command.
func (q *Queue) Enqueue(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return fmt.Errorf("%w: %d commands pending", ErrQueueFull, len(q.items))
	}
	e := Entry{ID: uuid.NewString(), Command: cmd}
	if q.journal != nil {
		payload, err := json.Marshal(cmd)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", cmd.Name(), err)
		}
		rec := wal.Record{CommandID: e.ID, Name: cmd.Name(), Payload: payload}
		if _, err := q.journal.Append(wal.EventEnqueue, rec, true); err != nil {
			return fmt.Errorf("failed to journal %s: %w", cmd.Name(), err)
		}
	}
	q.items = append(q.items, e)
	q.reportLocked()
	return nil
}

// Drain removes and returns up to max commands in FIFO order. max <= 0
// drains everything.
func (q *Queue) Drain(max int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Entry, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	q.reportLocked()
	return out
}

// Requeue puts an entry back at the tail with one more attempt recorded. It
// is not journaled again: the original ENQUEUE record is still open.
func (q *Queue) Requeue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	e.Attempts++
	q.items = append(q.items, e)
	q.reportLocked()
	return nil
}

// Restore queues recovered entries without journaling them.
func (q *Queue) Restore(entries []Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, entries...)
	q.reportLocked()
}

// Ack marks an entry as processed in the journal.
func (q *Queue) Ack(e Entry) error {
	return q.close(wal.EventAck, e)
}

// Drop marks an entry as abandoned in the journal.
func (q *Queue) Drop(e Entry) error {
	return q.close(wal.EventDrop, e)
}

func (q *Queue) close(t wal.EventType, e Entry) error {
	if q.journal == nil {
		return nil
	}
	rec := wal.Record{CommandID: e.ID, Name: e.Command.Name()}
	if _, err := q.journal.Append(t, rec, false); err != nil {
		return fmt.Errorf("failed to journal %s of %s: %w", t, e.ID, err)
	}
	return nil
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further commands. Queued entries stay journaled and are
// recovered on the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *Queue) reportLocked() {
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
}
