package command

import (
	"sort"

	"github.com/ChuLiYu/dataspace-connector/internal/storage/wal"
)

// RecoverOptions controls which journaled commands are recovered.
type RecoverOptions struct {
	// ReplayAckedAfter also recovers commands acknowledged after this
	// journal sequence. An in-memory store restored from a snapshot taken at
	// that sequence has lost their effects.
	ReplayAckedAfter uint64
	// ReplayAcked enables ReplayAckedAfter.
	ReplayAcked bool
}

// Recover scans the journal and returns the commands that must run again,
// in their original order. Records that cannot be decoded are skipped and
// logged.
func Recover(w *wal.WAL, opts RecoverOptions) ([]Entry, error) {
	enqueued := make(map[string]wal.Event)
	closed := make(map[string]wal.Event)

	if err := w.Replay(func(e wal.Event) error {
		switch e.Type {
		case wal.EventEnqueue:
			enqueued[e.CommandID] = e
		case wal.EventAck, wal.EventDrop:
			closed[e.CommandID] = e
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var events []wal.Event
	for id, e := range enqueued {
		end, done := closed[id]
		switch {
		case !done:
		case end.Type == wal.EventAck && opts.ReplayAcked && end.Seq > opts.ReplayAckedAfter:
		default:
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	entries := make([]Entry, 0, len(events))
	for _, e := range events {
		cmd, err := Decode(e.Name, e.Payload)
		if err != nil {
			log.Error("Skipping undecodable journal record", "seq", e.Seq, "commandID", e.CommandID, "error", err)
			continue
		}
		entries = append(entries, Entry{ID: e.CommandID, Command: cmd})
	}
	log.Info("Commands recovered from journal", "count", len(entries), "path", w.Path())
	return entries, nil
}

// CompactJournal drops every record whose effect is durable as of sequence
// through: closed commands and their ACK/DROP records. Open commands, and
// commands closed after through, are kept.
func CompactJournal(w *wal.WAL, through uint64) error {
	closedAt := make(map[string]uint64)
	if err := w.Replay(func(e wal.Event) error {
		if e.Type == wal.EventAck || e.Type == wal.EventDrop {
			closedAt[e.CommandID] = e.Seq
		}
		return nil
	}); err != nil {
		return err
	}
	return w.Compact(func(e wal.Event) bool {
		if e.Seq > through {
			return true
		}
		if e.Type != wal.EventEnqueue {
			return false
		}
		seq, ok := closedAt[e.CommandID]
		return !ok || seq > through
	})
}
