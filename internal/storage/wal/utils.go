package wal

import (
	"errors"
	"os"
)

// GetLastEvent returns the last intact event of the journal at path, or nil
// for an empty file.
func GetLastEvent(path string) (*Event, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	var last *Event
	err := replayFile(path, func(e Event) error {
		last = &e
		return nil
	})
	return last, err
}

// Stats summarises a journal file.
type Stats struct {
	Events   int
	Enqueued int
	Acked    int
	Dropped  int
	FirstSeq uint64
	LastSeq  uint64
	Size     int64
}

// Pending is the number of enqueued commands not yet acknowledged or dropped.
func (s Stats) Pending() int {
	return s.Enqueued - s.Acked - s.Dropped
}

// GetStats reads the journal at path and counts its events by type. A
// corrupt record fails the whole read.
func GetStats(path string) (*Stats, error) {
	stats := &Stats{}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		return nil, err
	}
	stats.Size = info.Size()

	err = replayFile(path, func(e Event) error {
		if stats.Events == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.Events++
		stats.LastSeq = e.Seq
		switch e.Type {
		case EventEnqueue:
			stats.Enqueued++
		case EventAck:
			stats.Acked++
		case EventDrop:
			stats.Dropped++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
