package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType defines journal record types.
type EventType string

const (
	EventEnqueue EventType = "ENQUEUE" // command accepted into the queue
	EventAck     EventType = "ACK"     // command executed, outcome committed
	EventDrop    EventType = "DROP"    // command discarded without effect
)

// Record is the caller-supplied part of an event.
type Record struct {
	CommandID string          `json:"command_id"`
	Name      string          `json:"name,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is one journal line.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
	Record
}

// EventHandler applies a replayed event. Returning an error aborts Replay.
type EventHandler func(event Event) error
