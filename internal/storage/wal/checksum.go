package wal

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32 of the fields that identify an event.
// The timestamp is excluded so a rewritten event keeps its checksum.
func CalculateChecksum(eventType EventType, rec Record, seq uint64) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(rec.CommandID))
	h.Write([]byte{0})
	h.Write([]byte(rec.Name))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write(rec.Payload)
	return h.Sum32()
}

// VerifyChecksum checks an event against its stored checksum.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Record, event.Seq)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
