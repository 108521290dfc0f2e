package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedWAL indicates a line that cannot be decoded.
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates a decoded event whose checksum is wrong.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrWALClosed indicates an operation on a closed journal.
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports which event failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports where decoding stopped.
type CorruptionError struct {
	Seq    uint64 // last good sequence before the corruption
	Offset int64
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedWAL
}
