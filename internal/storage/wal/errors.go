package wal

// ============================================================================
// WAL Error Definitions
// Purpose: Define all WAL-related error types
// ============================================================================

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

// Predefined errors
var (
	// ErrCorruptedWAL indicates WAL file is corrupted (cannot parse JSON)
	ErrCorruptedWAL = errors.New("wal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = eventlog.ErrChecksumMismatch

	// ErrEmptyWAL indicates WAL file is empty
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates WAL is closed, cannot perform operation
	ErrWALClosed = eventlog.ErrClosed

	// ErrSyncFailed indicates fsync failed (critical error)
	ErrSyncFailed = errors.New("wal: sync to disk failed")

	// ErrWALFailed indicates a failed write could not be rolled back; the WAL refuses further use
	ErrWALFailed = errors.New("wal: unrecoverable write failure")

	// ErrSequenceGap indicates sequence numbers in the file are not strictly increasing
	ErrSequenceGap = errors.New("wal: sequence not strictly increasing")
)

// ChecksumError represents checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed event
	Expected uint32 // Stored checksum
	Actual   uint32 // Recomputed checksum
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError represents WAL corruption error
type CorruptionError struct {
	Line   int   // 1-based line number
	Offset int64 // Byte offset in file
	Cause  error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted record at line %d (offset %d): %v", e.Line, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptedWAL
}
