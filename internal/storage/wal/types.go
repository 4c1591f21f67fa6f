package wal

import (
	"time"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Options and statistics of the file-backed event log
// ============================================================================

// Options tunes durability versus throughput
type Options struct {
	// SyncOnAppend flushes and fsyncs on every Append call
	SyncOnAppend bool

	// BufferSize is the number of buffered events that forces a flush when
	// SyncOnAppend is off
	BufferSize int

	// FlushInterval is the maximum age of buffered events before the next
	// Append flushes them
	FlushInterval time.Duration

	// CompressBackups gzips the file moved aside by Compact
	CompressBackups bool
}

// DefaultOptions fsyncs every append
func DefaultOptions() Options {
	return Options{
		SyncOnAppend:  true,
		BufferSize:    256,
		FlushInterval: time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	return o
}

// Stats summarises a WAL file
type Stats struct {
	TotalEvents int                   // Number of events
	EventTypes  map[eventlog.Type]int // Events per type
	FirstSeq    uint64                // Sequence number of the first event
	LastSeq     uint64                // Sequence number of the last event
	TimeRange   [2]int64              // [earliest, latest] event timestamp
}
