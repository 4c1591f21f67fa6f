package eventlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryLog is an in-memory Log (for tests, demos and single-process runs).
// It is safe for concurrent use and can be shared by several controllers to
// simulate a replicated log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Event
	lastSeq uint64
	closed  bool
}

// NewMemoryLog creates an empty MemoryLog
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Append(ctx context.Context, events ...Event) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	stored := make([]Event, 0, len(events))
	seq := m.lastSeq
	for _, e := range events {
		seq++
		sealed, err := Seal(e, seq)
		if err != nil {
			return nil, err
		}
		stored = append(stored, sealed)
	}
	m.entries = append(m.entries, stored...)
	m.lastSeq = seq
	return stored, nil
}

func (m *MemoryLog) Replay(ctx context.Context, afterSeq uint64, handler EventHandler) error {
	m.mu.RLock()
	// entries are sorted by seq, find the first one after afterSeq
	start := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Seq > afterSeq })
	batch := append([]Event(nil), m.entries[start:]...)
	closed := m.closed
	m.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) LastSeq(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq, nil
}

// Compact drops events with Seq <= uptoSeq. Sequence numbers keep growing.
func (m *MemoryLog) Compact(ctx context.Context, uptoSeq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]Event, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Seq > uptoSeq {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// Len returns the number of retained events
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
