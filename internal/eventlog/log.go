// ============================================================================
// cellqueue 事件日誌 - 所有讀取模型的唯一來源
// ============================================================================
//
// Package: internal/eventlog
// 文件: log.go
// 功能: 定義 append-only、全序的事件日誌介面與共用的封裝/校驗工具
//
// 序號規則:
//   Append 依序分配嚴格遞增且連續的 seq。多個程序可以共用同一份日誌
//   （SQLite 檔案、Redis），每個程序都依 seq 順序套用事件，
//   衝突的決策（例如同一項目被分派兩次）由 seq 較小的事件勝出。
//
// 後端:
//   - MemoryLog    程序內（測試、demo）
//   - storage/wal  JSON lines 檔案
//   - storage/sqlite, storage/redisstream 可跨程序共用
//
// ============================================================================

package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
)

var (
	ErrUnknownType      = errors.New("eventlog: unknown event type")
	ErrBadPayload       = errors.New("eventlog: malformed payload")
	ErrChecksumMismatch = errors.New("eventlog: checksum mismatch")
	ErrClosed           = errors.New("eventlog: log closed")
)

// Log is the storage contract shared by all backends
type Log interface {
	// Append stores events in order, assigning each a sequence number and
	// checksum. It returns the events as stored.
	Append(ctx context.Context, events ...Event) ([]Event, error)

	// Replay calls handler for every event with Seq > afterSeq in sequence
	// order. A handler error stops the replay and is returned.
	Replay(ctx context.Context, afterSeq uint64, handler EventHandler) error

	// LastSeq returns the sequence number of the newest event, 0 when empty.
	LastSeq(ctx context.Context) (uint64, error)

	Close() error
}

// Compactor is implemented by logs that can drop events already captured in
// a snapshot.
type Compactor interface {
	Compact(ctx context.Context, uptoSeq uint64) error
}

// Seal fixes the sequence number of e, normalises its payload and computes
// the checksum. Backends call it while holding their append lock.
func Seal(e Event, seq uint64) (Event, error) {
	if !e.Type.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	} else {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Payload); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrBadPayload, e.Type, err)
		}
		e.Payload = buf.Bytes()
	}
	e.Seq = seq
	e.Checksum = Checksum(e)
	return e, nil
}

// Checksum computes the CRC32-IEEE checksum of an event
func Checksum(e Event) uint32 {
	h := crc32.NewIEEE()
	var scratch [20]byte
	h.Write(strconv.AppendUint(scratch[:0], e.Seq, 10))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Type))
	h.Write([]byte{'|'})
	h.Write(strconv.AppendInt(scratch[:0], e.Timestamp, 10))
	h.Write([]byte{'|'})
	h.Write(e.Payload)
	return h.Sum32()
}

// Verify returns ErrChecksumMismatch when the stored checksum is wrong
func Verify(e Event) error {
	if got := Checksum(e); got != e.Checksum {
		return fmt.Errorf("%w: seq %d (expected=0x%08x, got=0x%08x)", ErrChecksumMismatch, e.Seq, e.Checksum, got)
	}
	return nil
}

// ReadAll collects every event after afterSeq, mostly for tests and tools
func ReadAll(ctx context.Context, log Log, afterSeq uint64) ([]Event, error) {
	var out []Event
	err := log.Replay(ctx, afterSeq, func(e Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}
