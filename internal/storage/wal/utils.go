package wal

// ============================================================================
// WAL 工具函式
// 職責：讀取、驗證與診斷 WAL 檔案
// ============================================================================

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

// maxLineSize 單一事件的最大長度（結果內容可能很長）
const maxLineSize = 16 << 20

// scanFile 逐行解析 WAL 檔案並驗證 checksum
//
// 損毀的行回傳 CorruptionError，checksum 不符回傳 ChecksumError，
// seq 不是嚴格遞增時回傳 ErrSequenceGap。
func scanFile(path string, fn eventlog.EventHandler) error {
	return scanFrom(path, 0, 0, func(event eventlog.Event, _ int64) error {
		return fn(event)
	})
}

// scanFrom 從 start 位置開始掃描，start 必須是某一行的開頭
// afterSeq 是 start 之前最後一個事件的 seq；fn 另外收到該事件結束後的位置
func scanFrom(path string, start int64, afterSeq uint64, fn func(eventlog.Event, int64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if start > 0 {
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			return err
		}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		line    int
		offset  = start
		lastSeq = afterSeq
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		lineStart := offset
		offset += int64(len(raw)) + 1
		if len(raw) == 0 {
			continue
		}

		event, err := eventlog.Unmarshal(raw)
		if err != nil {
			return &CorruptionError{Line: line, Offset: lineStart, Cause: err}
		}
		if err := verifyChecksum(event); err != nil {
			return err
		}
		if event.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d after %d at line %d", ErrSequenceGap, event.Seq, lastSeq, line)
		}
		lastSeq = event.Seq

		if err := fn(event, offset); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Offset: offset, Cause: err}
	}
	return nil
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 用途：
// - NewWAL 時需要取得 last_seq 以繼續編號
//
// 採用從頭到尾掃描：同時驗證整個檔案，快照後檔案會被壓縮，長度有限。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*eventlog.Event, error) {
	var last *eventlog.Event
	err := scanFile(path, func(event eventlog.Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := scanFile(path, func(eventlog.Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 嚴格遞增（壓縮後第一個 seq 可以大於 1）
// - 事件類型都是已知類型
func ValidateWAL(path string) error {
	return scanFile(path, func(event eventlog.Event) error {
		if !event.Type.Known() {
			return fmt.Errorf("%w: %q at seq %d", eventlog.ErrUnknownType, event.Type, event.Seq)
		}
		return nil
	})
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] ExecutionRequested at 2024-01-01T00:00:00Z (checksum:0x12345678) {"queue_id":"q1",...}
func DumpWAL(path string, w io.Writer) error {
	return scanFile(path, func(event eventlog.Event) error {
		ts := time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d] %s at %s (checksum:0x%08x) %s\n",
			event.Seq, event.Type, ts, event.Checksum, event.Payload)
		return err
	})
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[eventlog.Type]int)}
	err := scanFile(path, func(event eventlog.Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
			stats.TimeRange = [2]int64{event.Timestamp, event.Timestamp}
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		if event.Timestamp < stats.TimeRange[0] {
			stats.TimeRange[0] = event.Timestamp
		}
		if event.Timestamp > stats.TimeRange[1] {
			stats.TimeRange[1] = event.Timestamp
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return stats, nil
}
