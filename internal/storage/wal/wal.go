package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 提供重放功能以恢復系統狀態
// 3. 支援快照後的壓縮（序號持續遞增，不歸零）
// 4. 確保寫入持久性與資料完整性
//
// 寫入失敗：
// flush 失敗時檔案截斷回寫入前的長度，本次 Append 的事件從 buffer 移除、
// seq 還原，之後的 Append 會重新使用這些序號。連截斷都失敗時 WAL 進入
// failed 狀態，之後所有操作都回傳 ErrWALFailed。
//
// 重放游標：
// Replay 記住最後掃描到的事件與其結束位置，afterSeq 不早於游標時
// 直接從該位置開始讀取，不必每次從頭掃描整個檔案。
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

var log = slog.Default()

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// replayCursor 檔案中 seq 事件結束後的位元組位置
type replayCursor struct {
	seq    uint64
	offset int64
}

// WAL 表示 Write-Ahead Log 實例，實作 eventlog.Log 與 eventlog.Compactor
type WAL struct {
	mu     sync.Mutex    // 保護並發寫入
	file   FileInterface // WAL 檔案
	path   string        // WAL 檔案路徑
	seq    uint64        // 當前事件序號
	closed bool
	failed error // 截斷失敗後檔案內容不可信
	opts   Options

	size   int64        // 已成功寫入並同步的檔案長度
	cursor replayCursor // 上次 Replay 掃描到的位置

	buffer        []eventlog.Event // 尚未寫入檔案的事件
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 檔案損毀時回傳錯誤，不會從 0 重新編號
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	opts = opts.withDefaults()

	var seq uint64
	last, err := GetLastEvent(path)
	switch {
	case err == nil:
		seq = last.Seq
	case os.IsNotExist(err), err == ErrEmptyWAL:
		// 新檔案
	default:
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	file, size, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	return &WAL{
		file:          file,
		path:          path,
		seq:           seq,
		size:          size,
		opts:          opts,
		buffer:        make([]eventlog.Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加事件到 WAL
//
// 行為：
// - 依序分配 seq 並計算 checksum
// - SyncOnAppend 時立即寫入並 fsync
// - 否則累積到 buffer，滿了或超時才 flush（批次同步）
// - flush 失敗時本次的事件不會留在 buffer，seq 也不會前進
func (w *WAL) Append(ctx context.Context, events ...eventlog.Event) ([]eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWALClosed
	}
	if w.failed != nil {
		return nil, w.failed
	}

	stored := make([]eventlog.Event, 0, len(events))
	seq := w.seq
	for _, e := range events {
		seq++
		sealed, err := eventlog.Seal(e, seq)
		if err != nil {
			return nil, err
		}
		stored = append(stored, sealed)
	}

	prevSeq := w.seq
	w.buffer = append(w.buffer, stored...)
	w.seq = seq

	needFlush := w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			// 較早緩衝的事件已經回報成功，留給下一次 flush
			w.buffer = w.buffer[:len(w.buffer)-len(stored)]
			w.seq = prevSeq
			return nil, err
		}
	}
	return stored, nil
}

// Replay 重放 seq > afterSeq 的 WAL 事件
//
// 行為：
// - 先 flush buffer，確保讀到所有已追加的事件
// - afterSeq 不早於游標時從游標位置讀取，否則從頭讀取
// - 驗證每個事件的 checksum，呼叫 handler 應用事件，遇到錯誤立即停止
//
// handler 執行期間持有 WAL 鎖，handler 不可再呼叫此 WAL。
func (w *WAL) Replay(ctx context.Context, afterSeq uint64, handler eventlog.EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}

	var from replayCursor
	if afterSeq >= w.cursor.seq {
		from = w.cursor
	}
	return scanFrom(w.path, from.offset, from.seq, func(event eventlog.Event, end int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cursor = replayCursor{seq: event.Seq, offset: end}
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
}

// LastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) LastSeq(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq, nil
}

// Compact 丟棄 seq <= uptoSeq 的事件（已被快照涵蓋）
//
// 目前的檔案移到備份路徑，seq 之後的事件寫入新檔案；全部被涵蓋時新檔案為空。
// seq 不歸零，新檔案中的事件從 seq+1 繼續。
func (w *WAL) Compact(ctx context.Context, uptoSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if uptoSeq >= w.seq {
		return w.replaceLocked(nil)
	}

	var kept []eventlog.Event
	err := scanFile(w.path, func(event eventlog.Event) error {
		if event.Seq > uptoSeq {
			kept = append(kept, event)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return w.replaceLocked(kept)
}

// Close 關閉 WAL，關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	flushErr := w.flushLocked()
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
//
// 失敗時截斷回 w.size，buffer 保留原樣；截斷也失敗則標記 failed。
func (w *WAL) flushLocked() error {
	if w.failed != nil {
		return w.failed
	}
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range w.buffer {
		line, err := eventlog.Marshal(event)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	n, err := w.file.Write(buf.Bytes())
	if err == nil {
		if serr := w.file.Sync(); serr != nil {
			err = fmt.Errorf("%w: %v", ErrSyncFailed, serr)
		}
	}
	if err != nil {
		if terr := w.file.Truncate(w.size); terr != nil {
			w.failed = fmt.Errorf("%w: %v (truncate: %v)", ErrWALFailed, err, terr)
			log.Error("wal truncate after failed write failed", "path", w.path, "size", w.size, "error", terr)
			return w.failed
		}
		log.Warn("wal write failed, truncated", "path", w.path, "size", w.size, "error", err)
		return err
	}

	w.size += int64(n)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// replaceLocked 將目前檔案移到備份，寫入 kept 事件到新檔案
// 新檔案先寫到暫存路徑再原子替換
func (w *WAL) replaceLocked(kept []eventlog.Event) error {
	if err := w.flushLocked(); err != nil {
		return err
	}

	tmpPath := w.path + ".tmp"
	if err := writeEvents(tmpPath, kept); err != nil {
		return err
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405.000000000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}

	file, size, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = file
	w.size = size
	w.cursor = replayCursor{}
	w.lastFlushTime = time.Now()

	if w.opts.CompressBackups {
		if err := compressWALFile(backupPath, backupPath+".gz"); err != nil {
			log.Warn("wal backup compression failed", "path", backupPath, "error", err)
		} else if err := os.Remove(backupPath); err != nil {
			log.Warn("wal backup cleanup failed", "path", backupPath, "error", err)
		}
	}

	log.Info("wal rotated", "path", w.path, "backup", backupPath, "kept", len(kept), "seq", w.seq)
	return nil
}

// openAppend 以追加模式開啟檔案並回傳目前長度
func openAppend(path string) (*os.File, int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

// writeEvents 寫入事件到新檔案並 fsync
func writeEvents(path string, events []eventlog.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, event := range events {
		line, err := eventlog.Marshal(event)
		if err != nil {
			return err
		}
		bw.Write(line)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// compressWALFile gzip 壓縮備份的 WAL 檔案
// 只在旋轉時進行壓縮，避免每次寫入都壓縮造成效能瓶頸
func compressWALFile(srcPath, dstPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	gzipWriter := gzip.NewWriter(dstFile)
	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		gzipWriter.Close()
		return err
	}
	return gzipWriter.Close()
}
