package wal

// ============================================================================
// 校驗和驗證
// 職責：讀取 WAL 時驗證每個事件的 CRC32 校驗和
// ============================================================================

import (
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
)

// verifyChecksum 重新計算校驗和並與事件中存儲的值比較
//
// 校驗範圍包含 Seq + Type + Timestamp + Payload（見 eventlog.Checksum），
// 重放時任何欄位被竄改都會被偵測到。
func verifyChecksum(event eventlog.Event) error {
	actual := eventlog.Checksum(event)
	if actual != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: event.Checksum, Actual: actual}
	}
	return nil
}
