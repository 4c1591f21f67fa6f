// ============================================================================
// cellqueue 恢復協調器 - 處理終止的 runtime session 上的執行
// ============================================================================
//
// Package: internal/recovery
// 文件: recovery.go
// 功能: session 終止時，綁定在它身上的 assigned/running 項目一律標記 failed
//
// 恢復策略:
//   - 錯誤訊息固定為 types.ErrRuntimeDisconnected
//   - 不重新排入佇列，重試需要使用者重新送出請求
//   - 由 controller 在套用 RuntimeSessionTerminated 事件時呼叫，
//     所以每個副本依日誌得到相同的結果
//
// ============================================================================

package recovery

import (
	"log/slog"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// Queue 恢復時需要的佇列操作
type Queue interface {
	BoundTo(sessionID types.SessionID) []types.QueueEntry
	FailDisconnected(queueID types.QueueID, at int64) error
}

type Coordinator struct {
	logger *slog.Logger
}

// New creates a coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With("component", "recovery")}
}

// OnTerminated 把 sessionID 上所有執行中的項目標記失敗
// 回傳被改變的項目（最終狀態）
func (c *Coordinator) OnTerminated(q Queue, sessionID types.SessionID, at int64) []types.QueueEntry {
	bound := q.BoundTo(sessionID)
	if len(bound) == 0 {
		return nil
	}

	recovered := make([]types.QueueEntry, 0, len(bound))
	for _, entry := range bound {
		if err := q.FailDisconnected(entry.QueueID, at); err != nil {
			// BoundTo 只回傳 assigned/running
			c.logger.Warn("recovery skipped entry", "queue_id", entry.QueueID, "error", err)
			continue
		}
		entry.Status = types.StatusFailed
		entry.Error = types.ErrRuntimeDisconnected.Error()
		entry.CompletedAt = &at
		recovered = append(recovered, entry)
	}

	c.logger.Info("runtime session terminated, in-flight executions failed",
		"session_id", sessionID, "failed", len(recovered))
	return recovered
}
