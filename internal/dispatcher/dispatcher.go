// ============================================================================
// cellqueue 調度器 - 把 pending 項目綁定到 ready 的 runtime session
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 讀取佇列與註冊表的檢視，規劃這一輪要做的分派
//
// 只規劃不寫入:
//   Tick() 回傳分派計畫，由 controller 逐一寫成 ExecutionAssigned 事件，
//   佇列在套用事件時才驗證。兩個調度器搶同一個項目時依日誌順序決定：
//   後到的分派發現項目已不是 pending，事件被拒絕。
//
// 調度順序:
//   1. 項目依 (priority 大到小, requestedAt 早到晚)
//   2. session 取具備能力且心跳最新的 ready session
//   3. 每一輪每個 session 最多用一次
//
// ============================================================================

package dispatcher

import (
	"log/slog"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// QueueView 調度器讀取的佇列檢視
type QueueView interface {
	Pending() []types.QueueEntry
}

// SessionView 調度器讀取的註冊表檢視
type SessionView interface {
	FindReady(required types.Capability) []types.RuntimeSession
}

// Assignment 一筆規劃中的分派
type Assignment struct {
	QueueID   types.QueueID
	CellID    types.CellID
	SessionID types.SessionID
}

type Dispatcher struct {
	logger *slog.Logger
}

// New creates a dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger.With("component", "dispatcher")}
}

// Tick 規劃一輪分派
// 找不到 session 的項目維持 pending，不算錯誤
func (d *Dispatcher) Tick(queue QueueView, sessions SessionView) []Assignment {
	pending := queue.Pending()
	if len(pending) == 0 {
		return nil
	}

	taken := make(map[types.SessionID]struct{})
	var plan []Assignment

	for _, entry := range pending {
		required := types.CapabilityFor(entry.CellType)
		if required == types.CapNone {
			continue
		}
		for _, session := range sessions.FindReady(required) {
			if _, used := taken[session.SessionID]; used {
				continue
			}
			taken[session.SessionID] = struct{}{}
			plan = append(plan, Assignment{
				QueueID:   entry.QueueID,
				CellID:    entry.CellID,
				SessionID: session.SessionID,
			})
			break
		}
	}

	if len(plan) > 0 {
		d.logger.Debug("dispatch planned", "pending", len(pending), "assigned", len(plan))
	}
	return plan
}
