package controller

import (
	"context"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// 本地 runtime 來源
// ============================================================================
//
// Controller 直接實作 worker.Source：同一程序內的 runtime 透過 Append 寫入
// 事件，透過 Assignment 取得分派給自己的項目。遠端 runtime 改用 gRPC 版本。

// Assignment 回傳綁定於 session 且尚未終止的最早項目
func (c *Controller) Assignment(ctx context.Context, sessionID types.SessionID) (types.QueueEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.QueueEntry{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return types.QueueEntry{}, false, ErrStopped
	}

	bound := c.queue.BoundTo(sessionID)
	if len(bound) == 0 {
		return types.QueueEntry{}, false, nil
	}
	first := bound[0]
	for _, entry := range bound[1:] {
		if entry.Seq < first.Seq {
			first = entry
		}
	}
	return first, true, nil
}

// Wait 等待項目進入終止狀態，與遠端來源的介面一致
func (c *Controller) Wait(ctx context.Context, queueID types.QueueID) (types.QueueEntry, error) {
	return c.WaitForTerminal(ctx, queueID)
}
