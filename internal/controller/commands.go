package controller

// ============================================================================
// 職責說明：
// 1. 為常見操作建立對應事件並寫入日誌（呼叫端不需自行組裝事件）
// 2. queue id 與 session id 使用 UUIDv7（依時間排序）
// 3. 新增或移動 cell 時依目前排序計算新的排序鍵
// ============================================================================

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ExecutionRequest 執行請求參數
type ExecutionRequest struct {
	CellID      types.CellID
	CellType    types.CellType
	RequestedBy string
	Priority    int
}

// SessionInfo runtime 啟動時宣告的資訊
type SessionInfo struct {
	SessionID    types.SessionID // 空字串時自動產生
	RuntimeID    string
	RuntimeType  string
	Capabilities types.Capability
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Controller) emit(ctx context.Context, t eventlog.Type, payload any) error {
	e, err := eventlog.NewEvent(t, c.now(), payload)
	if err != nil {
		return err
	}
	_, err = c.Append(ctx, e)
	return err
}

// ============================================================================
// 執行佇列
// ============================================================================

// RequestExecution 寫入 ExecutionRequested，回傳新的 queue id
func (c *Controller) RequestExecution(ctx context.Context, req ExecutionRequest) (types.QueueID, error) {
	queueID := types.QueueID(newID())
	err := c.emit(ctx, eventlog.TypeExecutionRequested, eventlog.ExecutionRequested{
		QueueID:     queueID,
		CellID:      req.CellID,
		CellType:    req.CellType,
		RequestedBy: req.RequestedBy,
		Priority:    req.Priority,
	})
	if err != nil {
		return "", err
	}
	return queueID, nil
}

// CancelExecution 取消 pending 的項目
func (c *Controller) CancelExecution(ctx context.Context, queueID types.QueueID, reason string) error {
	return c.emit(ctx, eventlog.TypeExecutionCancelled, eventlog.ExecutionCancelled{
		QueueID: queueID,
		Reason:  reason,
	})
}

// ReportStarted 綁定的 runtime 回報開始執行
func (c *Controller) ReportStarted(ctx context.Context, queueID types.QueueID, sessionID types.SessionID) error {
	return c.emit(ctx, eventlog.TypeExecutionStarted, eventlog.ExecutionStarted{
		QueueID:   queueID,
		SessionID: sessionID,
	})
}

// ReportCompleted 綁定的 runtime 回報成功
func (c *Controller) ReportCompleted(ctx context.Context, queueID types.QueueID, sessionID types.SessionID, result string) error {
	return c.emit(ctx, eventlog.TypeExecutionCompleted, eventlog.ExecutionCompleted{
		QueueID:   queueID,
		SessionID: sessionID,
		Result:    result,
	})
}

// ReportFailed 綁定的 runtime 回報失敗
func (c *Controller) ReportFailed(ctx context.Context, queueID types.QueueID, sessionID types.SessionID, errMsg string) error {
	return c.emit(ctx, eventlog.TypeExecutionFailed, eventlog.ExecutionFailed{
		QueueID:   queueID,
		SessionID: sessionID,
		Error:     errMsg,
	})
}

// ============================================================================
// Runtime session
// ============================================================================

// RegisterSession 寫入 RuntimeSessionStarted，回傳 session id
func (c *Controller) RegisterSession(ctx context.Context, info SessionInfo) (types.SessionID, error) {
	sessionID := info.SessionID
	if sessionID == "" {
		sessionID = types.SessionID(newID())
	}
	err := c.emit(ctx, eventlog.TypeRuntimeSessionStarted, eventlog.RuntimeSessionStarted{
		SessionID:    sessionID,
		RuntimeID:    info.RuntimeID,
		RuntimeType:  info.RuntimeType,
		Capabilities: info.Capabilities.Names(),
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// Heartbeat 回報 session 狀態
func (c *Controller) Heartbeat(ctx context.Context, sessionID types.SessionID, status types.SessionStatus) error {
	return c.emit(ctx, eventlog.TypeRuntimeSessionStatusChanged, eventlog.RuntimeSessionStatusChanged{
		SessionID: sessionID,
		Status:    status,
	})
}

// TerminateSession 終止 session，綁定中的項目會被標為 failed
func (c *Controller) TerminateSession(ctx context.Context, sessionID types.SessionID, reason string) error {
	return c.emit(ctx, eventlog.TypeRuntimeSessionTerminated, eventlog.RuntimeSessionTerminated{
		SessionID: sessionID,
		Reason:    reason,
	})
}

// ============================================================================
// Cell 排序
// ============================================================================

// InsertCellAfter 新增 cell 並放在 anchor 之後，anchor 為空表示放在最前面
func (c *Controller) InsertCellAfter(ctx context.Context, cellID, anchor types.CellID) (string, error) {
	return c.placeCell(ctx, cellID, anchor, false, eventlog.TypeCellCreated)
}

// InsertCellBefore 新增 cell 並放在 anchor 之前，anchor 為空表示放在最後面
func (c *Controller) InsertCellBefore(ctx context.Context, cellID, anchor types.CellID) (string, error) {
	return c.placeCell(ctx, cellID, anchor, true, eventlog.TypeCellCreated)
}

// MoveCellAfter 將 cell 移到 anchor 之後，舊的排序鍵被捨棄
func (c *Controller) MoveCellAfter(ctx context.Context, cellID, anchor types.CellID) (string, error) {
	return c.placeCell(ctx, cellID, anchor, false, eventlog.TypeCellMoved)
}

// MoveCellBefore 將 cell 移到 anchor 之前
func (c *Controller) MoveCellBefore(ctx context.Context, cellID, anchor types.CellID) (string, error) {
	return c.placeCell(ctx, cellID, anchor, true, eventlog.TypeCellMoved)
}

// DeleteCell 刪除 cell
func (c *Controller) DeleteCell(ctx context.Context, cellID types.CellID) error {
	return c.emit(ctx, eventlog.TypeCellDeleted, eventlog.CellDeleted{CellID: cellID})
}

// placeCell 在同一把鎖內計算排序鍵並寫入事件
// 其他寫入者若先用掉相同的鍵，事件會以 cellorder.ErrKeyInUse 被拒絕
func (c *Controller) placeCell(ctx context.Context, cellID, anchor types.CellID, before bool, t eventlog.Type) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		key string
		err error
	)
	if before {
		key, err = c.cells.KeyForInsertBefore(anchor, c.jitter)
	} else {
		key, err = c.cells.KeyForInsertAfter(anchor, c.jitter)
	}
	if err != nil {
		return "", fmt.Errorf("failed to allocate order key: %w", err)
	}

	var payload any
	if t == eventlog.TypeCellMoved {
		payload = eventlog.CellMoved{CellID: cellID, NewOrderKey: key}
	} else {
		payload = eventlog.CellCreated{CellID: cellID, OrderKey: key}
	}
	e, err := eventlog.NewEvent(t, c.now(), payload)
	if err != nil {
		return "", err
	}
	if _, err := c.appendLocked(ctx, e); err != nil {
		return "", err
	}
	return key, nil
}
