// Package types 定義了 cellqueue 系統中使用的核心領域模型
package types

import (
	"errors"
	"strings"
)

// QueueID 執行請求唯一識別碼
type QueueID string

// CellID 筆記本 cell 識別碼（由外部編輯系統產生）
type CellID string

// SessionID runtime session 識別碼
type SessionID string

// ErrRuntimeDisconnected 是 RecoveryCoordinator 寫入失敗項目的系統錯誤
var ErrRuntimeDisconnected = errors.New("runtime disconnected before completion")

// QueueStatus 執行佇列項目狀態
type QueueStatus string

// 定義佇列狀態常數
const (
	StatusPending   QueueStatus = "pending"   // 已請求執行，等待可用的 runtime
	StatusAssigned  QueueStatus = "assigned"  // Dispatcher 已綁定 session
	StatusRunning   QueueStatus = "running"   // 綁定的 worker 已回報開始執行
	StatusCompleted QueueStatus = "completed" // 執行成功（終止狀態）
	StatusFailed    QueueStatus = "failed"    // 執行失敗或 runtime 斷線（終止狀態）
	StatusCancelled QueueStatus = "cancelled" // 在 pending 時被取消（終止狀態）
)

// IsTerminal 回傳狀態是否為終止狀態，終止後項目不可再變更
func (s QueueStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsInFlight 回傳狀態是否佔用該 cell 的執行名額
func (s QueueStatus) IsInFlight() bool {
	return s == StatusPending || s == StatusAssigned || s == StatusRunning
}

// SessionStatus runtime session 狀態
type SessionStatus string

const (
	SessionStarting   SessionStatus = "starting"
	SessionReady      SessionStatus = "ready"
	SessionBusy       SessionStatus = "busy"
	SessionRestarting SessionStatus = "restarting"
	SessionTerminated SessionStatus = "terminated"
)

// Valid 回傳是否為已知的 session 狀態
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarting, SessionReady, SessionBusy, SessionRestarting, SessionTerminated:
		return true
	}
	return false
}

// Indicator 是 cell 對外可見的執行指示狀態
type Indicator string

const (
	IndicatorIdle      Indicator = "idle"
	IndicatorQueued    Indicator = "queued"
	IndicatorRunning   Indicator = "running"
	IndicatorCompleted Indicator = "completed"
	IndicatorError     Indicator = "error"
)

// Capability runtime 能力位元旗標
type Capability uint8

const (
	CapExecuteCode Capability = 1 << iota
	CapExecuteSQL
	CapExecuteAI

	// CapNone 表示該 cell 類型不需執行
	CapNone Capability = 0
)

var capabilityNames = []struct {
	bit  Capability
	name string
}{
	{CapExecuteCode, "code"},
	{CapExecuteSQL, "sql"},
	{CapExecuteAI, "ai"},
}

// Has 回傳是否包含全部指定的能力位元
func (c Capability) Has(required Capability) bool {
	return c&required == required
}

// String 以逗號分隔的名稱表示能力集合，例如 "code,sql"
func (c Capability) String() string {
	names := c.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Names 回傳能力名稱列表，用於事件內容
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if c.Has(cn.bit) {
			names = append(names, cn.name)
		}
	}
	return names
}

// ParseCapabilities 將名稱列表轉為能力旗標
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, raw := range names {
		name := strings.TrimSpace(strings.ToLower(raw))
		if name == "" {
			continue
		}
		found := false
		for _, cn := range capabilityNames {
			if cn.name == name {
				c |= cn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, errors.New("unknown capability: " + raw)
		}
	}
	return c, nil
}

// CellType cell 類型
type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellSQL      CellType = "sql"
	CellAI       CellType = "ai"
)

// CapabilityFor 回傳執行該類型 cell 所需的 runtime 能力
// markdown 或未知類型回傳 CapNone
func CapabilityFor(t CellType) Capability {
	switch t {
	case CellCode:
		return CapExecuteCode
	case CellSQL:
		return CapExecuteSQL
	case CellAI:
		return CapExecuteAI
	default:
		return CapNone
	}
}

// QueueEntry 執行佇列項目，代表一次「執行這個 cell」的請求
// 時間欄位使用 Unix 毫秒，取自事件時間戳以確保重放結果一致
type QueueEntry struct {
	QueueID     QueueID     `json:"queue_id"`
	CellID      CellID      `json:"cell_id"`
	CellType    CellType    `json:"cell_type"`
	Status      QueueStatus `json:"status"`
	RequestedBy string      `json:"requested_by"`
	RequestedAt int64       `json:"requested_at"`
	Priority    int         `json:"priority"`

	// 請求在日誌中的序號，用於同優先權同時間時的穩定排序
	Seq uint64 `json:"seq"`

	AssignedSessionID SessionID `json:"assigned_session_id,omitempty"`
	AssignedAt        *int64    `json:"assigned_at,omitempty"`
	StartedAt         *int64    `json:"started_at,omitempty"`
	CompletedAt       *int64    `json:"completed_at,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RuntimeSession runtime worker 的註冊資訊
type RuntimeSession struct {
	SessionID       SessionID     `json:"session_id"`
	RuntimeID       string        `json:"runtime_id"`
	RuntimeType     string        `json:"runtime_type"`
	Capabilities    Capability    `json:"capabilities"`
	Status          SessionStatus `json:"status"`
	IsActive        bool          `json:"is_active"`
	LastHeartbeatAt int64         `json:"last_heartbeat_at"`
	RegisteredAt    int64         `json:"registered_at"`

	TerminatedReason string `json:"terminated_reason,omitempty"`
}

// CellPosition cell 目前的排序鍵
type CellPosition struct {
	CellID   CellID `json:"cell_id"`
	OrderKey string `json:"order_key"`
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Entries   map[QueueID]*QueueEntry       `json:"entries"`
	Sessions  map[SessionID]*RuntimeSession `json:"sessions"`
	Cells     map[CellID]string             `json:"cells"`
	SchemaVer int                           `json:"schema_ver"`
	LastSeq   uint64                        `json:"last_seq"`
}
