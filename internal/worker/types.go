package worker

import (
	"time"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// Task 代表 runtime 要執行的 cell
type Task struct {
	QueueID  types.QueueID  // 佇列項目 ID
	CellID   types.CellID   // 要執行的 cell
	CellType types.CellType // cell 類型
	Timeout  time.Duration  // 執行超時時間
}

// Result 代表 cell 執行結果
type Result struct {
	QueueID   types.QueueID   // 佇列項目 ID
	SessionID types.SessionID // 執行的 session
	Success   bool            // 執行是否成功
	Output    string          // 成功時的輸出
	Error     error           // 錯誤訊息（如果有）
	Duration  time.Duration   // 實際執行時間
}

// Options runtime 行為參數
type Options struct {
	RuntimeType       string           // 例如 python、sql
	Capabilities      types.Capability // 宣告的執行能力
	HeartbeatInterval time.Duration    // 心跳間隔
	PollInterval      time.Duration    // 查詢分派的間隔
	ExecTimeout       time.Duration    // 單一 cell 執行超時
}

// DefaultOptions 回傳預設參數
func DefaultOptions() Options {
	return Options{
		RuntimeType:       "python",
		Capabilities:      types.CapExecuteCode | types.CapExecuteSQL | types.CapExecuteAI,
		HeartbeatInterval: 2 * time.Second,
		PollInterval:      100 * time.Millisecond,
		ExecTimeout:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RuntimeType == "" {
		o.RuntimeType = d.RuntimeType
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = d.ExecTimeout
	}
	return o
}
