// ============================================================================
// cellqueue 執行佇列 - cell 執行請求的狀態機
// ============================================================================
//
// Package: internal/execqueue
// 文件: queue.go
// 功能: 管理每個執行請求（queue entry）的完整生命週期與狀態轉換
//
// 狀態轉換 (State Machine):
//   (none) ──Request()──> pending
//   pending ──Assign()──> assigned       （只由 Dispatcher 觸發）
//   pending ──Cancel()──> cancelled
//   assigned ──Start()──> running        （只接受綁定的 session 回報）
//   running ──Complete()/Fail()──> completed / failed
//   assigned|running ──FailDisconnected()──> failed （RecoveryCoordinator）
//
// 不變量:
//   - 同一個 cell 同時最多只有一個 pending/assigned/running 項目
//   - 終止狀態（completed/failed/cancelled）之後項目不可再變更
//   - 被拒絕的轉換不改變任何狀態
//
// 數據結構設計:
//   entries map[QueueID]*QueueEntry - 主存儲（單一真實來源）
//   輔助索引：
//   - pending   - 待分派項目
//   - inFlight  - cell → 執行中項目
//   - bySession - session → 已綁定項目
//   - indicators - cell 對外可見的執行指示
//
// 並發安全:
//   Queue 本身不加鎖。所有變更來自單一、全序的事件日誌，
//   由 controller 依序套用。
//
// ============================================================================

package execqueue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一個 cell 已有執行中的請求
	ErrDuplicateInFlight = errors.New("execution already in flight for cell")
	// queue id 重複
	ErrDuplicateQueueID = errors.New("queue entry already exists")
	// 找不到 queue 項目
	ErrUnknownQueueEntry = errors.New("unknown queue entry")
	// 狀態轉換不合法
	ErrInvalidTransition = errors.New("invalid queue transition")
	// 回報者不是綁定的 session
	ErrSessionMismatch = errors.New("reporter is not the bound session")
	// cell 類型不需要執行（例如 markdown）
	ErrNotExecutable = errors.New("cell type is not executable")
	// 請求欄位缺漏
	ErrInvalidRequest = errors.New("invalid execution request")
)

// TransitionError 描述被拒絕的狀態轉換
type TransitionError struct {
	QueueID types.QueueID
	From    types.QueueStatus
	To      types.QueueStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot move from %s to %s", ErrInvalidTransition, e.QueueID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Request 是 ExecutionRequested 事件套用時需要的欄位
type Request struct {
	QueueID     types.QueueID
	CellID      types.CellID
	CellType    types.CellType
	RequestedBy string
	Priority    int
	At          int64  // 事件時間（Unix 毫秒）
	Seq         uint64 // 事件在日誌中的序號
}

// Queue 執行佇列狀態機
type Queue struct {
	entries    map[types.QueueID]*types.QueueEntry
	pending    map[types.QueueID]*types.QueueEntry
	inFlight   map[types.CellID]types.QueueID
	bySession  map[types.SessionID]map[types.QueueID]struct{}
	indicators map[types.CellID]types.Indicator
}

// New 建立空的執行佇列
func New() *Queue {
	return &Queue{
		entries:    make(map[types.QueueID]*types.QueueEntry),
		pending:    make(map[types.QueueID]*types.QueueEntry),
		inFlight:   make(map[types.CellID]types.QueueID),
		bySession:  make(map[types.SessionID]map[types.QueueID]struct{}),
		indicators: make(map[types.CellID]types.Indicator),
	}
}

// ============================================================================
// 狀態轉換
// ============================================================================

// Request 建立 pending 項目
//
// 錯誤處理：
//   - ErrDuplicateInFlight: 該 cell 已有執行中的項目，不建立第二個
//   - ErrDuplicateQueueID: queue id 已存在
//   - ErrNotExecutable: cell 類型不需執行
func (q *Queue) Request(req Request) (types.QueueEntry, error) {
	if req.QueueID == "" || req.CellID == "" {
		return types.QueueEntry{}, fmt.Errorf("%w: queue id and cell id are required", ErrInvalidRequest)
	}
	if _, exists := q.entries[req.QueueID]; exists {
		return types.QueueEntry{}, fmt.Errorf("%w: %s", ErrDuplicateQueueID, req.QueueID)
	}
	if types.CapabilityFor(req.CellType) == types.CapNone {
		return types.QueueEntry{}, fmt.Errorf("%w: %q", ErrNotExecutable, req.CellType)
	}
	if existing, busy := q.inFlight[req.CellID]; busy {
		return types.QueueEntry{}, fmt.Errorf("%w: cell %s has %s", ErrDuplicateInFlight, req.CellID, existing)
	}

	entry := &types.QueueEntry{
		QueueID:     req.QueueID,
		CellID:      req.CellID,
		CellType:    req.CellType,
		Status:      types.StatusPending,
		RequestedBy: req.RequestedBy,
		RequestedAt: req.At,
		Priority:    req.Priority,
		Seq:         req.Seq,
	}

	q.entries[entry.QueueID] = entry
	q.pending[entry.QueueID] = entry
	q.inFlight[entry.CellID] = entry.QueueID
	q.indicators[entry.CellID] = types.IndicatorQueued
	return *entry, nil
}

// Assign pending → assigned，只由 Dispatcher 的決策觸發
func (q *Queue) Assign(queueID types.QueueID, sessionID types.SessionID, at int64) error {
	entry, err := q.lookup(queueID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusPending {
		return &TransitionError{QueueID: queueID, From: entry.Status, To: types.StatusAssigned}
	}

	entry.Status = types.StatusAssigned
	entry.AssignedSessionID = sessionID
	entry.AssignedAt = &at
	delete(q.pending, queueID)
	q.bind(sessionID, queueID)
	return nil
}

// Start assigned → running，回報者必須是綁定的 session
func (q *Queue) Start(queueID types.QueueID, sessionID types.SessionID, at int64) error {
	entry, err := q.lookup(queueID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusAssigned {
		return &TransitionError{QueueID: queueID, From: entry.Status, To: types.StatusRunning}
	}
	if entry.AssignedSessionID != sessionID {
		return fmt.Errorf("%w: %s is bound to %s, reported by %s", ErrSessionMismatch, queueID, entry.AssignedSessionID, sessionID)
	}

	entry.Status = types.StatusRunning
	entry.StartedAt = &at
	q.indicators[entry.CellID] = types.IndicatorRunning
	return nil
}

// Complete running → completed
func (q *Queue) Complete(queueID types.QueueID, sessionID types.SessionID, result string, at int64) error {
	entry, err := q.reported(queueID, sessionID, types.StatusCompleted)
	if err != nil {
		return err
	}
	entry.Result = result
	q.finish(entry, types.StatusCompleted, at)
	return nil
}

// Fail running → failed，由綁定的 worker 回報錯誤
func (q *Queue) Fail(queueID types.QueueID, sessionID types.SessionID, errMsg string, at int64) error {
	entry, err := q.reported(queueID, sessionID, types.StatusFailed)
	if err != nil {
		return err
	}
	entry.Error = errMsg
	q.finish(entry, types.StatusFailed, at)
	return nil
}

// Cancel pending → cancelled；執行中的項目無法在此取消
func (q *Queue) Cancel(queueID types.QueueID, at int64) error {
	entry, err := q.lookup(queueID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusPending {
		return &TransitionError{QueueID: queueID, From: entry.Status, To: types.StatusCancelled}
	}
	delete(q.pending, queueID)
	q.finish(entry, types.StatusCancelled, at)
	return nil
}

// FailDisconnected assigned|running → failed，綁定的 runtime 已終止
func (q *Queue) FailDisconnected(queueID types.QueueID, at int64) error {
	entry, err := q.lookup(queueID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusAssigned && entry.Status != types.StatusRunning {
		return &TransitionError{QueueID: queueID, From: entry.Status, To: types.StatusFailed}
	}
	entry.Error = types.ErrRuntimeDisconnected.Error()
	q.finish(entry, types.StatusFailed, at)
	return nil
}

func (q *Queue) lookup(queueID types.QueueID) (*types.QueueEntry, error) {
	entry, exists := q.entries[queueID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueueEntry, queueID)
	}
	return entry, nil
}

// reported 檢查 worker 的終止回報：項目必須在 running 且由綁定的 session 回報
func (q *Queue) reported(queueID types.QueueID, sessionID types.SessionID, to types.QueueStatus) (*types.QueueEntry, error) {
	entry, err := q.lookup(queueID)
	if err != nil {
		return nil, err
	}
	if entry.Status != types.StatusRunning {
		return nil, &TransitionError{QueueID: queueID, From: entry.Status, To: to}
	}
	if entry.AssignedSessionID != sessionID {
		return nil, fmt.Errorf("%w: %s is bound to %s, reported by %s", ErrSessionMismatch, queueID, entry.AssignedSessionID, sessionID)
	}
	return entry, nil
}

// finish 將項目設為終止狀態並清理索引
func (q *Queue) finish(entry *types.QueueEntry, status types.QueueStatus, at int64) {
	entry.Status = status
	entry.CompletedAt = &at

	if q.inFlight[entry.CellID] == entry.QueueID {
		delete(q.inFlight, entry.CellID)
	}
	q.unbind(entry.AssignedSessionID, entry.QueueID)
	q.indicators[entry.CellID] = indicatorFor(status)
}

func (q *Queue) bind(sessionID types.SessionID, queueID types.QueueID) {
	bound, ok := q.bySession[sessionID]
	if !ok {
		bound = make(map[types.QueueID]struct{})
		q.bySession[sessionID] = bound
	}
	bound[queueID] = struct{}{}
}

func (q *Queue) unbind(sessionID types.SessionID, queueID types.QueueID) {
	if sessionID == "" {
		return
	}
	bound := q.bySession[sessionID]
	delete(bound, queueID)
	if len(bound) == 0 {
		delete(q.bySession, sessionID)
	}
}

func indicatorFor(status types.QueueStatus) types.Indicator {
	switch status {
	case types.StatusPending, types.StatusAssigned:
		return types.IndicatorQueued
	case types.StatusRunning:
		return types.IndicatorRunning
	case types.StatusCompleted:
		return types.IndicatorCompleted
	case types.StatusFailed:
		return types.IndicatorError
	default:
		return types.IndicatorIdle
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得項目副本
func (q *Queue) Get(queueID types.QueueID) (types.QueueEntry, bool) {
	entry, exists := q.entries[queueID]
	if !exists {
		return types.QueueEntry{}, false
	}
	return *entry, true
}

// Pending 依 (priority desc, requestedAt asc, seq asc) 回傳所有待分派項目
func (q *Queue) Pending() []types.QueueEntry {
	out := make([]types.QueueEntry, 0, len(q.pending))
	for _, entry := range q.pending {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.RequestedAt != b.RequestedAt {
			return a.RequestedAt < b.RequestedAt
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.QueueID < b.QueueID
	})
	return out
}

// BoundTo 回傳綁定於 session 且尚未終止的項目（assigned 或 running）
func (q *Queue) BoundTo(sessionID types.SessionID) []types.QueueEntry {
	bound := q.bySession[sessionID]
	out := make([]types.QueueEntry, 0, len(bound))
	for id := range bound {
		out = append(out, *q.entries[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueID < out[j].QueueID })
	return out
}

// InFlight 回傳 cell 目前執行中的項目
func (q *Queue) InFlight(cellID types.CellID) (types.QueueEntry, bool) {
	id, busy := q.inFlight[cellID]
	if !busy {
		return types.QueueEntry{}, false
	}
	return *q.entries[id], true
}

// Indicator 回傳 cell 的執行指示，從未執行過的 cell 為 idle
func (q *Queue) Indicator(cellID types.CellID) types.Indicator {
	if ind, ok := q.indicators[cellID]; ok {
		return ind
	}
	return types.IndicatorIdle
}

// Stats 取得各狀態項目數量
func (q *Queue) Stats() map[types.QueueStatus]int {
	stats := map[types.QueueStatus]int{
		types.StatusPending:   0,
		types.StatusAssigned:  0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	for _, entry := range q.entries {
		stats[entry.Status]++
	}
	return stats
}

// Entries 回傳所有項目副本，依請求序號排序
func (q *Queue) Entries() []types.QueueEntry {
	out := make([]types.QueueEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].QueueID < out[j].QueueID
	})
	return out
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝所有項目
func (q *Queue) Snapshot() map[types.QueueID]*types.QueueEntry {
	out := make(map[types.QueueID]*types.QueueEntry, len(q.entries))
	for id, entry := range q.entries {
		cp := *entry
		out[id] = &cp
	}
	return out
}

// Restore 從快照重建佇列與所有索引
func (q *Queue) Restore(entries map[types.QueueID]*types.QueueEntry) error {
	restored := New()

	// 依序號套用，讓每個 cell 的指示反映最後一個請求
	ordered := make([]*types.QueueEntry, 0, len(entries))
	for id, entry := range entries {
		if entry == nil || entry.QueueID != id {
			return fmt.Errorf("%w: snapshot entry %s is inconsistent", ErrInvalidRequest, id)
		}
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].QueueID < ordered[j].QueueID
	})

	for _, src := range ordered {
		entry := *src
		if entry.Status.IsInFlight() {
			if other, busy := restored.inFlight[entry.CellID]; busy {
				return fmt.Errorf("%w: cell %s has %s and %s", ErrDuplicateInFlight, entry.CellID, other, entry.QueueID)
			}
			restored.inFlight[entry.CellID] = entry.QueueID
		}
		switch entry.Status {
		case types.StatusPending:
			restored.pending[entry.QueueID] = &entry
		case types.StatusAssigned, types.StatusRunning:
			restored.bind(entry.AssignedSessionID, entry.QueueID)
		}
		restored.entries[entry.QueueID] = &entry
		restored.indicators[entry.CellID] = indicatorFor(entry.Status)
	}

	*q = *restored
	return nil
}
