// ============================================================================
// cellqueue 控制器 - 事件日誌 Reducer 與協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 依日誌順序把事件套用到讀取模型，並在每次變更後執行調度
//
// 架構設計:
//   所有狀態變更都是先寫入共享事件日誌，再依序號套用：
//   - execqueue: 執行佇列狀態機（pending/assigned/running/completed/failed/cancelled）
//   - registry:  runtime session 註冊表
//   - cellorder: cell 排序鍵
//   - dispatcher: 只做規劃，決策以 ExecutionAssigned 事件寫回日誌
//   - recovery:  套用 RuntimeSessionTerminated 時將綁定項目標為 failed
//
//   多個程序共享同一份日誌時，衝突（例如同一項目被分派兩次）由日誌順序決定：
//   序號較大的事件在套用時被拒絕，而且每個程序、每次重放的結果都相同。
//
// 啟動恢復流程:
//   1. loadSnapshot() - 從快照恢復三個讀取模型與 LastSeq
//   2. replayLog()    - 重放 LastSeq 之後的事件（重放期間不調度）
//   3. dispatch()     - 執行一次調度
//
// 背景循環:
//   1. Sync Loop     - 定期追趕其他寫入者寫入共享日誌的事件
//   2. Snapshot Loop - 定期建立快照，可選擇壓縮日誌
//
// 並發安全:
//   - mu 保護所有讀取模型與 applied 序號
//   - changed channel 在每批事件套用後關閉並替換，WaitForTerminal 以此等待
//   - stopCh + loopWg 用於優雅關閉
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/cellqueue/internal/cellorder"
	"github.com/ChuLiYu/cellqueue/internal/dispatcher"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/execqueue"
	"github.com/ChuLiYu/cellqueue/internal/metrics"
	"github.com/ChuLiYu/cellqueue/internal/orderkey"
	"github.com/ChuLiYu/cellqueue/internal/recovery"
	"github.com/ChuLiYu/cellqueue/internal/registry"
	"github.com/ChuLiYu/cellqueue/internal/snapshot"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// Controller 已停止
	ErrStopped = errors.New("controller stopped")
	// 缺少事件日誌
	ErrNoLog = errors.New("controller requires an event log")
	// 分派目標 session 不是 ready
	ErrSessionUnavailable = errors.New("runtime session is not ready")
	// 分派目標 session 缺少該 cell 類型需要的能力
	ErrCapabilityMismatch = errors.New("runtime session lacks required capability")
	// 日誌序號不連續（其他程序壓縮了尚未套用的事件）
	ErrLogGap = errors.New("event log has a sequence gap")
)

// maxDispatchRounds 單次調度最多連續規劃的輪數
const maxDispatchRounds = 8

// ============================================================================
// 資料結構定義
// ============================================================================

// IndicatorObserver 接收 cell 執行指示狀態的變更
type IndicatorObserver func(cellID types.CellID, indicator types.Indicator)

// Config Controller 配置
type Config struct {
	Log              eventlog.Log       // 共享事件日誌（必填，由呼叫端負責關閉）
	SnapshotPath     string             // 快照檔案路徑，空字串表示不建立快照
	SnapshotInterval time.Duration      // 快照間隔，0 表示只在 Stop 時建立
	KeepSnapshots    int                // 保留的舊快照數量
	CompactLog       bool               // 快照後刪除已包含在快照內的事件
	SyncInterval     time.Duration      // 追趕共享日誌的間隔，0 表示不啟動 Sync Loop
	Metrics          *metrics.Collector // 可為 nil
	Observer         IndicatorObserver  // 可為 nil
	Clock            func() time.Time   // 事件時間來源，預設 time.Now
	JitterSeed       int64              // 排序鍵 jitter 種子，0 表示使用目前時間
}

// Controller 核心控制器
type Controller struct {
	mu         sync.Mutex
	log        eventlog.Log
	queue      *execqueue.Queue
	sessions   *registry.Registry
	cells      *cellorder.Index
	dispatcher *dispatcher.Dispatcher
	recovery   *recovery.Coordinator
	snapshot   *snapshot.Manager
	jitter     orderkey.JitterSource
	config     Config

	applied   uint64        // 最後套用的事件序號
	replaying bool          // 重放期間不通知、不計數
	changed   chan struct{} // 每批事件套用後關閉並替換

	stopCh    chan struct{}
	stopped   bool
	started   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Report 系統狀態摘要
type Report struct {
	Uptime     time.Duration               `json:"uptime"`
	AppliedSeq uint64                      `json:"applied_seq"`
	Queue      map[types.QueueStatus]int   `json:"queue"`
	Sessions   map[types.SessionStatus]int `json:"sessions"`
	Cells      int                         `json:"cells"`
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config) (*Controller, error) {
	if config.Log == nil {
		return nil, ErrNoLog
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	seed := config.JitterSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var snap *snapshot.Manager
	if config.SnapshotPath != "" {
		snap = snapshot.NewManager(config.SnapshotPath)
	}

	return &Controller{
		log:        config.Log,
		queue:      execqueue.New(),
		sessions:   registry.New(),
		cells:      cellorder.NewIndex(),
		dispatcher: dispatcher.New(log),
		recovery:   recovery.New(log),
		snapshot:   snap,
		jitter:     orderkey.NewJitter(seed),
		config:     config,
		changed:    make(chan struct{}),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：Recover（快照 + 重放，不調度）
//  2. 執行一次調度
//  3. 啟動 Sync / Snapshot 循環
func (c *Controller) Start(ctx context.Context) error {
	c.startTime = time.Now()

	if err := c.Recover(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	err := c.dispatchLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("initial dispatch failed: %w", err)
	}

	if c.config.SyncInterval > 0 {
		c.loopWg.Add(1)
		go c.syncLoop()
	}
	if c.snapshot != nil && c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started", "applied_seq", c.AppliedSeq())
	return nil
}

// Recover 從快照與日誌重建讀取模型，不做任何調度
//
// 只讀工具（例如 CLI status）直接呼叫此方法。
func (c *Controller) Recover(ctx context.Context) error {
	start := time.Now()
	log.Info("Starting recovery...")

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	replayed, err := c.replayLog(ctx)
	if err != nil {
		return fmt.Errorf("replayLog failed: %w", err)
	}

	recoveryTime := time.Since(start)
	if c.config.Metrics != nil {
		c.config.Metrics.SetRecoveryTime(recoveryTime)
	}
	// 目標 < 3s
	if recoveryTime > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", recoveryTime)
	}

	log.Info("Recovery completed",
		"duration", recoveryTime,
		"replayed", replayed,
		"applied_seq", c.AppliedSeq())
	return nil
}

// loadSnapshot 從快照恢復狀態
func (c *Controller) loadSnapshot() error {
	if c.snapshot == nil {
		return nil
	}

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoreLocked(data)
}

// restoreLocked 以快照內容取代三個讀取模型
func (c *Controller) restoreLocked(data types.SnapshotData) error {
	if err := c.queue.Restore(data.Entries); err != nil {
		return fmt.Errorf("failed to restore queue: %w", err)
	}
	if err := c.sessions.Restore(data.Sessions); err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}
	if err := c.cells.Restore(data.Cells); err != nil {
		return fmt.Errorf("failed to restore cells: %w", err)
	}
	c.applied = data.LastSeq

	log.Info("Snapshot loaded",
		"entries", len(data.Entries),
		"sessions", len(data.Sessions),
		"cells", len(data.Cells),
		"last_seq", data.LastSeq)
	return nil
}

// replayLog 重放快照之後的事件，被拒絕的事件在重放時同樣被拒絕
func (c *Controller) replayLog(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.log.LastSeq(ctx)
	if err != nil {
		return 0, err
	}
	if last < c.applied {
		log.Warn("Event log is behind snapshot", "log_last_seq", last, "snapshot_seq", c.applied)
	}

	before := c.applied
	c.replaying = true
	defer func() { c.replaying = false }()

	if _, err := c.catchUpLocked(ctx, 0); err != nil {
		return 0, err
	}
	c.refreshGaugesLocked()
	return int(c.applied - before), nil
}

// ============================================================================
// 事件寫入與套用
// ============================================================================

// Append 寫入事件，追趕到該事件並回傳它在日誌順序下的套用結果
//
// 被拒絕的事件仍留在日誌中；回傳的錯誤包住拒絕原因（可用 errors.Is 判斷）。
// 事件套用成功後會執行一次調度。
func (c *Controller) Append(ctx context.Context, event eventlog.Event) (eventlog.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(ctx, event)
}

func (c *Controller) appendLocked(ctx context.Context, event eventlog.Event) (eventlog.Event, error) {
	if c.stopped {
		return eventlog.Event{}, ErrStopped
	}

	stored, err := c.log.Append(ctx, event)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}
	e := stored[0]

	before := c.applied
	applyErr, err := c.catchUpLocked(ctx, e.Seq)
	if err != nil {
		return e, err
	}

	// 同一次追趕可能也套用了其他寫入者的事件，即使自己的事件被拒絕也要調度
	if c.applied != before {
		if err := c.dispatchLocked(ctx); err != nil {
			log.Error("Dispatch failed", "error", err)
		}
	}
	if applyErr != nil {
		return e, fmt.Errorf("%s event %d rejected: %w", e.Type, e.Seq, applyErr)
	}
	return e, nil
}

// catchUpLocked 套用 applied 之後的所有事件
// target 不為 0 時回傳該序號事件的套用結果
//
// 遇到序號缺口時先嘗試從較新的快照重建，仍有缺口則回傳 ErrLogGap，
// 讀取模型停在缺口之前。
func (c *Controller) catchUpLocked(ctx context.Context, target uint64) (targetErr error, err error) {
	before := c.applied
	targetErr, err = c.replayLocked(ctx, target)
	if errors.Is(err, ErrLogGap) && c.resyncLocked() {
		targetErr, err = c.replayLocked(ctx, target)
	}

	if c.applied != before {
		close(c.changed)
		c.changed = make(chan struct{})
		if !c.replaying {
			c.refreshGaugesLocked()
		}
	}
	return targetErr, err
}

func (c *Controller) replayLocked(ctx context.Context, target uint64) (targetErr error, err error) {
	err = c.log.Replay(ctx, c.applied, func(e eventlog.Event) error {
		if e.Seq <= c.applied {
			return nil
		}
		if e.Seq != c.applied+1 {
			return fmt.Errorf("%w: expected seq %d, log continues at %d", ErrLogGap, c.applied+1, e.Seq)
		}
		applyErr := c.applyLocked(e)
		if applyErr != nil {
			c.rejectLocked(e, applyErr)
		}
		if e.Seq == target {
			targetErr = applyErr
		}
		c.applied = e.Seq
		return nil
	})
	return targetErr, err
}

// resyncLocked 快照比 applied 新時以快照取代讀取模型
func (c *Controller) resyncLocked() bool {
	if c.snapshot == nil {
		return false
	}
	data, err := c.snapshot.Load()
	if err != nil {
		log.Error("Failed to load snapshot for resync", "error", err)
		return false
	}
	if data.LastSeq <= c.applied {
		return false
	}
	if err := c.restoreLocked(data); err != nil {
		log.Error("Failed to restore snapshot for resync", "error", err)
		return false
	}
	log.Warn("Read models reloaded from snapshot after log gap", "last_seq", data.LastSeq)
	return true
}

func (c *Controller) rejectLocked(e eventlog.Event, err error) {
	if c.replaying {
		log.Debug("Event rejected during replay", "seq", e.Seq, "type", e.Type, "error", err)
		return
	}
	log.Warn("Event rejected", "seq", e.Seq, "type", e.Type, "error", err)
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRejected(string(e.Type))
	}
}

// applyLocked 依事件類型更新讀取模型
func (c *Controller) applyLocked(e eventlog.Event) error {
	switch e.Type {
	case eventlog.TypeCellCreated:
		var p eventlog.CellCreated
		if err := e.Decode(&p); err != nil {
			return err
		}
		return c.cells.Create(p.CellID, p.OrderKey)

	case eventlog.TypeCellMoved:
		var p eventlog.CellMoved
		if err := e.Decode(&p); err != nil {
			return err
		}
		return c.cells.Move(p.CellID, p.NewOrderKey)

	case eventlog.TypeCellDeleted:
		var p eventlog.CellDeleted
		if err := e.Decode(&p); err != nil {
			return err
		}
		return c.cells.Delete(p.CellID)

	case eventlog.TypeExecutionRequested:
		var p eventlog.ExecutionRequested
		if err := e.Decode(&p); err != nil {
			return err
		}
		entry, err := c.queue.Request(execqueue.Request{
			QueueID:     p.QueueID,
			CellID:      p.CellID,
			CellType:    p.CellType,
			RequestedBy: p.RequestedBy,
			Priority:    p.Priority,
			At:          e.Timestamp,
			Seq:         e.Seq,
		})
		if err != nil {
			return err
		}
		c.observeLocked(entry.CellID)
		if m := c.metricsLocked(); m != nil {
			m.RecordRequested()
		}
		return nil

	case eventlog.TypeExecutionAssigned:
		var p eventlog.ExecutionAssigned
		if err := e.Decode(&p); err != nil {
			return err
		}
		return c.applyAssignedLocked(p, e.Timestamp)

	case eventlog.TypeExecutionStarted:
		var p eventlog.ExecutionStarted
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := c.queue.Start(p.QueueID, p.SessionID, e.Timestamp); err != nil {
			return err
		}
		entry, _ := c.queue.Get(p.QueueID)
		c.observeLocked(entry.CellID)
		return nil

	case eventlog.TypeExecutionCompleted:
		var p eventlog.ExecutionCompleted
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := c.queue.Complete(p.QueueID, p.SessionID, p.Result, e.Timestamp); err != nil {
			return err
		}
		entry := c.finishedLocked(p.QueueID)
		if m := c.metricsLocked(); m != nil {
			m.RecordCompleted(runLatency(entry))
		}
		return nil

	case eventlog.TypeExecutionFailed:
		var p eventlog.ExecutionFailed
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := c.queue.Fail(p.QueueID, p.SessionID, p.Error, e.Timestamp); err != nil {
			return err
		}
		entry := c.finishedLocked(p.QueueID)
		if m := c.metricsLocked(); m != nil {
			m.RecordFailed(runLatency(entry))
		}
		return nil

	case eventlog.TypeExecutionCancelled:
		var p eventlog.ExecutionCancelled
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := c.queue.Cancel(p.QueueID, e.Timestamp); err != nil {
			return err
		}
		entry, _ := c.queue.Get(p.QueueID)
		c.observeLocked(entry.CellID)
		if m := c.metricsLocked(); m != nil {
			m.RecordCancelled()
		}
		return nil

	case eventlog.TypeRuntimeSessionStarted:
		var p eventlog.RuntimeSessionStarted
		if err := e.Decode(&p); err != nil {
			return err
		}
		caps, err := types.ParseCapabilities(p.Capabilities)
		if err != nil {
			return fmt.Errorf("%w: %v", registry.ErrInvalidSession, err)
		}
		_, err = c.sessions.Register(types.RuntimeSession{
			SessionID:    p.SessionID,
			RuntimeID:    p.RuntimeID,
			RuntimeType:  p.RuntimeType,
			Capabilities: caps,
		}, e.Timestamp)
		return err

	case eventlog.TypeRuntimeSessionStatusChanged:
		var p eventlog.RuntimeSessionStatusChanged
		if err := e.Decode(&p); err != nil {
			return err
		}
		status := p.Status
		// 仍有綁定項目的 session 保持 busy，避免心跳與分派交錯時被重複分派
		if status == types.SessionReady && len(c.queue.BoundTo(p.SessionID)) > 0 {
			status = types.SessionBusy
		}
		return c.sessions.Heartbeat(p.SessionID, status, e.Timestamp)

	case eventlog.TypeRuntimeSessionTerminated:
		var p eventlog.RuntimeSessionTerminated
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := c.sessions.Terminate(p.SessionID, p.Reason, e.Timestamp); err != nil {
			return err
		}
		recovered := c.recovery.OnTerminated(c.queue, p.SessionID, e.Timestamp)
		for _, entry := range recovered {
			c.observeLocked(entry.CellID)
		}
		if m := c.metricsLocked(); m != nil && len(recovered) > 0 {
			m.RecordRecovered(len(recovered))
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", eventlog.ErrUnknownType, e.Type)
	}
}

// applyAssignedLocked 驗證並套用分派決策
//
// 項目必須仍在 pending，session 必須是 ready 且具備能力；
// 兩個競爭的分派中，日誌順序較後者在這裡被拒絕。
func (c *Controller) applyAssignedLocked(p eventlog.ExecutionAssigned, at int64) error {
	entry, ok := c.queue.Get(p.QueueID)
	if !ok {
		return fmt.Errorf("%w: %s", execqueue.ErrUnknownQueueEntry, p.QueueID)
	}
	if entry.Status != types.StatusPending {
		return &execqueue.TransitionError{QueueID: p.QueueID, From: entry.Status, To: types.StatusAssigned}
	}

	session, ok := c.sessions.Get(p.SessionID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownSession, p.SessionID)
	}
	if session.Status != types.SessionReady {
		return fmt.Errorf("%w: %s is %s", ErrSessionUnavailable, p.SessionID, session.Status)
	}
	required := types.CapabilityFor(entry.CellType)
	if !session.Capabilities.Has(required) {
		return fmt.Errorf("%w: %s needs %s, has %s", ErrCapabilityMismatch, p.SessionID, required, session.Capabilities)
	}

	if err := c.queue.Assign(p.QueueID, p.SessionID, at); err != nil {
		return err
	}
	if err := c.sessions.MarkBusy(p.SessionID); err != nil {
		return err
	}

	if m := c.metricsLocked(); m != nil {
		m.RecordAssigned(time.Duration(at-entry.RequestedAt) * time.Millisecond)
	}
	return nil
}

// finishedLocked 終止狀態的共同處理：釋放 session、通知指示狀態
func (c *Controller) finishedLocked(queueID types.QueueID) types.QueueEntry {
	entry, _ := c.queue.Get(queueID)
	if entry.AssignedSessionID != "" && len(c.queue.BoundTo(entry.AssignedSessionID)) == 0 {
		c.sessions.Release(entry.AssignedSessionID)
	}
	c.observeLocked(entry.CellID)
	return entry
}

func (c *Controller) observeLocked(cellID types.CellID) {
	if c.replaying || c.config.Observer == nil {
		return
	}
	c.config.Observer(cellID, c.queue.Indicator(cellID))
}

// metricsLocked 重放期間不累計計數器
func (c *Controller) metricsLocked() *metrics.Collector {
	if c.replaying {
		return nil
	}
	return c.config.Metrics
}

func (c *Controller) refreshGaugesLocked() {
	if c.config.Metrics == nil {
		return
	}
	c.config.Metrics.UpdateQueueStats(c.queue.Stats())
	c.config.Metrics.UpdateSessionStats(c.sessions.CountByStatus())
}

func runLatency(entry types.QueueEntry) time.Duration {
	if entry.StartedAt == nil || entry.CompletedAt == nil {
		return 0
	}
	return time.Duration(*entry.CompletedAt-*entry.StartedAt) * time.Millisecond
}

// ============================================================================
// 調度
// ============================================================================

// dispatchLocked 規劃分派並以 ExecutionAssigned 事件寫入日誌
//
// 重放期間與 Start 之前不調度。
func (c *Controller) dispatchLocked(ctx context.Context) error {
	if !c.started || c.replaying {
		return nil
	}

	for round := 0; round < maxDispatchRounds; round++ {
		plan := c.dispatcher.Tick(c.queue, c.sessions)
		if len(plan) == 0 {
			return nil
		}

		now := c.now()
		events := make([]eventlog.Event, 0, len(plan))
		for _, a := range plan {
			events = append(events, eventlog.MustEvent(eventlog.TypeExecutionAssigned, now, eventlog.ExecutionAssigned{
				QueueID:   a.QueueID,
				SessionID: a.SessionID,
			}))
		}
		if _, err := c.log.Append(ctx, events...); err != nil {
			return fmt.Errorf("failed to append assignments: %w", err)
		}
		if _, err := c.catchUpLocked(ctx, 0); err != nil {
			return err
		}
	}
	return nil
}

// Sync 追趕其他寫入者的事件並執行調度
func (c *Controller) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if _, err := c.catchUpLocked(ctx, 0); err != nil {
		return err
	}
	return c.dispatchLocked(ctx)
}

func (c *Controller) now() int64 {
	return c.config.Clock().UnixMilli()
}

// ============================================================================
// 等待
// ============================================================================

// WaitForTerminal 阻塞直到項目進入終止狀態，逾時由 ctx 決定
//
// 尚未出現的 queue id 會持續等待，因為它可能由其他寫入者稍後寫入。
func (c *Controller) WaitForTerminal(ctx context.Context, queueID types.QueueID) (types.QueueEntry, error) {
	for {
		c.mu.Lock()
		entry, ok := c.queue.Get(queueID)
		changed := c.changed
		c.mu.Unlock()

		if ok && entry.Status.IsTerminal() {
			return entry, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return entry, ctx.Err()
		case <-c.stopCh:
			return entry, ErrStopped
		}
	}
}

// ============================================================================
// 背景循環
// ============================================================================

// syncLoop 定期追趕共享日誌
func (c *Controller) syncLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Sync loop stopped")
			return

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.SyncInterval*4)
			err := c.Sync(ctx)
			cancel()
			if err != nil && !errors.Is(err, ErrStopped) {
				log.Error("Failed to sync event log", "error", err)
			}
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return

		case <-ticker.C:
			if err := c.TakeSnapshot(context.Background()); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// TakeSnapshot 寫入快照，CompactLog 開啟時壓縮日誌
func (c *Controller) TakeSnapshot(ctx context.Context) error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	// 取得當前狀態（不需要長時間持有鎖）
	c.mu.Lock()
	data := types.SnapshotData{
		Entries:  c.queue.Snapshot(),
		Sessions: c.sessions.Snapshot(),
		Cells:    c.cells.Snapshot(),
		LastSeq:  c.applied,
	}
	c.mu.Unlock()

	if err := c.snapshot.WriteWithBackup(data, c.config.KeepSnapshots); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if c.config.CompactLog {
		if compactor, ok := c.log.(eventlog.Compactor); ok {
			if err := compactor.Compact(ctx, data.LastSeq); err != nil {
				return fmt.Errorf("failed to compact log: %w", err)
			}
		}
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"entries", len(data.Entries),
		"last_seq", data.LastSeq)
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知循環與等待中的呼叫者
//  2. loopWg.Wait() → 等待所有循環退出
//  3. 最後一次快照
//
// 事件日誌由呼叫端關閉，多個 Controller 可以共享同一份日誌。
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	if err := c.TakeSnapshot(context.Background()); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	log.Info("Controller stopped")
}

// ============================================================================
// 查詢方法
// ============================================================================

// Entry 取得 queue 項目
func (c *Controller) Entry(queueID types.QueueID) (types.QueueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Get(queueID)
}

// Entries 依請求序號列出所有項目
func (c *Controller) Entries() []types.QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Entries()
}

// Session 取得 runtime session
func (c *Controller) Session(sessionID types.SessionID) (types.RuntimeSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.Get(sessionID)
}

// Sessions 列出所有 session
func (c *Controller) Sessions() []types.RuntimeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.Sessions()
}

// Cells 依排序鍵列出所有 cell
func (c *Controller) Cells() []types.CellPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells.Ordered()
}

// Indicator 取得 cell 的執行指示狀態
func (c *Controller) Indicator(cellID types.CellID) types.Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Indicator(cellID)
}

// AppliedSeq 最後套用的事件序號
func (c *Controller) AppliedSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Status 取得系統狀態
func (c *Controller) Status() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	return Report{
		Uptime:     uptime,
		AppliedSeq: c.applied,
		Queue:      c.queue.Stats(),
		Sessions:   c.sessions.CountByStatus(),
		Cells:      c.cells.Len(),
	}
}
