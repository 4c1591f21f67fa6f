// ============================================================================
// cellqueue Worker Pool - 多個 runtime session 的生命週期管理
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 在同一程序內啟動 N 個 Worker（每個都是獨立的 runtime session）
//
// 設計模式:
//   Worker 主動從 Source 拉取分派，Pool 不再推送任務：
//   1. 每個 Worker 擁有自己的 session id 與心跳
//   2. 分派決策完全來自共享日誌（ExecutionAssigned 事件）
//   3. 執行結果寫回日誌，同時複製一份到 resultCh 供觀察
//
// 架構組件:
//   ┌─────────────┐   Append / Assignment   ┌──────────┐
//   │   Source    │ ◄────────────────────── │ Worker 1 │
//   │ (controller │ ◄────────────────────── │ Worker 2 │ ──→ resultCh
//   │  or gRPC)   │ ◄────────────────────── │ Worker 3 │
//   └─────────────┘                          └──────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 resultCh
//   2. Start(ctx, n) - 啟動 n 個 Worker goroutines
//   3. ReceiveResult(ctx) - 讀取執行結果（可選）
//   4. Stop() - 取消所有 Worker，等待它們寫入 Terminated 後退出
//
// 並發控制:
//   - resultCh: 帶緩衝 channel，滿了就丟棄，不阻塞 Worker
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 runtime session
type Pool struct {
	source   Source
	executor Executor
	opts     Options

	workers  []*Worker          // 所有啟動的 Worker
	resultCh chan Result        // 執行結果副本
	stopCh   chan struct{}      // 停止訊號
	cancel   context.CancelFunc // 取消所有 Worker 的 context
	wg       sync.WaitGroup     // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - source: 事件日誌來源（本地 controller 或 GrpcSource）
//   - executor: 實際執行 cell 的邏輯
//   - opts: runtime 參數
//   - bufferSize: 結果通道的緩衝大小
func NewPool(source Source, executor Executor, opts Options, bufferSize int) *Pool {
	return &Pool{
		source:   source,
		executor: executor,
		opts:     opts,
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
//
// 每個 Worker 在註冊 session 失敗時會記錄錯誤並退出，不影響其他 Worker。
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < workerCount; i++ {
		w := NewWorker(i, p.source, p.executor, p.opts, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Run(runCtx); err != nil {
				log.Error("Worker exited", "worker", w.id, "session", w.sessionID, "error", err)
			}
		}(w)
	}

	p.started = true
	log.Info("Worker pool started", "workers", workerCount, "runtime_type", p.opts.RuntimeType)
	return nil
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return Result{}, ErrPoolNotStarted
	}

	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌，關閉 stopCh
//  2. 取消 Worker context，執行中的 cell 不再回報結果
//  3. 等待所有 Worker 寫入 Terminated 並退出
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()

	close(p.resultCh)
	log.Info("Worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Sessions 返回所有 Worker 的 session id
func (p *Pool) Sessions() []types.SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]types.SessionID, len(p.workers))
	for i, w := range p.workers {
		ids[i] = w.sessionID
	}
	return ids
}
