// ============================================================================
// cellqueue Worker - Runtime Session Agent
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One Worker is one runtime session. It announces itself on the
// shared log, keeps heartbeating, and executes the cells the dispatcher binds
// to it.
//
// How it works:
//   Each Worker runs in an independent goroutine:
//   1. Append RuntimeSessionStarted, then RuntimeSessionStatusChanged(ready)
//   2. Heartbeat goroutine appends StatusChanged every HeartbeatInterval
//   3. Poll Assignment(sessionID) every PollInterval
//   4. For an assigned entry: ExecutionStarted -> execute -> Completed/Failed
//   5. On shutdown append RuntimeSessionTerminated
//
// Execution Model:
//   ┌─────────────────────────────────────────┐
//   │  Worker Goroutine                       │
//   │  ┌──────────────────────────────────┐   │
//   │  │ for tick := range pollTicker     │   │
//   │  │   ├─ Assignment(sessionID)       │   │
//   │  │   ├─ Context with timeout        │   │
//   │  │   ├─ executor.Execute(task)      │   │
//   │  │   └─ append result event         │   │
//   │  └──────────────────────────────────┘   │
//   │  heartbeat goroutine (ready / busy)     │
//   └─────────────────────────────────────────┘
//
// Shutdown:
//   When ctx is cancelled in the middle of an execution the result is never
//   reported. The Terminated event written on the way out makes the
//   reducer fail the bound entry with "runtime disconnected before completion".
//
// Unreported results:
//   A cell is executed at most once per queue entry. When the result append
//   fails, the Result is kept and only the report is retried on later polls.
//   After maxReportAttempts the entry is reported as failed instead. A running
//   entry with no kept result (its ExecutionStarted committed although the
//   append returned an error) is failed with errResultLost, never re-run.
//
// Task Execution Logic (Simulation):
//   SimulatedExecutor keeps the original load profile:
//   - Random delay up to MaxDelay (default 500ms)
//   - FailureRate chance of failure (default 10%)
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

var log = slog.Default()

// terminateTimeout bounds the final Terminated append after ctx is cancelled
const terminateTimeout = 2 * time.Second

// maxReportAttempts 結果回報失敗的重試上限，超過後改回報失敗
const maxReportAttempts = 3

var errResultLost = errors.New("execution result lost before it was reported")

// ============================================================================
// Executor
// ============================================================================

// Executor runs one cell and returns its output
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

// SimulatedExecutor sleeps a random duration and fails at FailureRate
type SimulatedExecutor struct {
	MaxDelay    time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedExecutor creates a SimulatedExecutor; seed 0 uses the clock
func NewSimulatedExecutor(maxDelay time.Duration, failureRate float64, seed int64) *SimulatedExecutor {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedExecutor{
		MaxDelay:    maxDelay,
		FailureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Execute simulates CPU-intensive work
func (e *SimulatedExecutor) Execute(ctx context.Context, task Task) (string, error) {
	e.mu.Lock()
	var delay time.Duration
	if e.MaxDelay > 0 {
		delay = time.Duration(e.rng.Int63n(int64(e.MaxDelay)))
	}
	fail := e.rng.Float64() < e.FailureRate
	e.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(delay):
	}
	if fail {
		return "", errors.New("simulated execution failure")
	}
	return fmt.Sprintf("%s cell %s finished in %s", task.CellType, task.CellID, delay), nil
}

// ============================================================================
// Worker
// ============================================================================

// Worker represents one runtime session
type Worker struct {
	id        int             // Worker index inside the pool, used for logging
	sessionID types.SessionID // Runtime session identity on the shared log
	source    Source
	executor  Executor
	opts      Options
	resultCh  chan<- Result // Optional, results are dropped when full

	busy atomic.Bool

	// unreported 只由 Run goroutine 存取
	unreported map[types.QueueID]*pendingReport
}

// pendingReport 已執行但尚未成功寫入日誌的結果
type pendingReport struct {
	result   Result
	attempts int
}

// NewWorker creates a new Worker with a fresh session id
func NewWorker(id int, source Source, executor Executor, opts Options, resultCh chan<- Result) *Worker {
	return &Worker{
		id:        id,
		sessionID: types.SessionID(newSessionID()),
		source:    source,
		executor:  executor,
		opts:      opts.withDefaults(),
		resultCh:  resultCh,

		unreported: make(map[types.QueueID]*pendingReport),
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SessionID returns the runtime session identity
func (w *Worker) SessionID() types.SessionID {
	return w.sessionID
}

func (w *Worker) emit(ctx context.Context, t eventlog.Type, payload any) error {
	e, err := eventlog.NewEvent(t, time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	_, err = w.source.Append(ctx, e)
	return err
}

// Run registers the session and serves assignments until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	err := w.emit(ctx, eventlog.TypeRuntimeSessionStarted, eventlog.RuntimeSessionStarted{
		SessionID:    w.sessionID,
		RuntimeID:    fmt.Sprintf("%s-%d", w.opts.RuntimeType, w.id),
		RuntimeType:  w.opts.RuntimeType,
		Capabilities: w.opts.Capabilities.Names(),
	})
	if err != nil {
		return fmt.Errorf("worker %d: register session: %w", w.id, err)
	}
	defer w.terminate()

	if err := w.heartbeat(ctx); err != nil {
		return fmt.Errorf("worker %d: initial heartbeat: %w", w.id, err)
	}
	log.Info("Runtime session ready", "worker", w.id, "session", w.sessionID, "capabilities", w.opts.Capabilities.String())

	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()
	defer func() {
		cancelHeartbeat()
		<-hbDone
	}()

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		entry, found, err := w.source.Assignment(ctx, w.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, controller.ErrStopped) {
				return err
			}
			log.Warn("Assignment lookup failed", "worker", w.id, "error", err)
			continue
		}
		if !found {
			// 不再綁定的項目已由其他事件終止，保留的結果沒有用處
			clear(w.unreported)
			continue
		}
		w.handle(ctx, entry)
	}
}

// handle drives one bound entry to a terminal state
func (w *Worker) handle(ctx context.Context, entry types.QueueEntry) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	switch entry.Status {
	case types.StatusAssigned:
		err := w.emit(ctx, eventlog.TypeExecutionStarted, eventlog.ExecutionStarted{
			QueueID:   entry.QueueID,
			SessionID: w.sessionID,
		})
		if err != nil {
			log.Warn("Failed to report start", "worker", w.id, "queue_id", entry.QueueID, "error", err)
			return
		}
	case types.StatusRunning:
		w.retryReport(ctx, entry.QueueID)
		return
	default:
		return
	}

	task := Task{
		QueueID:  entry.QueueID,
		CellID:   entry.CellID,
		CellType: entry.CellType,
		Timeout:  w.opts.ExecTimeout,
	}
	result := w.execute(ctx, task)

	if ctx.Err() != nil {
		// 關閉中，不回報結果，由 Terminated 事件觸發恢復
		return
	}

	if err := w.report(ctx, result); err != nil {
		log.Warn("Failed to report result, will retry", "worker", w.id, "queue_id", task.QueueID, "error", err)
		w.unreported[task.QueueID] = &pendingReport{result: result, attempts: 1}
	}

	if w.resultCh != nil {
		select {
		case w.resultCh <- result:
		default:
		}
	}
}

// retryReport 重新回報一個已在 running 的項目，絕不重新執行
func (w *Worker) retryReport(ctx context.Context, queueID types.QueueID) {
	p, ok := w.unreported[queueID]
	if !ok {
		log.Warn("Running entry has no local result", "worker", w.id, "queue_id", queueID)
		lost := Result{QueueID: queueID, SessionID: w.sessionID, Error: errResultLost}
		if err := w.report(ctx, lost); err != nil {
			log.Warn("Failed to report lost result", "worker", w.id, "queue_id", queueID, "error", err)
		}
		return
	}

	result := p.result
	if p.attempts >= maxReportAttempts && result.Success {
		result.Success = false
		result.Error = fmt.Errorf("result not reported after %d attempts", p.attempts)
	}
	p.attempts++

	if err := w.report(ctx, result); err != nil {
		log.Warn("Failed to report result, will retry", "worker", w.id, "queue_id", queueID, "attempts", p.attempts, "error", err)
		return
	}
	delete(w.unreported, queueID)
}

// report 將結果寫入 Completed 或 Failed 事件
func (w *Worker) report(ctx context.Context, result Result) error {
	if result.Success {
		return w.emit(ctx, eventlog.TypeExecutionCompleted, eventlog.ExecutionCompleted{
			QueueID:   result.QueueID,
			SessionID: w.sessionID,
			Result:    result.Output,
		})
	}
	return w.emit(ctx, eventlog.TypeExecutionFailed, eventlog.ExecutionFailed{
		QueueID:   result.QueueID,
		SessionID: w.sessionID,
		Error:     result.Error.Error(),
	})
}

// execute runs the task with its own timeout
func (w *Worker) execute(ctx context.Context, task Task) Result {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	output, err := w.executor.Execute(execCtx, task)
	cancel()

	return Result{
		QueueID:   task.QueueID,
		SessionID: w.sessionID,
		Success:   err == nil,
		Output:    output,
		Error:     err,
		Duration:  time.Since(start),
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	status := types.SessionReady
	if w.busy.Load() {
		status = types.SessionBusy
	}
	return w.emit(ctx, eventlog.TypeRuntimeSessionStatusChanged, eventlog.RuntimeSessionStatusChanged{
		SessionID: w.sessionID,
		Status:    status,
	})
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Warn("Heartbeat failed", "worker", w.id, "session", w.sessionID, "error", err)
			}
		}
	}
}

// terminate appends RuntimeSessionTerminated with a fresh context
func (w *Worker) terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	err := w.emit(ctx, eventlog.TypeRuntimeSessionTerminated, eventlog.RuntimeSessionTerminated{
		SessionID: w.sessionID,
		Reason:    "shutdown",
	})
	if err != nil {
		log.Warn("Failed to terminate session", "worker", w.id, "session", w.sessionID, "error", err)
		return
	}
	log.Info("Runtime session terminated", "worker", w.id, "session", w.sessionID)
}
