package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify registration, execution, timeouts, graceful shutdown and
// the remote (gRPC) source against a real controller
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/registry"
	"github.com/ChuLiYu/cellqueue/internal/server"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const waitTimeout = 5 * time.Second

func testOptions() Options {
	return Options{
		RuntimeType:       "python",
		Capabilities:      types.CapExecuteCode | types.CapExecuteSQL | types.CapExecuteAI,
		HeartbeatInterval: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		ExecTimeout:       time.Second,
	}
}

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	ctrl, err := controller.NewController(controller.Config{Log: eventlog.NewMemoryLog()})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)
	return ctrl
}

func startPool(t *testing.T, source Source, executor Executor, opts Options, n int) *Pool {
	t.Helper()
	pool := NewPool(source, executor, opts, 100)
	require.NoError(t, pool.Start(context.Background(), n))
	t.Cleanup(pool.Stop)
	return pool
}

func requestCell(t *testing.T, ctrl *controller.Controller, cell types.CellID, cellType types.CellType) types.QueueID {
	t.Helper()
	qid, err := ctrl.RequestExecution(context.Background(), controller.ExecutionRequest{
		CellID:      cell,
		CellType:    cellType,
		RequestedBy: "test",
	})
	require.NoError(t, err)
	return qid
}

func waitTerminal(t *testing.T, ctrl *controller.Controller, qid types.QueueID) types.QueueEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	entry, err := ctrl.WaitForTerminal(ctx, qid)
	require.NoError(t, err, "entry %s did not finish", qid)
	return entry
}

func okExecutor(output string) Executor {
	return ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		return output, nil
	})
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(newController(t), okExecutor("ok"), testOptions(), 10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())

	_, err := pool.ReceiveResult(context.Background())
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

// TestPoolStart tests starting Worker Pool and registering sessions
func TestPoolStart(t *testing.T) {
	ctrl := newController(t)
	pool := startPool(t, ctrl, okExecutor("ok"), testOptions(), 3)

	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.ErrorIs(t, pool.Start(context.Background(), 1), ErrPoolStarted)

	for _, id := range pool.Sessions() {
		require.Eventually(t, func() bool {
			s, ok := ctrl.Session(id)
			return ok && s.Status == types.SessionReady
		}, waitTimeout, 5*time.Millisecond, "session %s never became ready", id)
	}
}

// TestWorkerExecution tests that an assigned cell is started and completed
func TestWorkerExecution(t *testing.T) {
	ctrl := newController(t)
	pool := startPool(t, ctrl, okExecutor("42"), testOptions(), 1)

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusCompleted, entry.Status)
	assert.Equal(t, "42", entry.Result)
	assert.Equal(t, pool.Sessions()[0], entry.AssignedSessionID)
	assert.NotNil(t, entry.StartedAt)
	assert.Equal(t, types.IndicatorCompleted, ctrl.Indicator("cell-1"))

	result, err := pool.ReceiveResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, qid, result.QueueID)
	assert.True(t, result.Success)
}

// TestWorkerReportsFailure tests that executor errors become ExecutionFailed
func TestWorkerReportsFailure(t *testing.T) {
	ctrl := newController(t)
	executor := ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		return "", errors.New("NameError: x is not defined")
	})
	startPool(t, ctrl, executor, testOptions(), 1)

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Equal(t, "NameError: x is not defined", entry.Error)
	assert.Equal(t, types.IndicatorError, ctrl.Indicator("cell-1"))
}

// TestTimeout tests execution timeout mechanism
func TestTimeout(t *testing.T) {
	ctrl := newController(t)
	executor := ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	opts := testOptions()
	opts.ExecTimeout = 10 * time.Millisecond
	startPool(t, ctrl, executor, opts, 1)

	qid := requestCell(t, ctrl, "slow", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "deadline exceeded")
}

// TestCapabilityRouting tests that a runtime only receives cells it can run
func TestCapabilityRouting(t *testing.T) {
	ctrl := newController(t)
	opts := testOptions()
	opts.Capabilities = types.CapExecuteSQL
	startPool(t, ctrl, okExecutor("rows"), opts, 1)

	codeQID := requestCell(t, ctrl, "code-cell", types.CellCode)
	sqlQID := requestCell(t, ctrl, "sql-cell", types.CellSQL)

	entry := waitTerminal(t, ctrl, sqlQID)
	assert.Equal(t, types.StatusCompleted, entry.Status)

	code, ok := ctrl.Entry(codeQID)
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, code.Status)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests many cells spread over several runtimes
func TestConcurrency(t *testing.T) {
	ctrl := newController(t)
	var executed atomic.Int64
	executor := ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		executed.Add(1)
		time.Sleep(2 * time.Millisecond)
		return "ok", nil
	})
	pool := startPool(t, ctrl, executor, testOptions(), 4)

	const cellCount = 20
	qids := make([]types.QueueID, cellCount)
	for i := range qids {
		qids[i] = requestCell(t, ctrl, types.CellID(fmt.Sprintf("cell-%d", i)), types.CellCode)
	}

	sessions := make(map[types.SessionID]bool)
	for _, qid := range qids {
		entry := waitTerminal(t, ctrl, qid)
		assert.Equal(t, types.StatusCompleted, entry.Status)
		sessions[entry.AssignedSessionID] = true
	}
	assert.Equal(t, int64(cellCount), executed.Load())
	assert.LessOrEqual(t, len(sessions), pool.GetWorkerCount())
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestShutdownMidExecution tests that stopping a runtime fails its running
// cell as disconnected instead of leaving it running
func TestShutdownMidExecution(t *testing.T) {
	ctrl := newController(t)
	started := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	pool := NewPool(ctrl, executor, testOptions(), 10)
	require.NoError(t, pool.Start(context.Background(), 1))

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("execution never started")
	}

	sessionID := pool.Sessions()[0]
	pool.Stop()

	entry := waitTerminal(t, ctrl, qid)
	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Equal(t, types.ErrRuntimeDisconnected.Error(), entry.Error)

	session, ok := ctrl.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, types.SessionTerminated, session.Status)

	_, err := pool.ReceiveResult(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestStopIsIdempotent tests stopping twice and stopping before start
func TestStopIsIdempotent(t *testing.T) {
	ctrl := newController(t)
	pool := NewPool(ctrl, okExecutor("ok"), testOptions(), 10)
	pool.Stop()

	require.NoError(t, pool.Start(context.Background(), 2))
	pool.Stop()
	pool.Stop()

	for _, id := range pool.Sessions() {
		s, ok := ctrl.Session(id)
		require.True(t, ok)
		assert.Equal(t, types.SessionTerminated, s.Status)
	}
}

// TestSimulatedExecutor tests the simulated load profile
func TestSimulatedExecutor(t *testing.T) {
	always := NewSimulatedExecutor(time.Millisecond, 1, 7)
	_, err := always.Execute(context.Background(), Task{CellID: "c", CellType: types.CellCode})
	assert.EqualError(t, err, "simulated execution failure")

	never := NewSimulatedExecutor(time.Millisecond, 0, 7)
	out, err := never.Execute(context.Background(), Task{CellID: "c", CellType: types.CellSQL})
	require.NoError(t, err)
	assert.Contains(t, out, "sql cell c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewSimulatedExecutor(time.Hour, 0, 7)
	_, err = slow.Execute(ctx, Task{CellID: "c"})
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// Report Retry Tests
// ============================================================================

var errDiskFull = errors.New("disk full")

// flakySource fails the first n appends of one event type
type flakySource struct {
	Source
	failType eventlog.Type
	forward  bool // the failed append still reaches the log
	failures atomic.Int32
}

func (s *flakySource) Append(ctx context.Context, e eventlog.Event) (eventlog.Event, error) {
	if e.Type == s.failType && s.failures.Add(-1) >= 0 {
		if s.forward {
			_, _ = s.Source.Append(ctx, e)
		}
		return eventlog.Event{}, errDiskFull
	}
	return s.Source.Append(ctx, e)
}

func countingExecutor(runs *atomic.Int32) Executor {
	return ExecutorFunc(func(ctx context.Context, task Task) (string, error) {
		runs.Add(1)
		return "done", nil
	})
}

// TestFailedReportIsRetriedNotReExecuted tests that a lost completion report
// is retried from the kept result and the cell runs only once
func TestFailedReportIsRetriedNotReExecuted(t *testing.T) {
	ctrl := newController(t)
	source := &flakySource{Source: ctrl, failType: eventlog.TypeExecutionCompleted}
	source.failures.Store(1)

	var runs atomic.Int32
	startPool(t, source, countingExecutor(&runs), testOptions(), 1)

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusCompleted, entry.Status)
	assert.Equal(t, "done", entry.Result)
	assert.Equal(t, int32(1), runs.Load(), "cell must not be executed twice")
}

// TestReportGivesUpAsFailure tests that a result which cannot be reported is
// eventually recorded as a failure
func TestReportGivesUpAsFailure(t *testing.T) {
	ctrl := newController(t)
	source := &flakySource{Source: ctrl, failType: eventlog.TypeExecutionCompleted}
	source.failures.Store(1000)

	var runs atomic.Int32
	startPool(t, source, countingExecutor(&runs), testOptions(), 1)

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "result not reported after 3 attempts")
	assert.Equal(t, int32(1), runs.Load())
}

// TestRunningEntryWithoutResultIsFailed tests a start report that committed
// although the append returned an error: the cell is failed, not run
func TestRunningEntryWithoutResultIsFailed(t *testing.T) {
	ctrl := newController(t)
	source := &flakySource{Source: ctrl, failType: eventlog.TypeExecutionStarted, forward: true}
	source.failures.Store(1)

	var runs atomic.Int32
	startPool(t, source, countingExecutor(&runs), testOptions(), 1)

	qid := requestCell(t, ctrl, "cell-1", types.CellCode)
	entry := waitTerminal(t, ctrl, qid)

	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.Equal(t, errResultLost.Error(), entry.Error)
	assert.Equal(t, int32(0), runs.Load())
}

// ============================================================================
// Remote Source Tests
// ============================================================================

func dialBufconn(t *testing.T, backend server.Backend) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := server.NewGRPCServer(backend)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// TestGrpcSourceEndToEnd tests a remote runtime executing through the gateway
func TestGrpcSourceEndToEnd(t *testing.T) {
	ctrl := newController(t)
	source := NewGrpcSource(dialBufconn(t, ctrl))
	pool := startPool(t, source, okExecutor("remote"), testOptions(), 2)

	qid := requestCell(t, ctrl, "cell-1", types.CellAI)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	entry, err := source.Wait(ctx, qid, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, entry.Status)
	assert.Equal(t, "remote", entry.Result)
	assert.Contains(t, pool.Sessions(), entry.AssignedSessionID)

	got, found, err := source.Entry(ctx, qid)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, entry.Seq, got.Seq)

	report, err := source.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queue[types.StatusCompleted])
}

// TestGrpcSourceErrors tests that rejections keep their sentinel across the wire
func TestGrpcSourceErrors(t *testing.T) {
	ctrl := newController(t)
	source := NewGrpcSource(dialBufconn(t, ctrl))
	ctx := context.Background()

	event := eventlog.MustEvent(eventlog.TypeRuntimeSessionStatusChanged, time.Now().UnixMilli(),
		eventlog.RuntimeSessionStatusChanged{SessionID: "ghost", Status: types.SessionReady})
	_, err := source.Append(ctx, event)
	assert.ErrorIs(t, err, registry.ErrUnknownSession)

	_, found, err := source.Entry(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}
