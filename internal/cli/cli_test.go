package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/orderkey"
	"github.com/ChuLiYu/cellqueue/internal/storage/wal"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// runCLI 執行一次命令並回傳 stdout
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// writeConfig 建立指向暫存目錄的配置檔
func writeConfig(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.wal")
	if backend == "sqlite" {
		logPath = filepath.Join(dir, "events.db")
	}
	content := fmt.Sprintf(`
log:
  backend: %s
  path: %s
  sync_on_append: true
snapshot:
  path: %s
logging:
  level: error
`, backend, logPath, filepath.Join(dir, "snapshot.json"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "cellqueue", cmd.Use, "Root command should be 'cellqueue'")
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"serve", "worker", "request", "key", "status", "wal"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestAllocateKeys(t *testing.T) {
	keys, err := allocateKeys("", "", 5, 0)
	require.NoError(t, err)
	require.Len(t, keys, 5)
	assert.Equal(t, orderkey.Default, keys[0])
	assert.NoError(t, orderkey.ValidateOrder(keys))

	bounded, err := allocateKeys("a", "b", 3, 42)
	require.NoError(t, err)
	for _, k := range bounded {
		assert.Greater(t, k, "a")
		assert.Less(t, k, "b")
	}
	assert.NoError(t, orderkey.ValidateOrder(bounded))

	_, err = allocateKeys("b", "a", 1, 0)
	assert.ErrorIs(t, err, orderkey.ErrInvalidBounds)

	_, err = allocateKeys("", "", 0, 0)
	assert.Error(t, err)
}

func TestKeyCommand(t *testing.T) {
	cfg := writeConfig(t, "wal")

	out, err := runCLI(t, "key", "-c", cfg, "--after", "i", "--count", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Greater(t, lines[0], "i")
	assert.Greater(t, lines[1], lines[0])
}

func TestRequestAndStatusOnSharedLog(t *testing.T) {
	cfg := writeConfig(t, "sqlite")

	out, err := runCLI(t, "request", "-c", cfg, "--cell", "cell-1", "--type", "sql")
	require.NoError(t, err)
	assert.Contains(t, out, "queued ")
	assert.Contains(t, out, "(seq 1)")

	// 同一個 cell 已經在佇列中：事件被拒絕但仍寫入日誌
	_, err = runCLI(t, "request", "-c", cfg, "--cell", "cell-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	_, err = runCLI(t, "request", "-c", cfg, "--cell", "notes", "--type", "markdown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")

	out, err = runCLI(t, "status", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "applied seq: 3")
	assert.Contains(t, out, "  pending     1\n")
	assert.Contains(t, out, "cell-1")
}

func TestRequestWaitRequiresServer(t *testing.T) {
	cfg := writeConfig(t, "wal")
	_, err := runCLI(t, "request", "-c", cfg, "--cell", "cell-1", "--wait")
	assert.EqualError(t, err, "--wait requires --server")
}

func TestWALCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	w, err := wal.NewWAL(path, wal.DefaultOptions())
	require.NoError(t, err)

	ctrl, err := controller.NewController(controller.Config{Log: w})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	_, err = ctrl.InsertCellAfter(context.Background(), "cell-1", "")
	require.NoError(t, err)
	_, err = ctrl.RequestExecution(context.Background(), controller.ExecutionRequest{CellID: "cell-1", CellType: types.CellCode})
	require.NoError(t, err)
	ctrl.Stop()
	require.NoError(t, w.Close())

	cfg := writeConfig(t, "wal")

	out, err := runCLI(t, "wal", "stats", path, "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "events:     2\n")
	assert.Contains(t, out, "seq range:  1..2\n")
	assert.Contains(t, out, string(eventlog.TypeCellCreated))

	out, err = runCLI(t, "wal", "verify", path, "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, ": ok")

	out, err = runCLI(t, "wal", "dump", path, "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[Seq:2] ExecutionRequested")
}

func TestRenderStatusGolden(t *testing.T) {
	view := statusView{
		Source: "memory",
		Report: controller.Report{
			AppliedSeq: 14,
			Queue: map[types.QueueStatus]int{
				types.StatusPending:   1,
				types.StatusRunning:   1,
				types.StatusCompleted: 1,
				types.StatusFailed:    1,
			},
			Sessions: map[types.SessionStatus]int{
				types.SessionReady:      1,
				types.SessionBusy:       1,
				types.SessionTerminated: 1,
			},
			Cells: 4,
		},
		Sessions: []types.RuntimeSession{
			{SessionID: "s-1", Status: types.SessionReady, RuntimeType: "python", Capabilities: types.CapExecuteCode | types.CapExecuteSQL},
			{SessionID: "s-2", Status: types.SessionBusy, RuntimeType: "python", Capabilities: types.CapExecuteCode},
			{SessionID: "s-3", Status: types.SessionTerminated, RuntimeType: "sql", Capabilities: types.CapExecuteSQL},
		},
		Entries: []types.QueueEntry{
			{Seq: 3, QueueID: "q-1", CellID: "cell-a", CellType: types.CellCode, Status: types.StatusCompleted, AssignedSessionID: "s-1", Result: "42"},
			{Seq: 5, QueueID: "q-2", CellID: "cell-b", CellType: types.CellCode, Status: types.StatusFailed, AssignedSessionID: "s-3", Error: types.ErrRuntimeDisconnected.Error()},
			{Seq: 8, QueueID: "q-3", CellID: "cell-c", CellType: types.CellSQL, Status: types.StatusRunning, AssignedSessionID: "s-2"},
			{Seq: 12, QueueID: "q-4", CellID: "cell-d", CellType: types.CellAI, Status: types.StatusPending},
		},
		Cells: []types.CellPosition{
			{CellID: "cell-a", OrderKey: "i"},
			{CellID: "cell-b", OrderKey: "ip"},
			{CellID: "cell-c", OrderKey: "j"},
			{CellID: "cell-d", OrderKey: "k"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, view))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "status", buf.Bytes())
}
