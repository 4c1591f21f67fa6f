package main

// ============================================================================
// 崩潰恢復示範
//
//	go run ./cmd/demo start     建立 notebook 並排入執行，執行途中按 Ctrl+C
//	go run ./cmd/demo recover   重播 WAL，將上次遺留的 session 終止並顯示結果
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/cellqueue/internal/config"
	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/storage/wal"
	"github.com/ChuLiYu/cellqueue/internal/worker"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

const cellCount = 20

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Log.Path), 0755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	w, err := wal.NewWAL(cfg.Log.Path, wal.Options{SyncOnAppend: true})
	if err != nil {
		log.Fatalf("Failed to open WAL: %v", err)
	}
	defer w.Close()

	ctrl, err := controller.NewController(controller.Config{
		Log:          w,
		SnapshotPath: cfg.Snapshot.Path,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	defer ctrl.Stop()
	fmt.Printf("✓ Controller started (mode: %s, applied seq %d)\n", mode, ctrl.AppliedSeq())

	switch mode {
	case "start":
		runStart(ctx, cfg, ctrl)
	case "recover":
		runRecover(ctx, ctrl)
	default:
		log.Fatalf("Unknown mode %q", mode)
	}
}

func runStart(ctx context.Context, cfg *config.Config, ctrl *controller.Controller) {
	if len(ctrl.Cells()) > 0 {
		fmt.Println("\n⚠️  Found cells from a previous run, use 'recover' or delete", cfg.Log.Path)
		printStatus(ctrl)
		return
	}

	caps, err := cfg.Capabilities()
	if err != nil {
		log.Fatalf("Invalid capabilities: %v", err)
	}
	opts := worker.DefaultOptions()
	opts.Capabilities = caps
	opts.RuntimeType = cfg.Worker.RuntimeType

	pool := worker.NewPool(ctrl, worker.NewSimulatedExecutor(2*time.Second, 0.1, time.Now().UnixNano()), opts, cellCount)
	// workers 不跟隨訊號結束，這樣 Ctrl+C 時它們不會回報終止
	if err := pool.Start(context.Background(), cfg.Worker.Count); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	cellTypes := []types.CellType{types.CellCode, types.CellSQL, types.CellMarkdown, types.CellAI}
	var anchor types.CellID
	for i := 1; i <= cellCount; i++ {
		cellID := types.CellID(fmt.Sprintf("cell-%02d", i))
		if _, err := ctrl.InsertCellAfter(ctx, cellID, anchor); err != nil {
			log.Fatalf("Failed to insert %s: %v", cellID, err)
		}
		anchor = cellID

		ct := cellTypes[i%len(cellTypes)]
		if ct == types.CellMarkdown {
			continue
		}
		if _, err := ctrl.RequestExecution(ctx, controller.ExecutionRequest{CellID: cellID, CellType: ct, RequestedBy: "demo"}); err != nil {
			log.Fatalf("Failed to request %s: %v", cellID, err)
		}
	}
	fmt.Printf("✓ Inserted %d cells, executions are running on %d workers\n", cellCount, cfg.Worker.Count)
	fmt.Printf("💡 Press Ctrl+C to kill the process while cells are running\n\n")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, exiting without terminating sessions")
			printStatus(ctrl)
			os.Exit(130)
		case <-ticker.C:
			r := ctrl.Status()
			fmt.Printf("📊 pending=%d assigned=%d running=%d completed=%d failed=%d\n",
				r.Queue[types.StatusPending], r.Queue[types.StatusAssigned], r.Queue[types.StatusRunning],
				r.Queue[types.StatusCompleted], r.Queue[types.StatusFailed])
		}
	}
}

func runRecover(ctx context.Context, ctrl *controller.Controller) {
	fmt.Println("\n📊 Replayed state:")
	printStatus(ctrl)

	// 上次的 runtime 都已經不存在，終止它們會讓綁定的執行失敗
	for _, s := range ctrl.Sessions() {
		if !s.IsActive {
			continue
		}
		if err := ctrl.TerminateSession(ctx, s.SessionID, "process crashed"); err != nil {
			log.Printf("Failed to terminate %s: %v", s.SessionID, err)
			continue
		}
		fmt.Printf("✓ Terminated stale session %s\n", s.SessionID)
	}

	fmt.Println("\n📊 After recovery:")
	printStatus(ctrl)
	for _, e := range ctrl.Entries() {
		if e.Status == types.StatusFailed && e.Error == types.ErrRuntimeDisconnected.Error() {
			fmt.Printf("  %s (%s) %s\n", e.CellID, e.QueueID, e.Error)
		}
	}
}

func printStatus(ctrl *controller.Controller) {
	r := ctrl.Status()
	fmt.Printf("  Pending:   %d\n", r.Queue[types.StatusPending])
	fmt.Printf("  Assigned:  %d\n", r.Queue[types.StatusAssigned])
	fmt.Printf("  Running:   %d\n", r.Queue[types.StatusRunning])
	fmt.Printf("  Completed: %d\n", r.Queue[types.StatusCompleted])
	fmt.Printf("  Failed:    %d\n", r.Queue[types.StatusFailed])
	fmt.Printf("  Sessions:  %d active of %d\n", activeSessions(ctrl), len(ctrl.Sessions()))
}

func activeSessions(ctrl *controller.Controller) int {
	n := 0
	for _, s := range ctrl.Sessions() {
		if s.IsActive {
			n++
		}
	}
	return n
}
