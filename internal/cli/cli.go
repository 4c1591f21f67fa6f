// ============================================================================
// cellqueue CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   cellqueue                      # Root command
//   ├── serve                      # Controller + gRPC gateway + metrics
//   │   └── --local-workers       # Also run N runtimes in-process
//   ├── worker                     # Runtime pool against a gateway
//   │   └── --server, --count
//   ├── request                    # Request execution of a cell
//   │   └── --cell, --type, --wait
//   ├── key                        # Allocate order keys
//   │   └── --after, --before, --count, --seed
//   ├── status                     # Replay the log and show a report
//   ├── wal                        # Inspect a WAL file (stats, dump, verify)
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   config.Load applies defaults, the YAML file, .env and CELLQUEUE_*
//   environment variables, in that order. The log backend decides where the
//   shared event log lives:
//   - memory: process local, for demos
//   - wal:    JSON-lines file with checksums
//   - sqlite: one database file shared by every process on the host
//   - redis:  Redis Stream shared across hosts
//
// Signal Handling:
//   serve and worker capture SIGINT / SIGTERM and shut down gracefully:
//   1. Local runtimes append RuntimeSessionTerminated
//   2. The controller writes a final snapshot
//   3. The event log is closed
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/cellqueue/internal/config"
	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/metrics"
	"github.com/ChuLiYu/cellqueue/internal/server"
	"github.com/ChuLiYu/cellqueue/internal/storage/redisstream"
	"github.com/ChuLiYu/cellqueue/internal/storage/sqlite"
	"github.com/ChuLiYu/cellqueue/internal/storage/wal"
	"github.com/ChuLiYu/cellqueue/internal/worker"
)

// Version cellqueue 版本
const Version = "1.0.0"

var log = slog.Default()

// app 保存命令間共用的狀態
type app struct {
	configFile string
	cfg        *config.Config
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "cellqueue",
		Short: "cellqueue: an event-sourced execution queue for notebook cells",
		Long: `cellqueue schedules notebook cell executions onto runtime sessions with:
- A shared append-only event log (file WAL, SQLite or Redis Streams)
- Fractional order keys for cell positions
- Deterministic replay and snapshot-based recovery
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(a.buildServeCommand())
	rootCmd.AddCommand(a.buildWorkerCommand())
	rootCmd.AddCommand(a.buildRequestCommand())
	rootCmd.AddCommand(buildKeyCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildWALCommand())

	return rootCmd
}

func (a *app) load(logOutput io.Writer) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg
	return setupLogging(logOutput, cfg)
}

// setupLogging 依配置設定預設 slog handler
func setupLogging(w io.Writer, cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging level %q: %w", cfg.Logging.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	// 各 package 在 init 時取得的 logger 經由 log 套件轉送，層級也要一起調整
	slog.SetLogLoggerLevel(level)
	return nil
}

// signalContext 在收到 SIGINT / SIGTERM 時取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// 事件日誌與元件組裝
// ============================================================================

// openLog 依 log.backend 開啟共享事件日誌
func openLog(ctx context.Context, cfg *config.Config) (eventlog.Log, error) {
	switch cfg.Log.Backend {
	case config.BackendMemory:
		return eventlog.NewMemoryLog(), nil

	case config.BackendWAL:
		if err := ensureDir(cfg.Log.Path); err != nil {
			return nil, err
		}
		return wal.NewWAL(cfg.Log.Path, wal.Options{
			SyncOnAppend: cfg.Log.SyncOnAppend,
			BufferSize:   cfg.Log.BufferSize,
		})

	case config.BackendSQLite:
		if err := ensureDir(cfg.Log.Path); err != nil {
			return nil, err
		}
		return sqlite.Open(cfg.Log.Path)

	case config.BackendRedis:
		return redisstream.Open(ctx, cfg.Log.RedisURL, cfg.Log.Stream)
	}
	return nil, fmt.Errorf("%w: unknown log backend %q", config.ErrInvalidConfig, cfg.Log.Backend)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func controllerConfig(cfg *config.Config, lg eventlog.Log, collector *metrics.Collector) controller.Config {
	return controller.Config{
		Log:              lg,
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotInterval: cfg.Snapshot.Interval,
		KeepSnapshots:    cfg.Snapshot.Keep,
		CompactLog:       cfg.Snapshot.Compact,
		SyncInterval:     cfg.Controller.SyncInterval,
		Metrics:          collector,
	}
}

func workerOptions(cfg *config.Config) (worker.Options, error) {
	caps, err := cfg.Capabilities()
	if err != nil {
		return worker.Options{}, err
	}
	return worker.Options{
		RuntimeType:       cfg.Worker.RuntimeType,
		Capabilities:      caps,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PollInterval:      cfg.Worker.PollInterval,
		ExecTimeout:       cfg.Worker.ExecTimeout,
	}, nil
}

func newExecutor(cfg *config.Config) worker.Executor {
	return worker.NewSimulatedExecutor(cfg.Worker.MaxDelay, cfg.Worker.FailureRate, 0)
}

func dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// ============================================================================
// serve
// ============================================================================

func (a *app) buildServeCommand() *cobra.Command {
	var localWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the controller and the gRPC gateway",
		Long:  "Replay the shared event log, start dispatching, and expose the scheduler to remote runtimes over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.runServe(ctx, localWorkers)
		},
	}

	cmd.Flags().IntVar(&localWorkers, "local-workers", 0, "number of in-process runtime sessions (0 = none)")
	return cmd
}

func (a *app) runServe(ctx context.Context, localWorkers int) error {
	cfg := a.cfg

	lg, err := openLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer lg.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(ctx, cfg.Metrics.Port, prometheus.DefaultGatherer); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	ctrl, err := controller.NewController(controllerConfig(cfg, lg, collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	if localWorkers > 0 {
		opts, err := workerOptions(cfg)
		if err != nil {
			return err
		}
		pool := worker.NewPool(ctrl, newExecutor(cfg), opts, 100)
		if err := pool.Start(ctx, localWorkers); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer pool.Stop()
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	log.Info("cellqueue started", "backend", cfg.Log.Backend, "addr", cfg.Server.Addr, "applied_seq", ctrl.AppliedSeq())
	if err := server.Serve(ctx, lis, ctrl); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	log.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func (a *app) buildWorkerCommand() *cobra.Command {
	var (
		serverAddr string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start runtime sessions against a gateway",
		Long:  "Register runtime sessions with a remote scheduler, execute assigned cells and report results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if count <= 0 {
				count = a.cfg.Worker.Count
			}
			return a.runWorkers(ctx, serverAddr, count)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "localhost:50051", "scheduler gateway address")
	cmd.Flags().IntVar(&count, "count", 0, "number of runtime sessions (0 = worker.count from config)")
	return cmd
}

func (a *app) runWorkers(ctx context.Context, serverAddr string, count int) error {
	opts, err := workerOptions(a.cfg)
	if err != nil {
		return err
	}

	conn, err := dial(serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	pool := worker.NewPool(worker.NewGrpcSource(conn), newExecutor(a.cfg), opts, 100)
	if err := pool.Start(ctx, count); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	go func() {
		for {
			result, err := pool.ReceiveResult(ctx)
			if err != nil {
				return
			}
			log.Debug("Execution finished", "queue_id", result.QueueID, "session", result.SessionID,
				"success", result.Success, "duration", result.Duration)
		}
	}()

	log.Info("Runtime sessions started", "count", count, "server", serverAddr,
		"capabilities", strings.Join(opts.Capabilities.Names(), ","))
	<-ctx.Done()

	log.Info("Stopping runtime sessions")
	pool.Stop()
	return nil
}
