package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cellqueue/internal/config"
	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/eventlog"
	"github.com/ChuLiYu/cellqueue/internal/orderkey"
	"github.com/ChuLiYu/cellqueue/internal/storage/wal"
	"github.com/ChuLiYu/cellqueue/internal/worker"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// ============================================================================
// request
// ============================================================================

func (a *app) buildRequestCommand() *cobra.Command {
	var (
		serverAddr  string
		cellID      string
		cellType    string
		priority    int
		requestedBy string
		wait        bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request execution of a cell",
		Long: `Append an ExecutionRequested event. With --server the event goes through the
gateway, otherwise it is appended directly to the configured shared log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if wait && serverAddr == "" {
				return errors.New("--wait requires --server")
			}

			queueID := types.QueueID(newQueueID())
			event, err := eventlog.NewEvent(eventlog.TypeExecutionRequested, time.Now().UnixMilli(), eventlog.ExecutionRequested{
				QueueID:     queueID,
				CellID:      types.CellID(cellID),
				CellType:    types.CellType(cellType),
				RequestedBy: requestedBy,
				Priority:    priority,
			})
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			out := cmd.OutOrStdout()

			if serverAddr == "" {
				seq, err := a.appendLocal(ctx, event)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "queued %s (seq %d)\n", queueID, seq)
				return nil
			}

			conn, err := dial(serverAddr)
			if err != nil {
				return err
			}
			defer conn.Close()
			source := worker.NewGrpcSource(conn)

			stored, err := source.Append(ctx, event)
			if err != nil {
				return fmt.Errorf("request rejected: %w", err)
			}
			fmt.Fprintf(out, "queued %s (seq %d)\n", queueID, stored.Seq)
			if !wait {
				return nil
			}

			entry, err := source.Wait(ctx, queueID, timeout)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", queueID, err)
			}
			fmt.Fprintln(out, describeEntry(entry))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "scheduler gateway address (empty = append to the configured log)")
	cmd.Flags().StringVar(&cellID, "cell", "", "cell id")
	cmd.Flags().StringVar(&cellType, "type", string(types.CellCode), "cell type: code, sql, ai, markdown")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority, higher is dispatched first")
	cmd.Flags().StringVar(&requestedBy, "by", "cli", "requesting user")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the execution is terminal")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait")
	_ = cmd.MarkFlagRequired("cell")

	return cmd
}

func newQueueID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// appendLocal 直接寫入共享日誌；serve 程序會在下一次 Sync 時看到它
func (a *app) appendLocal(ctx context.Context, event eventlog.Event) (uint64, error) {
	lg, err := openLog(ctx, a.cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to open event log: %w", err)
	}
	defer lg.Close()

	ctrl, err := controller.NewController(controller.Config{Log: lg})
	if err != nil {
		return 0, err
	}
	if err := ctrl.Recover(ctx); err != nil {
		return 0, fmt.Errorf("failed to replay event log: %w", err)
	}
	stored, err := ctrl.Append(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("request rejected: %w", err)
	}
	return stored.Seq, nil
}

func describeEntry(entry types.QueueEntry) string {
	switch entry.Status {
	case types.StatusCompleted:
		return fmt.Sprintf("%s %s: %s", entry.QueueID, entry.Status, entry.Result)
	case types.StatusFailed:
		return fmt.Sprintf("%s %s: %s", entry.QueueID, entry.Status, entry.Error)
	}
	return fmt.Sprintf("%s %s", entry.QueueID, entry.Status)
}

// ============================================================================
// key
// ============================================================================

func buildKeyCommand() *cobra.Command {
	var (
		after  string
		before string
		count  int
		seed   int64
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Allocate fractional order keys",
		Long: `Print keys that sort strictly after --after and before --before.
With --count > 1 the keys are also increasing among themselves.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := allocateKeys(after, before, count, seed)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&after, "after", "", "lower bound (empty = none)")
	cmd.Flags().StringVar(&before, "before", "", "upper bound (empty = none)")
	cmd.Flags().IntVar(&count, "count", 1, "number of keys")
	cmd.Flags().Int64Var(&seed, "seed", 0, "jitter seed (0 = no jitter)")
	return cmd
}

func allocateKeys(after, before string, count int, seed int64) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be at least 1, got %d", count)
	}
	var jitter orderkey.JitterSource
	if seed != 0 {
		jitter = orderkey.NewJitter(seed)
	}

	keys := make([]string, 0, count)
	lower := after
	for i := 0; i < count; i++ {
		k, err := orderkey.Allocate(lower, before, jitter)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		lower = k
	}
	return keys, nil
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long: `Replay the configured event log (read-only) and display queue, session and
cell statistics. With --server the report is fetched from a running gateway.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if serverAddr != "" {
				return a.remoteStatus(ctx, cmd, serverAddr)
			}
			return a.localStatus(ctx, cmd)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "", "fetch the report from a gateway instead of replaying the log")
	return cmd
}

func (a *app) localStatus(ctx context.Context, cmd *cobra.Command) error {
	lg, err := openLog(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer lg.Close()

	// 只讀：不呼叫 Start / Stop，避免寫入事件或快照
	ctrl, err := controller.NewController(controller.Config{
		Log:          lg,
		SnapshotPath: a.cfg.Snapshot.Path,
	})
	if err != nil {
		return err
	}
	if err := ctrl.Recover(ctx); err != nil {
		return fmt.Errorf("failed to replay event log: %w", err)
	}

	view := statusView{
		Source:   fmt.Sprintf("%s %s", a.cfg.Log.Backend, logLocation(a)),
		Report:   ctrl.Status(),
		Sessions: ctrl.Sessions(),
		Entries:  ctrl.Entries(),
		Cells:    ctrl.Cells(),
	}
	return renderStatus(cmd.OutOrStdout(), view)
}

func (a *app) remoteStatus(ctx context.Context, cmd *cobra.Command, serverAddr string) error {
	conn, err := dial(serverAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	report, err := worker.NewGrpcSource(conn).Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	return renderStatus(cmd.OutOrStdout(), statusView{Source: "gateway " + serverAddr, Report: report})
}

func logLocation(a *app) string {
	if a.cfg.Log.Backend == config.BackendRedis {
		return a.cfg.Log.Stream
	}
	return a.cfg.Log.Path
}

// ============================================================================
// wal
// ============================================================================

func (a *app) buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect a WAL file",
	}

	pathOf := func(args []string) string {
		if len(args) > 0 {
			return args[0]
		}
		return a.cfg.Log.Path
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats [path]",
		Short: "Show event counts and sequence range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := wal.GetWALStats(pathOf(args))
			if err != nil {
				return err
			}
			return renderWALStats(cmd.OutOrStdout(), stats)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "Print every event in human readable form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(pathOf(args), cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "Verify checksums, sequence order and event types",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := pathOf(args)
			if err := wal.ValidateWAL(path); err != nil {
				return fmt.Errorf("%s is corrupt: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	})

	return cmd
}

func sortedTypes(counts map[eventlog.Type]int) []eventlog.Type {
	out := make([]eventlog.Type, 0, len(counts))
	for t := range counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
