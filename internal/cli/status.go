package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ChuLiYu/cellqueue/internal/controller"
	"github.com/ChuLiYu/cellqueue/internal/storage/wal"
	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// statusView status 命令要呈現的資料
type statusView struct {
	Source   string
	Report   controller.Report
	Sessions []types.RuntimeSession
	Entries  []types.QueueEntry
	Cells    []types.CellPosition
}

var rule = strings.Repeat("═", 60)

var queueOrder = []types.QueueStatus{
	types.StatusPending, types.StatusAssigned, types.StatusRunning,
	types.StatusCompleted, types.StatusFailed, types.StatusCancelled,
}

var sessionOrder = []types.SessionStatus{
	types.SessionStarting, types.SessionReady, types.SessionBusy,
	types.SessionRestarting, types.SessionTerminated,
}

// renderStatus 輸出系統狀態報告
func renderStatus(w io.Writer, v statusView) error {
	var b strings.Builder

	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "cellqueue status: %s\n", v.Source)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "applied seq: %d\n", v.Report.AppliedSeq)

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Queue:")
	total := 0
	for _, s := range queueOrder {
		fmt.Fprintf(&b, "  %-11s %d\n", s, v.Report.Queue[s])
		total += v.Report.Queue[s]
	}
	if total > 0 {
		done := v.Report.Queue[types.StatusCompleted] + v.Report.Queue[types.StatusFailed]
		if done > 0 {
			rate := float64(v.Report.Queue[types.StatusCompleted]) / float64(done) * 100
			fmt.Fprintf(&b, "  success rate %.1f%%\n", rate)
		}
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Sessions:")
	for _, s := range sessionOrder {
		fmt.Fprintf(&b, "  %-11s %d\n", s, v.Report.Sessions[s])
	}

	if len(v.Sessions) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Runtime sessions:")
		for _, s := range v.Sessions {
			line := fmt.Sprintf("  %-8s %-10s %-8s %s", s.SessionID, s.Status, s.RuntimeType, s.Capabilities)
			fmt.Fprintln(&b, strings.TrimRight(line, " "))
		}
	}

	if len(v.Entries) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Entries:")
		for _, e := range v.Entries {
			line := fmt.Sprintf("  %4d  %-9s  %-8s  %-6s  %s", e.Seq, e.Status, e.CellID, e.CellType, entryDetail(e))
			fmt.Fprintln(&b, strings.TrimRight(line, " "))
		}
	}

	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Cells (%d):\n", max(v.Report.Cells, len(v.Cells)))
	for _, c := range v.Cells {
		fmt.Fprintf(&b, "  %-6s %s\n", c.OrderKey, c.CellID)
	}
	fmt.Fprintln(&b, rule)

	_, err := io.WriteString(w, b.String())
	return err
}

func entryDetail(e types.QueueEntry) string {
	switch e.Status {
	case types.StatusAssigned, types.StatusRunning:
		return "on " + string(e.AssignedSessionID)
	case types.StatusCompleted:
		return "-> " + e.Result
	case types.StatusFailed:
		return "!! " + e.Error
	}
	return ""
}

// renderWALStats 輸出 WAL 統計
func renderWALStats(w io.Writer, stats *wal.Stats) error {
	var b strings.Builder

	fmt.Fprintf(&b, "events:     %d\n", stats.TotalEvents)
	if stats.TotalEvents > 0 {
		fmt.Fprintf(&b, "seq range:  %d..%d\n", stats.FirstSeq, stats.LastSeq)
		fmt.Fprintf(&b, "time range: %s .. %s\n",
			time.UnixMilli(stats.TimeRange[0]).UTC().Format(time.RFC3339),
			time.UnixMilli(stats.TimeRange[1]).UTC().Format(time.RFC3339))
		fmt.Fprintln(&b, "by type:")
		for _, t := range sortedTypes(stats.EventTypes) {
			fmt.Fprintf(&b, "  %-28s %d\n", t, stats.EventTypes[t])
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
