// ============================================================================
// cellqueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露執行佇列與 runtime session 的運行指標
//
// 指標分類:
//
//   1. 執行計數器 (Counter) - 累計值，只增不減：
//      - cellqueue_executions_requested_total: 執行請求總數
//      - cellqueue_executions_assigned_total: 已分派總數
//      - cellqueue_executions_completed_total: 成功完成總數
//      - cellqueue_executions_failed_total: 失敗總數（含 runtime 斷線）
//      - cellqueue_executions_cancelled_total: 取消總數
//      - cellqueue_executions_recovered_total: 因 runtime 終止而失敗的總數
//      - cellqueue_events_rejected_total{type}: 被 reducer 拒絕的事件
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - cellqueue_queue_wait_seconds: 請求 → 分派的等待時間
//      - cellqueue_run_latency_seconds: 開始 → 終止的執行時間
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - cellqueue_recovery_time_seconds: 最近一次啟動時快照載入 + 重放時間
//      - cellqueue_executions_pending / cellqueue_executions_in_flight
//      - cellqueue_sessions{status}: 各狀態 runtime session 數
//
// Prometheus 查詢示例:
//
//   # 95 分位排隊時間
//   histogram_quantile(0.95, rate(cellqueue_queue_wait_seconds_bucket[5m]))
//
//   # 沒有可用 runtime 的積壓
//   cellqueue_executions_pending and on() cellqueue_sessions{status="ready"} == 0
//
// 註冊:
//   Collector 接受 prometheus.Registerer，測試使用獨立的 Registry，
//   避免重複註冊到全域 DefaultRegisterer。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/cellqueue/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 執行相關指標
	requested prometheus.Counter
	assigned  prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	cancelled prometheus.Counter
	recovered prometheus.Counter
	rejected  *prometheus.CounterVec

	// 效能指標
	queueWait    prometheus.Histogram
	runLatency   prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	pending  prometheus.Gauge
	inFlight prometheus.Gauge
	sessions *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_requested_total",
			Help: "Total number of accepted execution requests",
		}),
		assigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_assigned_total",
			Help: "Total number of executions bound to a runtime session",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_completed_total",
			Help: "Total number of executions completed successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_failed_total",
			Help: "Total number of failed executions, including runtime disconnects",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_cancelled_total",
			Help: "Total number of executions cancelled while pending",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cellqueue_executions_recovered_total",
			Help: "Total number of executions failed because their runtime terminated",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cellqueue_events_rejected_total",
			Help: "Events rejected by the reducer, by event type",
		}, []string{"type"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellqueue_queue_wait_seconds",
			Help:    "Time from execution request to assignment",
			Buckets: prometheus.DefBuckets,
		}),
		runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cellqueue_run_latency_seconds",
			Help:    "Time from execution start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellqueue_recovery_time_seconds",
			Help: "Time taken to load the snapshot and replay the log at startup",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellqueue_executions_pending",
			Help: "Current number of pending executions",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cellqueue_executions_in_flight",
			Help: "Current number of assigned or running executions",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cellqueue_sessions",
			Help: "Runtime sessions by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.requested, c.assigned, c.completed, c.failed, c.cancelled, c.recovered, c.rejected,
		c.queueWait, c.runLatency, c.recoveryTime,
		c.pending, c.inFlight, c.sessions,
	)
	return c
}

// RecordRequested 記錄執行請求
func (c *Collector) RecordRequested() {
	c.requested.Inc()
}

// RecordAssigned 記錄分派，wait 為請求到分派的時間
func (c *Collector) RecordAssigned(wait time.Duration) {
	c.assigned.Inc()
	c.queueWait.Observe(wait.Seconds())
}

// RecordCompleted 記錄執行完成
func (c *Collector) RecordCompleted(latency time.Duration) {
	c.completed.Inc()
	c.runLatency.Observe(latency.Seconds())
}

// RecordFailed 記錄執行失敗
func (c *Collector) RecordFailed(latency time.Duration) {
	c.failed.Inc()
	if latency > 0 {
		c.runLatency.Observe(latency.Seconds())
	}
}

// RecordCancelled 記錄取消
func (c *Collector) RecordCancelled() {
	c.cancelled.Inc()
}

// RecordRecovered 記錄因 runtime 終止而失敗的執行數
func (c *Collector) RecordRecovered(n int) {
	c.recovered.Add(float64(n))
	c.failed.Add(float64(n))
}

// RecordRejected 記錄被拒絕的事件
func (c *Collector) RecordRejected(eventType string) {
	c.rejected.WithLabelValues(eventType).Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(stats map[types.QueueStatus]int) {
	c.pending.Set(float64(stats[types.StatusPending]))
	c.inFlight.Set(float64(stats[types.StatusAssigned] + stats[types.StatusRunning]))
}

// UpdateSessionStats 更新 session 狀態統計
func (c *Collector) UpdateSessionStats(counts map[types.SessionStatus]int) {
	for _, status := range []types.SessionStatus{
		types.SessionStarting, types.SessionReady, types.SessionBusy,
		types.SessionRestarting, types.SessionTerminated,
	} {
		c.sessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
func StartServer(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
