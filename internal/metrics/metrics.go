// ============================================================================
// Archive Deposit Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露存檔流程的運行指標
//
// 指標分類:
//
//   1. 狀態機計數器 (Counter)：
//      - deposit_transitions_total{kind,from,to}: 狀態轉移次數
//      - deposit_failures_total{kind}: 進入 FAILED 的次數
//      - deposit_illegal_events_total: 被隔離的非法事件
//      - deposit_journal_errors_total: 日誌寫入失敗
//
//   2. 性能指標 (Histogram)：
//      - deposit_progress_pass_seconds: 一輪 progress 所需時間
//
//   3. 狀態指標 (Gauge)：
//      - deposit_depositables{state}: 各狀態的 parent 數量
//      - deposit_queue_jobs{type,phase}: 節流佇列中 queued/running 任務數
//      - deposit_queue_paused: 佇列是否暫停
//      - deposit_recovery_time_seconds: 最近一次啟動恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成存檔的 observation
//   rate(deposit_transitions_total{kind="observation",to="DEPOSITED"}[1m])
//
//   # 每種工具的積壓
//   deposit_queue_jobs{phase="queued"}
//
// HTTP 端點:
//   由 internal/server 以 /metrics 暴露，Handler 使用建立 Collector 時的 Gatherer
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/archive-deposit/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 狀態機相關指標
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	illegalEvents prometheus.Counter
	journalErrors prometheus.Counter

	// 效能指標
	progressPass prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	depositables *prometheus.GaugeVec
	queueJobs    *prometheus.GaugeVec
	queuePaused  prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 建立收集器並註冊到 reg
//
// reg 為 nil 時使用獨立的 Registry（測試時避免重複註冊）
func NewCollector(reg prometheus.Registerer) *Collector {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_transitions_total",
			Help: "Total number of depositable state transitions",
		}, []string{"kind", "from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_failures_total",
			Help: "Total number of transitions into FAILED",
		}, []string{"kind"}),
		illegalEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deposit_illegal_events_total",
			Help: "Total number of depositables quarantined after an illegal event",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deposit_journal_errors_total",
			Help: "Total number of failed journal appends",
		}),
		progressPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deposit_progress_pass_seconds",
			Help:    "Duration of one progress pass over all depositables",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deposit_recovery_time_seconds",
			Help: "Time taken to restore state on startup in seconds",
		}),
		depositables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deposit_depositables",
			Help: "Current number of parent depositables per state",
		}, []string{"state"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deposit_queue_jobs",
			Help: "Current number of throttled jobs per type and phase",
		}, []string{"type", "phase"}),
		queuePaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deposit_queue_paused",
			Help: "1 while the job queue is paused",
		}),
		gatherer: gatherer,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.transitions,
		c.failures,
		c.illegalEvents,
		c.journalErrors,
		c.progressPass,
		c.recoveryTime,
		c.depositables,
		c.queueJobs,
		c.queuePaused,
	)

	return c
}

// RecordTransition 記錄一次狀態轉移
func (c *Collector) RecordTransition(kind types.Kind, from, to types.StateType) {
	c.transitions.WithLabelValues(string(kind), string(from), string(to)).Inc()
	if to == types.StateFailed {
		c.failures.WithLabelValues(string(kind)).Inc()
	}
}

// RecordIllegalEvent 記錄被隔離的 depositable
func (c *Collector) RecordIllegalEvent() {
	c.illegalEvents.Inc()
}

// RecordJournalError 記錄日誌寫入失敗
func (c *Collector) RecordJournalError() {
	c.journalErrors.Inc()
}

// ObserveProgressPass 記錄一輪 progress 耗時
func (c *Collector) ObserveProgressPass(seconds float64) {
	c.progressPass.Observe(seconds)
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// UpdateDepositables 以各狀態數量覆寫 gauge，未出現的狀態歸零
func (c *Collector) UpdateDepositables(counts map[types.StateType]int) {
	for _, st := range types.StateTypes() {
		c.depositables.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// UpdateQueueStats 更新單一任務類型的佇列統計
func (c *Collector) UpdateQueueStats(jobType string, queued, running int) {
	c.queueJobs.WithLabelValues(jobType, "queued").Set(float64(queued))
	c.queueJobs.WithLabelValues(jobType, "running").Set(float64(running))
}

// SetQueuePaused 更新暫停旗標
func (c *Collector) SetQueuePaused(paused bool) {
	if paused {
		c.queuePaused.Set(1)
		return
	}
	c.queuePaused.Set(0)
}

// Handler 回傳 Prometheus 文本格式的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Gatherer 回傳指標來源（測試用）
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.gatherer
}
