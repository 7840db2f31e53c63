// ============================================================================
// Ledger Runtime Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露執行期核心的運行指標
//
// 指標分類:
//
//   1. 服務生命週期：
//      - ledger_service_init_attempts_total{service}: 初始化嘗試次數
//      - ledger_service_init_failures_total{service}: 初始化失敗次數（含逾時）
//      - ledger_service_status{service,status}: one-hot 狀態
//      - ledger_service_health{service,health}: one-hot 健康狀態
//      - ledger_boot_duration_seconds: 最近一次啟動耗時
//
//   2. 資料儲存：
//      - ledger_store_transactions_total{result}: 交易結果（committed / rolled_back）
//      - ledger_store_transaction_duration_seconds: 交易耗時分佈
//
//   3. 配額：
//      - ledger_quota_used_bytes / ledger_quota_total_bytes / ledger_quota_utilization_ratio
//      - ledger_cleanup_runs_total{level}
//      - ledger_cleanup_freed_bytes_total{strategy}
//      - ledger_quota_alerts_total{severity}
//
// Prometheus 查詢示例:
//
//   # 回滾比例
//   rate(ledger_store_transactions_total{result="rolled_back"}[5m])
//     / rate(ledger_store_transactions_total[5m])
//
//   # 接近配額上限
//   ledger_quota_utilization_ratio > 0.8
//
// 所有 Record* 方法在 nil receiver 上皆為 no-op，元件可在未啟用監控時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 服務狀態與健康狀態的標籤值（與 orchestrator 的字串值一致）
var (
	serviceStatuses = []string{"pending", "initializing", "ready", "failed", "disposed"}
	healthStatuses  = []string{"unknown", "healthy", "degraded", "failed"}
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 服務相關指標
	initAttempts  *prometheus.CounterVec
	initFailures  *prometheus.CounterVec
	serviceStatus *prometheus.GaugeVec
	serviceHealth *prometheus.GaugeVec
	bootDuration  prometheus.Gauge

	// 儲存相關指標
	transactions *prometheus.CounterVec
	txDuration   prometheus.Histogram

	// 配額相關指標
	quotaUsed    prometheus.Gauge
	quotaTotal   prometheus.Gauge
	quotaRatio   prometheus.Gauge
	cleanupRuns  *prometheus.CounterVec
	cleanupFreed *prometheus.CounterVec
	quotaAlerts  *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith 創建指標收集器並註冊到指定的 Registerer
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	c := &Collector{
		initAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_service_init_attempts_total",
			Help: "Total number of service initialization attempts",
		}, []string{"service"}),
		initFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_service_init_failures_total",
			Help: "Total number of failed service initialization attempts, timeouts included",
		}, []string{"service"}),
		serviceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_service_status",
			Help: "Current lifecycle status of each service (one-hot)",
		}, []string{"service", "status"}),
		serviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_service_health",
			Help: "Current health status of each service (one-hot)",
		}, []string{"service", "health"}),
		bootDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_boot_duration_seconds",
			Help: "Duration of the most recent boot sequence",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_store_transactions_total",
			Help: "Total number of data store transactions by result",
		}, []string{"result"}),
		txDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_store_transaction_duration_seconds",
			Help:    "Data store transaction latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		quotaUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_quota_used_bytes",
			Help: "Estimated bytes used in the persistence backend",
		}),
		quotaTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_quota_total_bytes",
			Help: "Estimated total capacity of the persistence backend",
		}),
		quotaRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_quota_utilization_ratio",
			Help: "Used bytes divided by total capacity",
		}),
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_cleanup_runs_total",
			Help: "Total number of cleanup runs by level",
		}, []string{"level"}),
		cleanupFreed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_cleanup_freed_bytes_total",
			Help: "Total bytes freed by cleanup strategy",
		}, []string{"strategy"}),
		quotaAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_quota_alerts_total",
			Help: "Total number of quota alerts emitted by severity",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		c.initAttempts,
		c.initFailures,
		c.serviceStatus,
		c.serviceHealth,
		c.bootDuration,
		c.transactions,
		c.txDuration,
		c.quotaUsed,
		c.quotaTotal,
		c.quotaRatio,
		c.cleanupRuns,
		c.cleanupFreed,
		c.quotaAlerts,
	)

	return c
}

// ============================================================================
// 服務生命週期
// ============================================================================

// RecordInitAttempt 記錄一次初始化嘗試
func (c *Collector) RecordInitAttempt(service string) {
	if c == nil {
		return
	}
	c.initAttempts.WithLabelValues(service).Inc()
}

// RecordInitFailure 記錄一次初始化失敗
func (c *Collector) RecordInitFailure(service string) {
	if c == nil {
		return
	}
	c.initFailures.WithLabelValues(service).Inc()
}

// SetServiceStatus 設定服務狀態（one-hot）
func (c *Collector) SetServiceStatus(service, status string) {
	if c == nil {
		return
	}
	for _, s := range serviceStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		c.serviceStatus.WithLabelValues(service, s).Set(v)
	}
}

// SetServiceHealth 設定服務健康狀態（one-hot）
func (c *Collector) SetServiceHealth(service, health string) {
	if c == nil {
		return
	}
	for _, h := range healthStatuses {
		v := 0.0
		if h == health {
			v = 1
		}
		c.serviceHealth.WithLabelValues(service, h).Set(v)
	}
}

// SetBootDuration 設定啟動耗時
func (c *Collector) SetBootDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.bootDuration.Set(d.Seconds())
}

// ============================================================================
// 資料儲存
// ============================================================================

// RecordTransaction 記錄交易結果與耗時
func (c *Collector) RecordTransaction(committed bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "committed"
	if !committed {
		result = "rolled_back"
	}
	c.transactions.WithLabelValues(result).Inc()
	c.txDuration.Observe(d.Seconds())
}

// ============================================================================
// 配額
// ============================================================================

// UpdateQuota 更新配額指標
func (c *Collector) UpdateQuota(used, total int64) {
	if c == nil {
		return
	}
	c.quotaUsed.Set(float64(used))
	c.quotaTotal.Set(float64(total))
	if total > 0 {
		c.quotaRatio.Set(float64(used) / float64(total))
	}
}

// RecordCleanup 記錄一次清理（各策略釋放的位元組）
func (c *Collector) RecordCleanup(level string, freed map[string]int64) {
	if c == nil {
		return
	}
	c.cleanupRuns.WithLabelValues(level).Inc()
	for strategy, n := range freed {
		if n > 0 {
			c.cleanupFreed.WithLabelValues(strategy).Add(float64(n))
		}
	}
}

// RecordAlert 記錄配額告警
func (c *Collector) RecordAlert(severity string) {
	if c == nil {
		return
	}
	c.quotaAlerts.WithLabelValues(severity).Inc()
}

// ============================================================================
// HTTP 端點
// ============================================================================

// NewServer 建立暴露 /metrics 的 HTTP 伺服器（由呼叫者負責 ListenAndServe 與 Shutdown）
func NewServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
