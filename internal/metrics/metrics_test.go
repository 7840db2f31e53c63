package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.initAttempts)
	assert.NotNil(t, collector.serviceStatus)
	assert.NotNil(t, collector.transactions)
	assert.NotNil(t, collector.quotaRatio)
	assert.NotNil(t, collector.cleanupFreed)
}

func TestServiceMetrics(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry())

	collector.RecordInitAttempt("storage")
	collector.RecordInitAttempt("storage")
	collector.RecordInitFailure("storage")
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.initAttempts.WithLabelValues("storage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.initFailures.WithLabelValues("storage")))

	collector.SetServiceStatus("storage", "initializing")
	collector.SetServiceStatus("storage", "ready")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.serviceStatus.WithLabelValues("storage", "ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.serviceStatus.WithLabelValues("storage", "initializing")))

	collector.SetServiceHealth("storage", "degraded")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.serviceHealth.WithLabelValues("storage", "degraded")))

	collector.SetBootDuration(1500 * time.Millisecond)
	assert.Equal(t, 1.5, testutil.ToFloat64(collector.bootDuration))
}

func TestStoreAndQuotaMetrics(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry())

	collector.RecordTransaction(true, 10*time.Millisecond)
	collector.RecordTransaction(false, 10*time.Millisecond)
	collector.RecordTransaction(true, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.transactions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transactions.WithLabelValues("rolled_back")))

	collector.UpdateQuota(400, 1000)
	assert.Equal(t, 0.4, testutil.ToFloat64(collector.quotaRatio))

	collector.RecordCleanup("gentle", map[string]int64{"clear_cache": 120, "noop": 0})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cleanupRuns.WithLabelValues("gentle")))
	assert.Equal(t, 120.0, testutil.ToFloat64(collector.cleanupFreed.WithLabelValues("clear_cache")))

	collector.RecordAlert("critical")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.quotaAlerts.WithLabelValues("critical")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordInitAttempt("x")
		collector.RecordInitFailure("x")
		collector.SetServiceStatus("x", "ready")
		collector.SetServiceHealth("x", "healthy")
		collector.SetBootDuration(time.Second)
		collector.RecordTransaction(true, time.Millisecond)
		collector.UpdateQuota(1, 2)
		collector.RecordCleanup("aggressive", map[string]int64{"a": 1})
		collector.RecordAlert("warning")
	})
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollectorWith(reg)
	require.NotNil(t, collector1)

	// a process should have only one collector per registry
	assert.Panics(t, func() {
		NewCollectorWith(reg)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewCollectorWith(reg)
	collector.RecordTransaction(true, time.Millisecond)

	srv := NewServer(":0", reg)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ledger_store_transactions_total{result="committed"} 1`))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollectorWith(prometheus.NewRegistry())

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordInitAttempt("svc")
			collector.RecordTransaction(true, time.Millisecond)
			collector.UpdateQuota(10, 100)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.initAttempts.WithLabelValues("svc")))
}
