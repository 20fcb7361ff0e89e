// Package metrics defines the Prometheus collectors exported on /metrics.
//
// All collectors are registered on the default registry at init through
// promauto. Record* helpers keep label values consistent across callers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "catalog_etl"

var (
	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changed_rows_total",
			Help:      "Changed source rows read, by table",
		},
		[]string{"table"},
	)

	DocumentsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_loaded_total",
			Help:      "Documents written to the search engine, by index",
		},
		[]string{"index"},
	)

	BulkRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_requests_total",
			Help:      "Bulk requests sent, by index and result (success, item_error, transport_error)",
		},
		[]string{"index", "result"},
	)

	BulkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_request_duration_seconds",
			Help:      "Bulk request latency",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"index"},
	)

	WatermarkTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Last persisted watermark as a Unix timestamp, by table",
		},
		[]string{"table"},
	)

	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full pass over all tables",
			Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	Passes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Completed passes, by result (success, error)",
		},
		[]string{"result"},
	)

	LockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lock_held",
			Help:      "1 while this instance holds the single-instance lock",
		},
	)

	LockRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_renewals_total",
			Help:      "Heartbeat renewals, by result (renewed, reacquired, lost, error)",
		},
		[]string{"result"},
	)

	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried operations, by operation",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// RecordBulk records one bulk request.
func RecordBulk(index, result string, docs int, d time.Duration) {
	BulkRequests.WithLabelValues(index, result).Inc()
	BulkDuration.WithLabelValues(index).Observe(d.Seconds())
	if result == "success" {
		DocumentsLoaded.WithLabelValues(index).Add(float64(docs))
	}
}

// RecordWatermark publishes a persisted watermark.
func RecordWatermark(table string, ts time.Time) {
	WatermarkTimestamp.WithLabelValues(table).Set(float64(ts.UnixNano()) / 1e9)
}

// RecordPass records a finished pass.
func RecordPass(d time.Duration, err error) {
	PassDuration.Observe(d.Seconds())
	if err != nil {
		Passes.WithLabelValues("error").Inc()
		return
	}
	Passes.WithLabelValues("success").Inc()
}

// SetLockHeld flips the lock gauge.
func SetLockHeld(held bool) {
	if held {
		LockHeld.Set(1)
		return
	}
	LockHeld.Set(0)
}
