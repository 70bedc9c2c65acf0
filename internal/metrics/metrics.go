package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChainEventsTotal tracks chain events consumed per crypto code.
	ChainEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_chain_events_total",
			Help: "Total number of chain events consumed",
		},
		[]string{"crypto", "type"},
	)

	// PaymentsDetectedTotal tracks newly recorded payments per crypto code.
	PaymentsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_payments_detected_total",
			Help: "Total number of payment records created",
		},
		[]string{"crypto", "path"},
	)

	// PaymentsReplacedTotal tracks payments flipped to unaccounted.
	PaymentsReplacedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_payments_replaced_total",
			Help: "Total number of payments marked unaccounted after a conflict",
		},
		[]string{"crypto"},
	)

	// SessionReconnectsTotal tracks listening session reconnections.
	SessionReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_session_reconnects_total",
			Help: "Total number of explorer session reconnections",
		},
		[]string{"crypto"},
	)

	// InvoiceRefreshDuration tracks per-invoice reconciliation latency.
	InvoiceRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paywatch_invoice_refresh_seconds",
			Help:    "Per-invoice payment state refresh latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"crypto"},
	)

	// PayjoinLockOps tracks lock coordinator operations.
	PayjoinLockOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paywatch_payjoin_lock_ops_total",
			Help: "Total number of payjoin lock operations",
		},
		[]string{"op", "outcome"},
	)

	// DBConnectionPoolUsage tracks connection pool saturation.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paywatch_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBBatchSize tracks batch write sizes.
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paywatch_db_batch_size",
			Help:    "Number of rows per batch write",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"operation"},
	)
)
