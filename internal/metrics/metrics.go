package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduling claims by result.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdata_scheduler_claims_total",
			Help: "Total number of claim attempts by result.",
		},
		[]string{"backend", "result"}, // result = "claimed" | "not_eligible" | "error"
	)

	// Reconciled snapshot batches by result.
	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdata_reconcile_batches_total",
			Help: "Total number of snapshot batches reconciled by result.",
		},
		[]string{"result"}, // result = "ok" | "stale" | "error"
	)

	// Order ledger writes by action.
	OrderActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdata_order_actions_total",
			Help: "Order versions written by the reconciler by action.",
		},
		[]string{"action"}, // created | evolved | unchanged | ended | skipped
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketdata_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation transaction in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"result"},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketdata_reconcile_batch_size",
			Help:    "Number of order snapshots received per batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	// Outbound calls to the market source.
	SourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdata_source_requests_total",
			Help: "Total number of market source API requests (by endpoint and status).",
		},
		[]string{"endpoint", "status"},
	)

	SourceRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketdata_source_request_duration_seconds",
			Help:    "Duration of market source API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"endpoint"},
	)

	// Tracks cache hits and misses for secrets / credentials.
	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketdata_errors_total",
			Help: "Count of service-level errors by component.",
		},
		[]string{"component", "reason"},
	)

	EligibleInstruments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketdata_instruments_eligible",
			Help: "Instruments currently eligible for a refresh claim.",
		},
	)

	TrackedInstruments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketdata_instruments_tracked",
			Help: "Instruments registered for scheduling.",
		},
	)

	LiveOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketdata_orders_live",
			Help: "Live order versions across all markets.",
		},
	)

	// Gauges the last successful run per component (seconds since epoch).
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketdata_last_run_timestamp",
			Help: "Timestamp (unix seconds) of the last successful run of a background component.",
		},
		[]string{"component"},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// silently ignore counters; they're not meant for duration tracking
	}
}

func IncClaim(backend, result string) {
	ClaimsTotal.WithLabelValues(backend, result).Inc()
}

func IncReconcile(result string) {
	ReconcileTotal.WithLabelValues(result).Inc()
}

func AddOrderActions(action string, n int) {
	if n > 0 {
		OrderActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

func IncSourceRequest(endpoint, status string) {
	SourceRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastRun(component string, t time.Time) {
	LastRunTimestamp.WithLabelValues(component).Set(float64(t.Unix()))
}
