// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the webhook intake service.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - webhooks_received_total: inbound delivery rate per provider
//   - webhooks_rejected_total: signature/validation rejections (alerts)
//   - events_failed_total: events that exhausted retries (alerts)
//   - reconciliation_pending_total: ledger postings deferred to operators
type Metrics struct {
	WebhooksReceived  *prometheus.CounterVec
	WebhooksRejected  *prometheus.CounterVec
	WebhooksThrottled *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventsFailed      *prometheus.CounterVec
	EventsDuplicate   *prometheus.CounterVec
	EventsUnknownType *prometheus.CounterVec
	ProcessingTime    *prometheus.HistogramVec

	ReconciliationPending prometheus.Counter
	SweeperBatchSize      prometheus.Gauge
	SweeperRuns           prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "keyspay_webhooks_received_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		WebhooksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Total number of webhook deliveries received",
		}, []string{"provider"}),
		WebhooksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_rejected_total",
			Help:      "Total number of webhook deliveries rejected before processing",
		}, []string{"provider", "reason"}),
		WebhooksThrottled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_throttled_total",
			Help:      "Total number of webhook deliveries rejected by rate limiting",
		}, []string{"provider"}),
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of events processed to completion",
		}, []string{"provider"}),
		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of events still unprocessed after their retry budget",
		}, []string{"provider"}),
		EventsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Total number of duplicate deliveries short-circuited by the idempotency gate",
		}, []string{"provider"}),
		EventsUnknownType: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_type_total",
			Help:      "Total number of events accepted as no-ops for unregistered event types",
		}, []string{"provider"}),
		ProcessingTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Duration of webhook event processing in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),

		ReconciliationPending: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_pending_total",
			Help:      "Total number of ledger postings deferred to reconciliation",
		}),
		SweeperBatchSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweeper_batch_size",
			Help:      "Number of events claimed by the most recent sweep",
		}),
		SweeperRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeper_runs_total",
			Help:      "Total number of sweep cycles executed",
		}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
