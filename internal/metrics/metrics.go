package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the deployd Prometheus collectors
	Registry = prometheus.NewRegistry()

	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "deployment",
			Name:      "total",
			Help:      "Deployments by payment method and final result.",
		},
		[]string{"method", "result"},
	)

	confirmationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployd",
			Subsystem: "deployment",
			Name:      "confirmation_duration_seconds",
			Help:      "Time between submission and settlement of on-chain payments.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		},
		[]string{"outcome"},
	)

	pendingPayments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deployd",
			Subsystem: "deployment",
			Name:      "pending_payments",
			Help:      "On-chain payments awaiting confirmation.",
		},
	)

	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "ledger",
			Name:      "rejections_total",
			Help:      "Ledger mutations rejected for insufficient balance.",
		},
		[]string{"pool", "asset"},
	)

	ledgerMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "ledger",
			Name:      "mismatches_total",
			Help:      "Settled payments the ledger could not apply to a pool.",
		},
		[]string{"pool"},
	)

	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "store",
			Name:      "save_failures_total",
			Help:      "Account saves that failed after every retry.",
		},
	)

	reconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "sweeper",
			Name:      "reconciled_total",
			Help:      "Pending payments checked by the reconciler.",
		},
		[]string{"outcome"},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-account rate limiter.",
		},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by endpoint and final result.",
		},
		[]string{"endpoint", "result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		deployments,
		confirmationDuration,
		pendingPayments,
		ledgerRejections,
		ledgerMismatches,
		persistFailures,
		reconciled,
		webhookDeliveries,
		rateLimited,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveDeployment counts a finished deployment
func ObserveDeployment(method, result string) {
	deployments.WithLabelValues(method, result).Inc()
}

// ObserveConfirmation records how long an on-chain payment took to settle
func ObserveConfirmation(outcome string, d time.Duration) {
	confirmationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// PaymentSubmitted increments the pending payments gauge
func PaymentSubmitted() {
	pendingPayments.Inc()
}

// PaymentSettled decrements the pending payments gauge
func PaymentSettled() {
	pendingPayments.Dec()
}

// SetPendingPayments resets the gauge, used after restoring state
func SetPendingPayments(n int) {
	pendingPayments.Set(float64(n))
}

// ObserveLedgerRejection counts a rejected debit or reservation
func ObserveLedgerRejection(pool, asset string) {
	ledgerRejections.WithLabelValues(pool, asset).Inc()
}

// ObserveLedgerMismatch counts a settled payment the pool balance does not reflect
func ObserveLedgerMismatch(pool string) {
	ledgerMismatches.WithLabelValues(pool).Inc()
}

// ObservePersistFailure counts an account save that exhausted its retries
func ObservePersistFailure() {
	persistFailures.Inc()
}

// ObserveReconciled counts a pending payment checked by the reconciler
func ObserveReconciled(outcome string) {
	reconciled.WithLabelValues(outcome).Inc()
}

// ObserveWebhookDelivery counts a finished webhook delivery
func ObserveWebhookDelivery(endpoint, result string) {
	webhookDeliveries.WithLabelValues(endpoint, result).Inc()
}

// ObserveRateLimited counts a request rejected by the rate limiter
func ObserveRateLimited() {
	rateLimited.Inc()
}

// ObserveHTTP records a handled HTTP request
func ObserveHTTP(method, path string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
