// Package metrics provides Prometheus instrumentation for the custody engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts accepted deposits, partitioned by mint.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_deposits_total",
		Help: "Total number of accepted deposits",
	}, []string{"mint"})

	// WithdrawalsQueuedTotal counts queued withdrawal requests.
	WithdrawalsQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_withdrawals_queued_total",
		Help: "Total number of queued withdrawal requests",
	}, []string{"mint"})

	// ReleasesTotal counts successful withdrawal releases.
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_releases_total",
		Help: "Total number of released withdrawals",
	}, []string{"mint"})

	// QueueRejections counts withdrawals rejected because the queue was full.
	QueueRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundlock_queue_rejections_total",
		Help: "Withdrawal requests rejected by the queue capacity limit",
	})

	// SettlementBatchesTotal counts applied settlement batches by source.
	SettlementBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_settlement_batches_total",
		Help: "Total settlement batches applied",
	}, []string{"source"})

	// CollateralDepositsTotal counts collateral bridge deposits and redeems.
	CollateralDepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_collateral_operations_total",
		Help: "Collateral bridge operations",
	}, []string{"op"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundlock_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fundlock_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
