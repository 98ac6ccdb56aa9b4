package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerter_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerter_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120, 300},
		},
		[]string{"method", "path"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerter_runs_total",
			Help: "Batch runs by frequency and result (ok, timed_out, failed, locked)",
		},
		[]string{"frequency", "result"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerter_run_duration_seconds",
			Help:    "Wall-clock duration of batch runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 600},
		},
		[]string{"frequency"},
	)

	subscriptionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerter_subscription_outcomes_total",
			Help: "Per-subscription outcomes by final state",
		},
		[]string{"frequency", "state"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerter_notifications_sent_total",
			Help: "Notifications accepted by the email transport",
		},
		[]string{"frequency"},
	)

	retrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alerter_retrieval_duration_seconds",
			Help:    "Match lookup latency including paging",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 10},
		},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alerter_dispatch_duration_seconds",
			Help:    "Email transport call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"transport", "status"},
	)

	breakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerter_breaker_rejections_total",
			Help: "Transport calls rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	quotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerter_send_quota_rejections_total",
			Help: "Transport calls rejected by the send quota",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRun records the result and duration of one batch run.
func RecordRun(frequency, result string, duration time.Duration) {
	runsTotal.WithLabelValues(frequency, result).Inc()
	runDuration.WithLabelValues(frequency).Observe(duration.Seconds())
}

// RecordOutcome counts a subscription reaching a final state.
func RecordOutcome(frequency, state string) {
	subscriptionOutcomes.WithLabelValues(frequency, state).Inc()
}

// RecordNotificationSent counts an accepted notification.
func RecordNotificationSent(frequency string) {
	notificationsSent.WithLabelValues(frequency).Inc()
}

// RecordRetrieval records match lookup latency.
func RecordRetrieval(duration time.Duration) {
	retrievalDuration.Observe(duration.Seconds())
}

// RecordDispatch records a transport call.
func RecordDispatch(transport string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	dispatchDuration.WithLabelValues(transport, status).Observe(duration.Seconds())
}

// RecordBreakerRejection counts a fail-fast rejection.
func RecordBreakerRejection(breaker string) {
	breakerRejections.WithLabelValues(breaker).Inc()
}

// RecordQuotaRejection counts a send refused by the quota.
func RecordQuotaRejection() {
	quotaRejections.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. The
// route pattern is used as the path label to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if pattern := routePattern(r); pattern != "" {
			path = pattern
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
