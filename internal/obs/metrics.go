package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbos_document_transitions_total",
			Help: "Approval gate transitions by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	lockAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbos_edit_lock_attempts_total",
			Help: "Edit lock acquire/release attempts by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	guardChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbos_guard_checks_total",
			Help: "Data guard checks by verdict (valid, rejected, skipped).",
		},
		[]string{"verdict"},
	)

	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbos_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	pendingApprovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tbos_pending_technical_approvals",
		Help: "Documents waiting on technical review, as last counted by the feed.",
	})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tbos_http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tbos_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tbos_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Init registers collectors in the default registry. Safe to call repeatedly.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			transitionsTotal,
			lockAttemptsTotal,
			guardChecksTotal,
			webhookDeliveriesTotal,
			pendingApprovals,
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveTransition(operation, outcome string) {
	transitionsTotal.WithLabelValues(operation, outcome).Inc()
}

func ObserveLock(operation, outcome string) {
	lockAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

func ObserveGuard(verdict string) {
	guardChecksTotal.WithLabelValues(verdict).Inc()
}

func ObserveWebhook(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

func SetPendingApprovals(n int) {
	pendingApprovals.Set(float64(n))
}

// Instrument records request counts and latencies. route maps a request to
// a low-cardinality label.
func Instrument(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpInFlight.Inc()
			defer httpInFlight.Dec()
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sw, r)
			label := r.URL.Path
			if route != nil {
				label = route(r)
			}
			status := strconv.Itoa(sw.code)
			httpRequestDuration.WithLabelValues(r.Method, label, status).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(r.Method, label, status).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
