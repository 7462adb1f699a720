package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики backoffice-аутентификации.
var (
	loginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backoffice_login_attempts_total",
			Help: "Back-office sign-in attempts by terminal outcome.",
		},
		[]string{"result"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_lockouts_total",
		Help: "Accounts transitioned into the locked-out state.",
	})

	ticketRenewalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_ticket_renewals_total",
		Help: "Authentication tickets silently re-issued (sliding expiration).",
	})

	stampRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backoffice_stamp_rejections_total",
		Help: "Sessions rejected because of a security-stamp mismatch.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginAttemptsTotal, lockoutsTotal, ticketRenewalsTotal, stampRejectionsTotal,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLoginAttempt counts a terminal sign-in outcome ("success", "failed",
// "locked_out", "requires_verification").
func ObserveLoginAttempt(result string) {
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveLockout counts a transition into the locked-out state.
func ObserveLockout() { lockoutsTotal.Inc() }

// ObserveTicketRenewal counts a silent ticket re-issue.
func ObserveTicketRenewal() { ticketRenewalsTotal.Inc() }

// ObserveStampRejection counts a forced sign-out on stamp mismatch.
func ObserveStampRejection() { stampRejectionsTotal.Inc() }

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // без роутера берём как есть
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
