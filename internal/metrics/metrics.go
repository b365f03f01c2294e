// Package metrics provides Prometheus metrics for the fastpan server.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fastpan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	sharesLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastpan_shares_live",
			Help: "Number of share links held by the store",
		},
	)

	sharesIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpan_shares_issued_total",
			Help: "Share link issuance attempts by result",
		},
		[]string{"result"},
	)

	shareRedeemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpan_share_redeems_total",
			Help: "Share link redemptions by result",
		},
		[]string{"result"},
	)

	sharesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastpan_shares_reaped_total",
			Help: "Expired share links removed from the store",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fastpan_sessions_active",
			Help: "Number of login sessions in the session table",
		},
	)

	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpan_login_attempts_total",
			Help: "Login attempts by result",
		},
		[]string{"result"},
	)

	bytesServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fastpan_bytes_served_total",
			Help: "Bytes written to download responses",
		},
		[]string{"kind"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fastpan_bytes_uploaded_total",
			Help: "Bytes accepted by upload endpoints",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetSharesLive(n int) {
	sharesLive.Set(float64(n))
}

func RecordShareIssued(result string) {
	sharesIssuedTotal.WithLabelValues(result).Inc()
}

func RecordShareRedeem(result string) {
	shareRedeemsTotal.WithLabelValues(result).Inc()
}

func RecordSharesReaped(n int) {
	sharesReapedTotal.Add(float64(n))
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

func RecordLogin(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordBytesServed counts download bytes; kind is "file", "zip" or "share".
func RecordBytesServed(kind string, n int64) {
	if n > 0 {
		bytesServed.WithLabelValues(kind).Add(float64(n))
	}
}

func RecordBytesUploaded(n int64) {
	if n > 0 {
		bytesUploaded.Add(float64(n))
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency. Paths are not used as a
// label: share tokens and file names would explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
