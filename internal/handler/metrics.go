package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/erash/internal/wipe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	erashRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erash_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	erashRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erash_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	erashWipeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erash_wipe_transitions_total",
		Help: "Wipe operation status transitions by target status and mode.",
	}, []string{"status", "mode"})

	erashWipesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erash_wipes_active",
		Help: "Wipe operations currently pending or running.",
	})

	erashWipeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "erash_wipe_duration_seconds",
		Help:    "Wall time of finished wipe operations by method and result.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"method", "status"})

	erashLedgerBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erash_ledger_blocks_total",
		Help: "Total ledger blocks appended by this process.",
	})

	erashLedgerSealed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "erash_ledger_sealed",
		Help: "1 while the ledger refuses appends after an integrity failure.",
	})

	erashCertificatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erash_certificates_issued_total",
		Help: "Certificates issued, by whether they were recorded on the ledger.",
	}, []string{"on_ledger"})

	erashWatchdogAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erash_watchdog_aborts_total",
		Help: "Operations failed by the watchdog, by reason.",
	}, []string{"reason"})

	erashVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "erash_verifications_total",
		Help: "Certificate verifications by outcome.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		erashRequestsTotal.WithLabelValues(method, path, status).Inc()
		erashRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordWipeTransition records a status change. It has the shape of
// wipe.TransitionHook so it can be registered directly.
func RecordWipeTransition(from, to wipe.Status, snap wipe.Snapshot) {
	erashWipeTransitionsTotal.WithLabelValues(string(to), string(snap.Mode)).Inc()
	switch {
	case from == "":
		erashWipesActive.Inc()
	case to.Terminal():
		erashWipesActive.Dec()
		if d := snap.Duration(); d > 0 {
			erashWipeDuration.WithLabelValues(string(snap.Method), string(to)).Observe(d.Seconds())
		}
	}
}

// RecordLedgerAppend records a ledger block append.
func RecordLedgerAppend() {
	erashLedgerBlocksTotal.Inc()
}

// SetLedgerSealed flips the sealed gauge.
func SetLedgerSealed(sealed bool) {
	if sealed {
		erashLedgerSealed.Set(1)
	} else {
		erashLedgerSealed.Set(0)
	}
}

// RecordCertificate records an issued certificate.
func RecordCertificate(onLedger bool) {
	erashCertificatesTotal.WithLabelValues(strconv.FormatBool(onLedger)).Inc()
}

// RecordWatchdogAbort records an operation failed by the watchdog.
func RecordWatchdogAbort(reason string) {
	erashWatchdogAbortsTotal.WithLabelValues(reason).Inc()
}

// RecordVerification records a verification outcome.
func RecordVerification(result string) {
	erashVerificationsTotal.WithLabelValues(result).Inc()
}
