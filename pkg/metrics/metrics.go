// Package metrics provides Prometheus metrics collection for the HTTP API
// and the messaging domain (sessions, sends, dispatch jobs, auto-replies).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const subsystem = "dispatch"

// Metrics provides Prometheus metrics collection.
type Metrics struct {
	reg *prometheus.Registry

	TotalHTTPRequestsCounter prometheus.Counter
	HTTPRequestsCounters     map[int]prometheus.Counter
	HTTPDurationHistogram    prometheus.Histogram

	ActiveSessionsGauge    prometheus.Gauge
	MessagesSentCounter    prometheus.Counter
	MessagesFailedCounter  prometheus.Counter
	AutoRepliesCounter     prometheus.Counter
	DispatchJobsSucceeded  prometheus.Counter
	DispatchJobsFailed     prometheus.Counter
	DispatchJobRetries     prometheus.Counter

	server *http.Server
	log    logger.Logger
}

// NewMetrics creates a new Metrics instance with the specified collectors enabled.
func NewMetrics(httpCounters, domainCounters bool, l logger.Logger) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		log: l,
	}
	if httpCounters {
		m.TotalHTTPRequestsCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "total_http_requests",
			Help:      "Total HTTP requests",
		})
		m.reg.MustRegister(m.TotalHTTPRequestsCounter)
		m.HTTPRequestsCounters = make(map[int]prometheus.Counter)

		m.HTTPDurationHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.1, 0.3, 0.5, 0.7, 1.0, 3.0, 5.0, 7.0, 10.0},
		})
		m.reg.MustRegister(m.HTTPDurationHistogram)
	}
	if domainCounters {
		m.ActiveSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of channel sessions with a live in-memory handle",
		})
		m.MessagesSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total messages delivered through a channel handle",
		})
		m.MessagesFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "messages_failed_total",
			Help:      "Total message deliveries that failed",
		})
		m.AutoRepliesCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "auto_replies_total",
			Help:      "Total automatic replies sent",
		})
		m.DispatchJobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dispatch_jobs_succeeded_total",
			Help:      "Total dispatch jobs that reached a terminal sent status",
		})
		m.DispatchJobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dispatch_jobs_failed_total",
			Help:      "Total dispatch jobs that reached a terminal error status",
		})
		m.DispatchJobRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "dispatch_job_retries_total",
			Help:      "Total dispatch job attempts beyond the first",
		})
		m.reg.MustRegister(
			m.ActiveSessionsGauge,
			m.MessagesSentCounter,
			m.MessagesFailedCounter,
			m.AutoRepliesCounter,
			m.DispatchJobsSucceeded,
			m.DispatchJobsFailed,
			m.DispatchJobRetries,
		)
	}
	return m
}

// Listen starts the metrics HTTP server on the specified port and returns
// a channel carrying the listener error, if any.
func (m *Metrics) Listen(port int) chan error {
	m.log.Info("Starting metrics listener", logger.IntField("port", port))
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
		close(errChan)
	}()
	return errChan
}

// Shutdown stops the metrics listener.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	m.log.Info("Stopping metrics listener")
	return m.server.Shutdown(ctx)
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Domain helpers. Safe to call when domain counters are disabled.

// SessionRegistered increments the active session gauge.
func (m *Metrics) SessionRegistered() {
	if m.ActiveSessionsGauge != nil {
		m.ActiveSessionsGauge.Inc()
	}
}

// SessionRemoved decrements the active session gauge.
func (m *Metrics) SessionRemoved() {
	if m.ActiveSessionsGauge != nil {
		m.ActiveSessionsGauge.Dec()
	}
}

// MessageSent records a successful channel delivery.
func (m *Metrics) MessageSent() {
	if m.MessagesSentCounter != nil {
		m.MessagesSentCounter.Inc()
	}
}

// MessageFailed records a failed channel delivery.
func (m *Metrics) MessageFailed() {
	if m.MessagesFailedCounter != nil {
		m.MessagesFailedCounter.Inc()
	}
}

// AutoReplySent records a delivered automatic reply.
func (m *Metrics) AutoReplySent() {
	if m.AutoRepliesCounter != nil {
		m.AutoRepliesCounter.Inc()
	}
}

// DispatchJobFinished records a dispatch job outcome.
func (m *Metrics) DispatchJobFinished(succeeded bool) {
	if succeeded {
		if m.DispatchJobsSucceeded != nil {
			m.DispatchJobsSucceeded.Inc()
		}
	} else if m.DispatchJobsFailed != nil {
		m.DispatchJobsFailed.Inc()
	}
}

// DispatchJobRetried records a dispatch job attempt beyond the first.
func (m *Metrics) DispatchJobRetried() {
	if m.DispatchJobRetries != nil {
		m.DispatchJobRetries.Inc()
	}
}

// IncrementHTTPResponseCounter increments the counter for the given HTTP status code.
func (m *Metrics) IncrementHTTPResponseCounter(code int) {
	_, ok := m.HTTPRequestsCounters[code]
	if !ok {
		m.HTTPRequestsCounters[code] = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      fmt.Sprintf("total_%d_http_responses", code),
			Help:      fmt.Sprintf("Total %s HTTP responses returned", http.StatusText(code)),
		})
		m.reg.MustRegister(m.HTTPRequestsCounters[code])
	}
	m.HTTPRequestsCounters[code].Inc()
}

// HTTPMiddleware returns a chi-compatible middleware that tracks HTTP metrics
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.TotalHTTPRequestsCounter.Inc()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			m.HTTPDurationHistogram.Observe(time.Since(start).Seconds())
			m.IncrementHTTPResponseCounter(rw.statusCode)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
