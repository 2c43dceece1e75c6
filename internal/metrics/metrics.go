// Package metrics defines the Prometheus instruments shared by the server, worker and
// scheduler binaries.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeDiscarded = "discarded"
)

// Notification outcomes.
const (
	NotificationSent   = "sent"
	NotificationGone   = "gone"
	NotificationFailed = "failed"
)

// Metrics holds all Prometheus instruments for the pipeline.
type Metrics struct {
	registry prometheus.Gatherer

	// Job queue and transcode worker
	JobsProcessed     *prometheus.CounterVec
	JobsRecovered     prometheus.Counter
	TranscodeDuration prometheus.Histogram

	// Cleanup enforcer
	SweepsTotal   prometheus.Counter
	SweepsSkipped prometheus.Counter
	SweepPurged   prometheus.Counter
	SweepErrors   prometheus.Counter
	SweepDuration prometheus.Histogram

	// Notification dispatcher
	Notifications *prometheus.CounterVec

	// HTTP API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers every instrument on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premiere_jobs_processed_total",
			Help: "Transcode job attempts by outcome",
		}, []string{"outcome"}),
		JobsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "premiere_jobs_recovered_total",
			Help: "Jobs re-announced after their lease expired or their announcement was lost",
		}),
		TranscodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "premiere_transcode_duration_seconds",
			Help:    "Wall time of a transcode attempt",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}),

		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "premiere_cleanup_sweeps_total",
			Help: "Cleanup sweeps that ran",
		}),
		SweepsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "premiere_cleanup_sweeps_skipped_total",
			Help: "Cleanup sweeps skipped because another sweep was running",
		}),
		SweepPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "premiere_cleanup_purged_total",
			Help: "Premieres purged by the cleanup enforcer",
		}),
		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "premiere_cleanup_errors_total",
			Help: "Per-premiere purge failures",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "premiere_cleanup_sweep_duration_seconds",
			Help:    "Duration of cleanup sweeps",
			Buckets: prometheus.DefBuckets,
		}),

		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premiere_notifications_total",
			Help: "Push notification deliveries by outcome",
		}, []string{"outcome"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "premiere_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "premiere_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveJob counts one job attempt. Safe on a nil receiver.
func (m *Metrics) ObserveJob(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(outcome).Inc()
	if took > 0 {
		m.TranscodeDuration.Observe(took.Seconds())
	}
}

// ObserveRecovered counts re-announced jobs. Safe on a nil receiver.
func (m *Metrics) ObserveRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsRecovered.Add(float64(n))
}

// ObserveSweep records a finished sweep. Safe on a nil receiver.
func (m *Metrics) ObserveSweep(purged, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepsTotal.Inc()
	m.SweepPurged.Add(float64(purged))
	m.SweepErrors.Add(float64(failed))
	m.SweepDuration.Observe(took.Seconds())
}

// ObserveSweepSkipped counts a sweep that did not run. Safe on a nil receiver.
func (m *Metrics) ObserveSweepSkipped() {
	if m == nil {
		return
	}
	m.SweepsSkipped.Inc()
}

// ObserveNotification counts one delivery attempt. Safe on a nil receiver.
func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency per matched route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
