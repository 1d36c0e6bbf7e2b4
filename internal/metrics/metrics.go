// Package metrics exposes Prometheus instruments for alignment passes, jobs
// and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"particlestack/internal/align"
)

var (
	imagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "particlestack_images_processed_total",
			Help: "Images aligned, by pass and outcome",
		},
		[]string{"pass", "outcome"}, // outcome: accepted, rejected
	)

	correlationScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "particlestack_correlation_score",
			Help:    "Peak cross-correlation score per image",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
		},
		[]string{"pass"},
	)

	batchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "particlestack_batches_in_flight",
			Help: "Alignment passes currently running",
		},
	)

	batchAcceptanceRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "particlestack_batch_acceptance_rate",
			Help: "Acceptance rate of the last completed pass",
		},
		[]string{"pass"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "particlestack_jobs_total",
			Help: "Jobs finished, by type and status",
		},
		[]string{"type", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "particlestack_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"type"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "particlestack_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "particlestack_websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)
)

// Observer feeds alignment events of one pass into the collectors.
type Observer struct {
	pass    string
	started bool
}

// NewObserver marks a pass as in flight. The gauge is released when the
// batch completes.
func NewObserver(pass string) *Observer {
	batchesInFlight.Inc()
	return &Observer{pass: pass, started: true}
}

func (o *Observer) ImageProcessed(rec align.Record) {
	outcome := "rejected"
	if rec.Accepted {
		outcome = "accepted"
	}
	imagesProcessed.WithLabelValues(o.pass, outcome).Inc()
	correlationScore.WithLabelValues(o.pass).Observe(rec.Score)
}

func (o *Observer) BatchCompleted(sum align.Summary) {
	batchAcceptanceRate.WithLabelValues(o.pass).Set(sum.Stats.AcceptanceRate())
	o.Release()
}

// Release decrements the in-flight gauge if the batch never completed.
// It is safe to call more than once.
func (o *Observer) Release() {
	if o.started {
		o.started = false
		batchesInFlight.Dec()
	}
}

// ObserveJob records a finished job.
func ObserveJob(jobType, status string, d time.Duration) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// ObserveHTTP records a served request.
func ObserveHTTP(method, route string, status int) {
	httpRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
}

// WebsocketConnected adjusts the active connection gauge by delta.
func WebsocketConnected(delta int) {
	websocketConnections.Add(float64(delta))
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
