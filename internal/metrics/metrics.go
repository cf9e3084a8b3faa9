// Package metrics registers the Prometheus instruments exposed on /metrics.
// Init must be called once before the pipeline or HTTP server starts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	StageCallsTotal     *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	PendingRecords      prometheus.Gauge
	TasksRunning        prometheus.Gauge
)

func Init() {
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsieve_http_requests_total",
			Help: "Total number of HTTP API requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadsieve_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	StageCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadsieve_stage_calls_total",
			Help: "Pipeline stage invocations by outcome.",
		},
		[]string{"stage", "status"}, // stage: crawl, analyze, extract; status: ok, error, cancelled
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadsieve_stage_duration_seconds",
			Help:    "Duration of pipeline stage calls.",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
		},
		[]string{"stage"},
	)

	PendingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadsieve_pending_records",
			Help: "Records currently eligible for processing.",
		},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadsieve_tasks_running",
			Help: "Background tasks currently running.",
		},
	)
}

// ObserveStage records one stage call. Safe to call before Init only in
// tests that never scrape.
func ObserveStage(stage, status string, seconds float64) {
	if StageCallsTotal == nil {
		return
	}
	StageCallsTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(seconds)
}
