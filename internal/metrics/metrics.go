// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcore",
		Name:      "active_sessions",
		Help:      "Number of torrent sessions currently exchanging data.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcore",
		Name:      "download_speed_bytes",
		Help:      "Aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "btcore",
		Name:      "upload_speed_bytes",
		Help:      "Aggregate upload speed in bytes per second.",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btcore",
		Name:      "commands_total",
		Help:      "Engine commands processed, by command name and outcome.",
	}, []string{"command", "outcome"})

	LoopJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "btcore",
		Name:      "loop_jobs_total",
		Help:      "Units of work executed on the engine loop.",
	})

	LoopLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "btcore",
		Name:      "loop_latency_seconds",
		Help:      "Delay between a timer's scheduled and actual run time.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	LoopOverloadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "btcore",
		Name:      "loop_overload_total",
		Help:      "Times the engine loop ran a timer later than the overload threshold.",
	})

	SnapshotPushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "btcore",
		Name:      "snapshot_pushes_total",
		Help:      "State snapshots pushed to subscribers.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btcore",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "btcore",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})
)

// Register attaches all collectors to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ActiveSessions,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		CommandsTotal,
		LoopJobsTotal,
		LoopLatencySeconds,
		LoopOverloadTotal,
		SnapshotPushesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
