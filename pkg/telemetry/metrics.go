// Package telemetry exposes Prometheus metrics for the engine.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_started_total", Help: "Jobs claimed by a worker"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_failed_total", Help: "Jobs that failed permanently"})
	JobsCancelled     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_cancelled_total", Help: "Jobs cancelled by their owner"})
	JobsInterrupted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_interrupted_total", Help: "Jobs reclassified as interrupted at startup"})
	JobsRecovered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_jobs_recovered_total", Help: "Recovery jobs created from interrupted jobs"})
	IdemClaims        = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_idempotency_claims_total", Help: "Idempotency claims acquired"})
	IdemReplays       = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_idempotency_replays_total", Help: "Results replayed from completed idempotency records"})
	IdemConflicts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_idempotency_conflicts_total", Help: "Claims refused because a record was in flight or a lock was held"})
	StreamSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_stream_subscribers", Help: "Open progress stream connections"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsInterrupted,
			JobsRecovered,
			IdemClaims,
			IdemReplays,
			IdemConflicts,
			StreamSubscribers,
		)
	})
	return promhttp.Handler()
}
