// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs admitted by submission intake",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached the completed terminal state",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached the failed terminal state",
	})
	StagesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stages_dispatched_total",
		Help: "Total number of stage tasks dispatched, by stage",
	}, []string{"stage"})
	StagesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stages_completed_total",
		Help: "Total number of stage completion events processed, by stage and status",
	}, []string{"stage", "status"})
	StageProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stage_processing_duration_seconds",
		Help:    "Histogram of time between a stage's dispatch and its completion event",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of orchestrator queues",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of stage tasks recovered by the reaper from abandoned processing lists",
	})
	ReaperEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_jobs_evicted_total",
		Help: "Total number of terminal jobs evicted from the job state index by the reaper",
	})
	SubmissionsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "submissions_rate_limited_total",
		Help: "Total number of job submissions rejected by the per-IP rate limiter",
	})
	EventsConsumerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "events_consumer_active",
		Help: "Number of active events consumer goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsCompleted, JobsFailed,
		StagesDispatched, StagesCompleted, StageProcessingDuration,
		QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, ReaperEvicted, SubmissionsRateLimited, EventsConsumerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; StartHTTPServer also registers
// health endpoints alongside metrics.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
