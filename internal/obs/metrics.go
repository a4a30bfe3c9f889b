// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of jobs consumed by workers, by queue",
	}, []string{"queue"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_succeeded_total",
		Help: "Total number of jobs that completed without error, by func",
	}, []string{"func"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that returned an error, by func",
	}, []string{"func"})
	JobsTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_timed_out_total",
		Help: "Total number of jobs that hit their per-job timeout, by func",
	}, []string{"func"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations by func",
		Buckets: prometheus.DefBuckets,
	}, []string{"func"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a named queue",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by breaker name",
	}, []string{"breaker"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"breaker"})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of undispatched result IDs re-enqueued for dispatch by the reaper",
	}, []string{"queue"})
	SalvagedResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "salvaged_results_total",
		Help: "Total number of buffered result IDs salvaged by the timeout handler, by connector",
	}, []string{"connector"})
	RefcountAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binary_refcount_anomalies_total",
		Help: "Total number of observed negative refcount decrements",
	})
	BinariesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "binaries_evicted_total",
		Help: "Total number of binaries whose cache entry was flushed after refcount reached zero",
	})
	ResultsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "results_dispatched_total",
		Help: "Total number of analysis results successfully appended to a sink",
	}, []string{"connector", "sink_kind"})
	DispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_failures_total",
		Help: "Total number of failed sink append attempts",
	}, []string{"connector", "sink_kind"})
	ScheduledRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduled_query_runs_total",
		Help: "Total number of cron-triggered saved-query ingestions",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, by queue",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		JobsConsumed, JobsSucceeded, JobsFailed, JobsTimedOut, JobProcessingDuration,
		QueueLength, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
		SalvagedResults, RefcountAnomalies, BinariesEvicted, ResultsDispatched,
		DispatchFailures, ScheduledRuns, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for parity with StartHTTPServer, which also serves
// health/readiness.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
