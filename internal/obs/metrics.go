// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_produced_total",
		Help: "Total number of jobs enqueued, by queue kind",
	}, []string{"queue"})
	JobsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_consumed_total",
		Help: "Total number of jobs reserved by workers, by queue kind",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs, by queue kind",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs, by queue kind",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries, by queue kind",
	}, []string{"queue"})
	JobsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to a dead letter queue, by queue kind",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job processing durations, by queue kind",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of a named queue",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by pool",
	}, []string{"pool"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a pool's circuit breaker transitioned to Open",
	}, []string{"pool"})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of jobs recovered by the reaper from processing lists",
	}, []string{"queue"})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines, by pool",
	}, []string{"pool"})

	FilesScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "files_scanned_total",
		Help: "Total number of source files discovered by the scanner",
	})
	BatchesConstructed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batches_constructed_total",
		Help: "Total number of analysis batches constructed",
	})
	POIsExtracted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pois_extracted_total",
		Help: "Total number of points of interest extracted by the analysis worker",
	})
	RelationshipsProposed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relationships_proposed_total",
		Help: "Total number of relationship candidates proposed by the resolution worker",
	})
	CandidatesScored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "candidates_scored_total",
		Help: "Total number of relationship candidates scored, by confidence level",
	}, []string{"level"})
	CandidatesEscalated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "candidates_escalated_total",
		Help: "Total number of candidates escalated to triangulation",
	})
	TriangulationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "triangulation_outcomes_total",
		Help: "Total number of triangulation sessions, by outcome",
	}, []string{"outcome"})
	GraphNodesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graph_nodes_merged_total",
		Help: "Total number of idempotent node merges applied to the graph store",
	})
	GraphEdgesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "graph_edges_merged_total",
		Help: "Total number of idempotent edge merges applied to the graph store",
	})
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Current number of pending outbox events",
	})
	OutboxDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dispatched_total",
		Help: "Total number of outbox events successfully dispatched",
	})
	OutboxFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Total number of outbox events that exhausted their dispatch attempts",
	})
)

func init() {
	prometheus.MustRegister(
		JobsProduced, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried, JobsDeadLetter,
		JobProcessingDuration, QueueLength, CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, WorkerActive,
		FilesScanned, BatchesConstructed, POIsExtracted, RelationshipsProposed,
		CandidatesScored, CandidatesEscalated, TriangulationOutcomes,
		GraphNodesMerged, GraphEdgesMerged, OutboxPending, OutboxDispatched, OutboxFailed,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
