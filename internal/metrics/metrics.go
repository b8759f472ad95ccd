// Package metrics holds the Prometheus collectors for the session pool and
// ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session pool
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupwatch_sessions_active",
			Help: "Sessions currently held by the pool",
		},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_session_transitions_total",
			Help: "Session state transitions",
		},
		[]string{"to"},
	)

	SessionsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_sessions_removed_total",
			Help: "Sessions removed from the pool",
		},
		[]string{"reason"}, // "explicit", "inactive", "shutdown"
	)

	// Initialization queue
	InitQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupwatch_init_queue_depth",
			Help: "Startup jobs waiting in the initialization queue",
		},
	)

	InitJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_init_jobs_total",
			Help: "Startup jobs run by the initialization queue",
		},
		[]string{"outcome"}, // "ok", "failed", "canceled"
	)

	InitJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupwatch_init_job_duration_seconds",
			Help:    "Time spent running one startup job",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Readiness
	ReadinessProbeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupwatch_readiness_probe_errors_total",
			Help: "Failed readiness probes",
		},
	)

	ReadinessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupwatch_readiness_duration_seconds",
			Help:    "Time from authentication to ready",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"reason"}, // "stable", "budget", "error_override"
	)

	// Ingestion
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_messages_ingested_total",
			Help: "Inbound messages seen by the ingestion pipeline",
		},
		[]string{"result"}, // "accepted", "duplicate", "filtered"
	)

	AttachmentDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_attachment_downloads_total",
			Help: "Attachment downloads by final outcome",
		},
		[]string{"outcome"}, // "ok", "failed"
	)

	AttachmentAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupwatch_attachment_attempts_total",
			Help: "Individual attachment download attempts",
		},
	)

	// Events
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwatch_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"type"},
	)
)
