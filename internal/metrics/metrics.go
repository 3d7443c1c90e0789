// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_jobs_enqueued_total",
		Help: "Inference jobs added to the work queue",
	})
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_jobs_processed_total",
		Help: "Job attempts finished by the worker pool, by outcome",
	}, []string{"outcome"})
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftwatch_job_duration_seconds",
		Help:    "Time spent in the job handler per attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_worker_active_jobs",
		Help: "Jobs currently being processed on this node",
	})
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_status_transitions_total",
		Help: "Job status transitions applied, by target status",
	}, []string{"status"})
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "driftwatch_websocket_connections",
		Help: "Authenticated WebSocket connections",
	})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwatch_notifications_total",
		Help: "Notification deliveries, by result",
	}, []string{"result"})
	CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwatch_credits_charged_total",
		Help: "Credits deducted for uploads",
	})
)

// HTTPRequests is labelled by chi route pattern, not raw path, to keep
// cardinality bounded.
var HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "driftwatch_http_request_duration_seconds",
	Help:    "HTTP request latency by route and status class",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})
