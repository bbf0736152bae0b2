// Package metrics exposes Prometheus collectors for the orchestration core.
//
// Collectors follow the RED method (rate, errors, duration) for jobs and
// pipeline cycles, plus gauges for queue depth and breaker state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// JobsEnqueued counts jobs accepted into the queue, by type
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_enqueued_total",
		Help: "Total jobs enqueued, by job type",
	}, []string{"type"})

	// JobsCompleted counts successfully completed jobs, by type
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_completed_total",
		Help: "Total jobs completed successfully, by job type",
	}, []string{"type"})

	// JobsFailed counts failed jobs, by type and failure reason
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_failed_total",
		Help: "Total jobs failed, by job type and reason",
	}, []string{"type", "reason"})

	// JobsCancelled counts cancelled jobs, by type
	JobsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_jobs_cancelled_total",
		Help: "Total jobs cancelled, by job type",
	}, []string{"type"})

	// JobDuration observes wall-clock job execution time
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cadence_job_duration_seconds",
		Help:    "Job execution duration in seconds, by job type",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"type"})

	// JobsPending gauges the current queue depth
	JobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cadence_jobs_pending",
		Help: "Current number of pending jobs",
	})

	// BreakerState gauges breaker state per dependency (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cadence_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// BreakerTransitions counts breaker state transitions per dependency
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by dependency and target state",
	}, []string{"dependency", "to"})

	// CyclesRun counts autonomous pipeline cycles, by outcome
	CyclesRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_autopilot_cycles_total",
		Help: "Autonomous pipeline cycles run, by outcome",
	}, []string{"outcome"})

	// ContactsEnrolled counts contacts passed to the outreach stage
	ContactsEnrolled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadence_contacts_enrolled_total",
		Help: "Total contacts enrolled into campaigns by the autonomous pipeline",
	})

	// EventsApplied counts campaign events applied, by event type
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cadence_campaign_events_applied_total",
		Help: "Campaign events applied to enrollments, by event type",
	}, []string{"event_type"})

	// EventsDeduplicated counts events dropped as duplicates
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cadence_campaign_events_deduplicated_total",
		Help: "Campaign events ignored because their idempotency key was already applied",
	})
)

// ObserveJobDuration records a job execution duration
func ObserveJobDuration(jobType string, start time.Time) {
	JobDuration.WithLabelValues(jobType).Observe(time.Since(start).Seconds())
}

// Serve starts a blocking HTTP listener exposing /metrics.
// Run it in its own goroutine; it returns when the listener fails.
func Serve(addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if logger != nil {
		logger.Infow("Metrics listener started", "addr", addr)
	}
	return http.ListenAndServe(addr, mux)
}
