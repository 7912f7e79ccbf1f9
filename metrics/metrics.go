package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AllocationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_allocation_requests_total",
			Help: "AssignProfiles calls by outcome",
		},
		[]string{"outcome"},
	)

	ProfilesBoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_bindings_created_total",
			Help: "Profile bindings created by platform",
		},
		[]string{"platform"},
	)

	UnassignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_unassignments_total",
			Help: "UnassignProfile calls by result (released or noop)",
		},
		[]string{"result"},
	)

	LifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_lifecycle_transitions_total",
			Help: "Subscription status transitions applied by the lifecycle sweep",
		},
		[]string{"transition"},
	)

	LifecycleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_lifecycle_failures_total",
			Help: "Subscription transitions that failed during a sweep",
		},
		[]string{"transition"},
	)

	LifecycleSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subscription_lifecycle_sweep_duration_seconds",
			Help:    "Duration of full lifecycle sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerJobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduled job executions by job and result",
		},
		[]string{"job", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "currency_rate_refreshes_total",
			Help: "Currency rate refresh attempts by result",
		},
		[]string{"result"},
	)
)

// RegisterDBStats exposes database/sql pool statistics.
func RegisterDBStats(db *sql.DB, name string) error {
	return prometheus.Register(collectors.NewDBStatsCollector(db, name))
}
