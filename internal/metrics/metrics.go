// Package metrics holds the Prometheus collectors shared by the lock and the
// job runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// LockAcquisitions counts acquisition attempts by outcome.
	LockAcquisitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfence_lock_acquisitions_total",
		Help: "Lock acquisition attempts by outcome (acquired, conflict, contended)",
	}, []string{"queue", "job", "outcome"})
	// LockReclaims counts stale records deleted by reclamation.
	LockReclaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfence_lock_reclaims_total",
		Help: "Stale lock records deleted by reclamation",
	}, []string{"queue", "job"})
	// JobRuns counts finished job runs by terminal status.
	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfence_job_runs_total",
		Help: "Finished job runs by terminal status",
	}, []string{"queue", "job", "status"})
	// JobRunDuration observes the wall time of a run from start to finalization.
	JobRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobfence_job_run_duration_seconds",
		Help:    "Wall time of a job run from ledger creation to finalization",
		Buckets: []float64{0.01, 0.1, 1, 5, 30, 60, 120, 300},
	}, []string{"queue", "job"})
	// HeartbeatTicks counts completed heartbeat iterations.
	HeartbeatTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobfence_heartbeat_ticks_total",
		Help: "Heartbeat iterations executed while holding a lock",
	}, []string{"queue", "job"})
	// RunningJobs reports runs currently holding a lock on this instance.
	RunningJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobfence_running_jobs",
		Help: "Job runs currently holding a lock on this instance",
	})
)

// NewRegistry creates a registry with the process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

// Register adds the jobfence collectors to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		LockAcquisitions,
		LockReclaims,
		JobRuns,
		JobRunDuration,
		HeartbeatTicks,
		RunningJobs,
	)
}
