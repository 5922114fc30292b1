package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_enqueued_total",
			Help: "Total number of jobs submitted by queue",
		},
		[]string{"queue"},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_processed_total",
			Help: "Total number of job attempts concluded by executor and outcome",
		},
		[]string{"executor", "outcome"},
	)

	JobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_job_execution_duration_seconds",
			Help:    "Job execution duration in seconds by executor",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executor"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_queue_depth",
			Help: "Number of jobs in the live queue by status",
		},
		[]string{"status"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_workers_busy",
			Help: "Number of worker slots currently executing jobs",
		},
	)

	// Workflow metrics
	WorkflowInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_workflow_instances_total",
			Help: "Total number of workflow instances by status",
		},
		[]string{"status"},
	)

	NodesExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_nodes_executed_total",
			Help: "Total number of node executions concluded by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_scheduling_latency_seconds",
			Help:    "Time taken by one instance advancement pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock metrics
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by type and outcome",
		},
		[]string{"lock_type", "outcome"},
	)

	LocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_locks_active",
			Help: "Number of currently held, unexpired locks",
		},
	)

	// Schedule metrics
	ScheduleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_schedule_triggers_total",
			Help: "Total number of cron schedule triggers by outcome",
		},
		[]string{"outcome"},
	)

	// Sandbox metrics
	SandboxRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_sandbox_restarts_total",
			Help: "Total number of sandbox worker processes replaced after a crash",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(WorkflowInstancesTotal)
	prometheus.MustRegister(NodesExecutedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(LocksActive)
	prometheus.MustRegister(ScheduleTriggersTotal)
	prometheus.MustRegister(SandboxRestartsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
