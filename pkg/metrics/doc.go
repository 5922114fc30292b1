/*
Package metrics provides Prometheus metrics collection and exposition for
the workflow engine, plus process health endpoints.

All metrics are registered against the default registry at package init and
exposed through Handler() on /metrics. Counters and histograms are updated
inline by the owning components; a Collector samples the table-shaped
gauges (queue depth, instance counts, live locks) from the store on a
timer.

# Metrics Catalog

Queue:

	loom_jobs_enqueued_total{queue}            Counter, jobs submitted
	loom_jobs_processed_total{executor,outcome} Counter, concluded attempts
	loom_job_execution_duration_seconds{executor} Histogram
	loom_queue_depth{status}                   Gauge, live queue by status
	loom_workers_busy                          Gauge, occupied worker slots

Workflow:

	loom_workflow_instances_total{status}      Gauge
	loom_nodes_executed_total{kind,outcome}    Counter
	loom_scheduling_latency_seconds            Histogram, one advance pass

Locks:

	loom_lock_acquisitions_total{lock_type,outcome} Counter
	loom_locks_active                          Gauge, held and unexpired

Schedules and sandboxes:

	loom_schedule_triggers_total{outcome}      Counter
	loom_sandbox_restarts_total                Counter, crashed workers replaced

# Health

Components report in through RegisterComponent / UpdateComponent. GetHealth
aggregates every registered component; GetReadiness additionally requires
the critical set (storage, queue, scheduler) to be registered and healthy.
HealthHandler, ReadyHandler, and LivenessHandler serve the usual /health,
/ready, and /live endpoints.

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.JobExecutionDuration, "echo")

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())

Keep label cardinality bounded: executor names and statuses only, never
job or instance IDs.
*/
package metrics
