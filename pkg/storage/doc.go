/*
Package storage provides the durable state store for the Loom engine.

The Store interface is the persistence contract consumed by every engine
component; BoltStore implements it on bbolt with JSON-encoded buckets, one
per table of the data model:

	definitions / workflow_instances / node_instances
	queue_jobs / queue_success / queue_failure
	locks / execution_logs / schedules / schedule_executions

plus index buckets whose keys materialize the orderings the engine depends
on. The most load-bearing one is queue_job_order: its key is

	invertedPriority / createdAtUnixNano / jobID

so an ascending cursor scan over the bucket equals the canonical dispatch
order (priority desc, createdAt asc, id asc), and FindPendingJobs is a seek
plus a bounded walk rather than a table filter. The (priority, createdAt,
id) cursor the caller carries between pages is exactly that key.

# Atomicity

bbolt runs a single writing transaction at a time, so every Update body in
this package commits or rolls back as one atomic statement:

  - AcquireLock is insert-or-takeover-or-fail with no read-then-write window.
  - LockJobForProcessing can only be won by one claimant.
  - MoveJobToSuccess inserts the success record and deletes the active row
    in the same transaction; a crash leaves either both or neither.
  - CreateChildNodesTxn commits a loop fan-out (all children plus the
    parent's progress flip) or rolls all of it back. Children that already
    occupy their (parent, childIndex) slot are skipped, which is what makes
    a crashed fan-out re-runnable.

# Transition guards

UpdateInstanceStatus and UpdateNodeStatus enforce the status machines:
terminal statuses are frozen (node records still accept error-metadata
enrichment), and interrupted instances may only resume, fail, or cancel.

Driver choice is deliberately behind the Store interface; the engine needs
transactions and atomic upserts, not a specific database.
*/
package storage
