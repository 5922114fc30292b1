/*
Package types defines the core data model shared across Loom packages.

The entities mirror the persisted shape one-to-one: workflow definitions
(versioned graphs), workflow instances, node instances (including the
sub-nodes fanned out by parallel and loop nodes), queue jobs and their
success/failure records, distributed locks, execution log entries, and cron
schedules with their trigger history.

Two invariants are encoded here rather than in storage:

  - Terminal statuses: WorkflowStatus.Terminal and NodeStatus.Terminal name
    the states that reject all further transitions.
  - Dispatch order: among waiting QueueJobs the order is
    (Priority desc, CreatedAt asc, ID asc); the storage layer materializes
    that triple as an index key.

Payload-like fields (job payload/result/metadata, node input/result, lock
data) stay json.RawMessage at this boundary. Executors declare their own
typed schemas and validate on ingress.
*/
package types
