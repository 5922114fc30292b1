// Package execlog is the append-only execution audit trail. Entries are
// keyed by workflow instance and node instance and queried paged by either
// key or by severity. Writes never fail a workflow step: storage errors on
// append are logged and dropped. Retention is enforced by the engine's
// sweeper through DeleteExpired.
package execlog
