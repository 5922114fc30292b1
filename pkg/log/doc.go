/*
Package log provides structured logging for Loom using zerolog.

The package wraps zerolog with a global logger, configurable level and
output format (JSON for production, console for development), and child
logger helpers that attach engine identifiers:

	schedLog := log.WithComponent("workflow-scheduler")
	schedLog.Info().Str("workflow_instance_id", inst.ID).Msg("instance advanced")

	jobLog := log.WithJobID(job.ID)
	jobLog.Error().Err(err).Msg("executor failed")

Initialize once in main before any component starts:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Note that this package is the engine's own operational logging. The durable
per-instance audit trail lives in pkg/execlog and is persisted through
pkg/storage; the two are independent.
*/
package log
