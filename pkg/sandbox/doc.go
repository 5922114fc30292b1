/*
Package sandbox runs executors in separate OS processes.

The engine side (Host) keeps a bounded pool of child processes. Each child
is spawned as the engine binary with the hidden sandbox-host subcommand, or
as a custom worker binary, and speaks a line-framed JSON protocol over
stdio: the child announces ready, the parent sends execute frames, the
child answers with progress, result, or error frames keyed by job id.

The parent enforces the per-job timeout by killing the child; a child that
dies mid-job is replaced and the job error flows back through the queue's
normal retry path. Idle children are reaped by the pool.
*/
package sandbox
