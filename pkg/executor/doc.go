/*
Package executor defines the pluggable unit of work the engine runs.

An Executor is a named handler; workflow nodes and queue jobs reference it
by name only. The Registry is the explicit name-to-implementation map the
host process builds at startup, with optional domain namespacing so an
application can mount a group of executors under one prefix.

Executors report outcomes through Result, a tagged success-or-failure
value. A business failure (validation error, upstream rejection) is a
Result with Success=false and an error code; a returned Go error means the
invocation itself broke and is treated the same way by the caller. Panics
never cross the boundary.

Optional capabilities are separate interfaces: Validator for config
checking at definition-validation time, HealthChecker for liveness probes,
and Lifecycle for executors holding external resources.

The builtins (echo, uppercase, sleep, range) exist for smoke tests and
example workflows; real deployments register their own.
*/
package executor
