/*
Package queue implements the worker pool that drains the persistent job
queue, and the SmartQueue submission front.

# Worker pool

Each Pool runs one poll loop against a named queue. A tick polls the store
for dispatchable jobs in canonical order (priority desc, createdAt asc,
id asc), claims each with an atomic per-job lock, and hands winners to a
Runner on a goroutine. Concurrency is bounded by a weighted semaphore
sized to MaxConcurrency; a full pool simply leaves jobs for the next tick
or another worker. Losing a claim race is normal and silent.

Settlement after the Runner returns:

  - success: the job moves to the success table in one transaction,
    recording result and execution time.
  - failure with attempts remaining: the job is marked failed, then
    rescheduled as delayed with DelayUntil = now + backoff(attempts) under
    the configured policy (fixed, linear, exponential).
  - failure with attempts exhausted: the job stays failed in the active
    table for inspection or manual retry.

The claim is released in a defer regardless of outcome. A maintenance loop
releases expired job locks and resets executing jobs whose worker stopped
updating them (orphan recovery); Start also force-resets claims left by an
unclean shutdown of this queue.

Job timeouts are enforced through the runner context. Cancellation of an
executing job is advisory: the context is cancelled and the job settles
when the executor returns.

# SmartQueue

SmartQueue fronts submissions: it fills in defaults (id, queue, max
attempts), applies backpressure (wait above the threshold fraction of
MaxQueueSize, fail fast with ErrQueueFull at the cap), and exposes
Cancel, Retry, group Pause/Resume, WaitForAll draining, and GetStats.
*/
package queue
