/*
Package lock provides the distributed lock service shared by the workflow
scheduler, the queue workers, and the cron schedule service.

A lock is a row keyed by an arbitrary string, held by an owner until its
TTL lapses. Acquire is a single atomic statement in the store: insert when
free, take over when expired, fail otherwise. Not getting the lock is a
normal (false, nil) outcome, never an error; callers back off and retry.

Lock TTL is the engine's fault containment: a crashed worker's locks expire
and its entities become re-claimable after at most one TTL. Long-running
holders renew at half the TTL via KeepAlive. A janitor loop deletes expired
rows on a timer, and Acquire sweeps opportunistically first.

Key conventions used across the engine:

	workflow:<instanceID>       instance advancement (scheduler)
	schedule-tick:<scheduleID>  cron trigger dedup (schedule service)
*/
package lock
