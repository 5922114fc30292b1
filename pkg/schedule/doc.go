/*
Package schedule triggers workflow instances from cron expressions.

Each schedule carries a cron spec, a timezone, an optional cap on
concurrently running instances, and static input data. The service ticks on
a timer: for every enabled schedule whose NextRunAt has passed it takes a
short schedule-tick lock (so only one process fires a given trigger),
checks the running-instance cap, records a ScheduleExecution row, starts
the workflow, and advances NextRunAt with robfig/cron. A second pass writes
terminal outcomes and durations back onto execution rows once their
workflows finish.

A skipped trigger (cap reached) still advances NextRunAt; missed runs are
never replayed. Disabled schedules recompute NextRunAt when re-enabled for
the same reason.
*/
package schedule
