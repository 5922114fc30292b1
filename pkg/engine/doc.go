// Package engine assembles the orchestration stack (store, locks, queue
// workers, workflow scheduler, cron schedules, metrics, retention) into a
// single New/Start/Stop host used by the server command and by embedders.
package engine
