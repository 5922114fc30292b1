package metrics

import (
	"time"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Collector periodically samples gauge metrics from the store. Counters and
// histograms are updated inline by the components that own them; only the
// table-shaped gauges (queue depth, instance counts, live locks) need a
// polling loop.
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a metrics collector sampling the given store.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectInstanceMetrics()
	c.collectLockMetrics()
}

func (c *Collector) collectQueueMetrics() {
	stats, err := c.store.QueueStatistics("")
	if err != nil {
		return
	}

	QueueDepth.WithLabelValues(string(types.JobWaiting)).Set(float64(stats.Waiting))
	QueueDepth.WithLabelValues(string(types.JobDelayed)).Set(float64(stats.Delayed))
	QueueDepth.WithLabelValues(string(types.JobExecuting)).Set(float64(stats.Executing))
	QueueDepth.WithLabelValues(string(types.JobPaused)).Set(float64(stats.Paused))
	QueueDepth.WithLabelValues(string(types.JobFailed)).Set(float64(stats.Failed))
}

func (c *Collector) collectInstanceMetrics() {
	statuses := []types.WorkflowStatus{
		types.WorkflowPending,
		types.WorkflowRunning,
		types.WorkflowPaused,
		types.WorkflowCompleted,
		types.WorkflowFailed,
		types.WorkflowCancelled,
		types.WorkflowInterrupted,
	}
	for _, status := range statuses {
		instances, err := c.store.FindInstancesByStatus(status)
		if err != nil {
			return
		}
		WorkflowInstancesTotal.WithLabelValues(string(status)).Set(float64(len(instances)))
	}
}

func (c *Collector) collectLockMetrics() {
	stats, err := c.store.LockStatistics()
	if err != nil {
		return
	}

	LocksActive.Set(float64(stats.Total - stats.Expired))
}
