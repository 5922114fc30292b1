package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// ErrQueueFull is returned by Add when the queue is at its hard cap.
var ErrQueueFull = fmt.Errorf("queue is full")

// Stats is the SmartQueue snapshot.
type Stats struct {
	Pending            int
	Running            int
	Completed          int64
	Failed             int64
	AvgExecutionTimeMs int64
	Throughput         float64 // completions per second since start
}

// SmartQueueConfig tunes submission backpressure.
type SmartQueueConfig struct {
	QueueName             string
	MaxQueueSize          int     // 0 = unbounded
	BackpressureThreshold float64 // fraction of MaxQueueSize above which Add waits
	DefaultMaxAttempts    int
}

// SmartQueue fronts the worker pool for submissions: it fills in job
// defaults, applies backpressure, and offers cancellation, group
// pause/resume, and drain waiting on top of the store.
type SmartQueue struct {
	store     storage.Store
	pool      *Pool
	broker    *events.Broker
	cfg       SmartQueueConfig
	startedAt time.Time
}

// NewSmartQueue creates the submission front for a pool. broker may be nil.
func NewSmartQueue(store storage.Store, pool *Pool, broker *events.Broker, cfg SmartQueueConfig) *SmartQueue {
	if cfg.QueueName == "" {
		cfg.QueueName = "default"
	}
	if cfg.BackpressureThreshold <= 0 || cfg.BackpressureThreshold > 1 {
		cfg.BackpressureThreshold = 0.8
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 3
	}
	return &SmartQueue{
		store:     store,
		pool:      pool,
		broker:    broker,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

func (q *SmartQueue) depth() (int, error) {
	stats, err := q.store.QueueStatistics(q.cfg.QueueName)
	if err != nil {
		return 0, err
	}
	return stats.Waiting + stats.Delayed + stats.Executing + stats.Paused, nil
}

// Add submits a job. Above the backpressure threshold it waits for the
// queue to relieve; at MaxQueueSize it fails fast with ErrQueueFull.
func (q *SmartQueue) Add(ctx context.Context, job *types.QueueJob) error {
	if job.ExecutorName == "" {
		return fmt.Errorf("job executor name is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.QueueName == "" {
		job.QueueName = q.cfg.QueueName
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = q.cfg.DefaultMaxAttempts
	}

	if q.cfg.MaxQueueSize > 0 {
		threshold := int(float64(q.cfg.MaxQueueSize) * q.cfg.BackpressureThreshold)
		for {
			depth, err := q.depth()
			if err != nil {
				return err
			}
			if depth >= q.cfg.MaxQueueSize {
				return fmt.Errorf("%w: %d jobs queued", ErrQueueFull, depth)
			}
			if depth < threshold {
				break
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := q.store.CreateJob(job); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(job.QueueName).Inc()
	if q.broker != nil {
		q.broker.PublishJob(events.EventJobEnqueued, job.ID, job.JobName)
	}
	return nil
}

// Cancel removes a queued job or signals an executing one. Queued jobs
// (waiting, delayed, paused) move straight to the failure table; executing
// jobs are signalled and settle when the executor returns.
func (q *SmartQueue) Cancel(id string) error {
	job, err := q.store.GetJob(id)
	if err != nil {
		return err
	}
	switch job.Status {
	case types.JobWaiting, types.JobDelayed, types.JobPaused, types.JobFailed:
		if err := q.store.MarkJobFailed(id, "cancelled", "CANCELLED", ""); err != nil {
			return err
		}
		return q.store.MoveJobToFailure(id)
	case types.JobExecuting:
		if q.pool != nil {
			q.pool.Cancel(id)
		}
		return nil
	}
	return fmt.Errorf("job %s cannot be cancelled in status %s", id, job.Status)
}

// Retry requeues a permanently failed job as a fresh submission.
func (q *SmartQueue) Retry(id string) error {
	return q.store.RetryFailedJob(id)
}

// Pause stops dispatch for a group.
func (q *SmartQueue) Pause(groupID string) (int, error) {
	if q.pool != nil {
		return q.pool.PauseGroup(groupID)
	}
	return q.store.PauseGroup(q.cfg.QueueName, groupID)
}

// Resume re-enables dispatch for a group.
func (q *SmartQueue) Resume(groupID string) (int, error) {
	if q.pool != nil {
		return q.pool.ResumeGroup(groupID)
	}
	return q.store.ResumeGroup(q.cfg.QueueName, groupID)
}

// WaitForAll blocks until the queue has drained or the context is done.
// Paused and permanently failed jobs do not count as pending work.
func (q *SmartQueue) WaitForAll(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		stats, err := q.store.QueueStatistics(q.cfg.QueueName)
		if err != nil {
			return err
		}
		if stats.Waiting+stats.Delayed+stats.Executing == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// GetStats returns a snapshot combining the store's queue tables with the
// pool's execution counters.
func (q *SmartQueue) GetStats() (*Stats, error) {
	stats, err := q.store.QueueStatistics(q.cfg.QueueName)
	if err != nil {
		return nil, err
	}
	out := &Stats{
		Pending: stats.Waiting + stats.Delayed + stats.Paused,
		Running: stats.Executing,
	}
	if q.pool != nil {
		out.Completed = q.pool.completed.Load()
		out.Failed = q.pool.failed.Load()
		if out.Completed > 0 {
			out.AvgExecutionTimeMs = q.pool.totalExecMs.Load() / out.Completed
		}
		if elapsed := time.Since(q.startedAt).Seconds(); elapsed > 0 {
			out.Throughput = float64(out.Completed) / elapsed
		}
	}
	return out, nil
}
