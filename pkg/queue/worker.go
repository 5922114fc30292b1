package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Runner executes one claimed job. The default implementation resolves the
// job's executor against a registry; the sandbox host provides another.
type Runner interface {
	Run(ctx context.Context, job *types.QueueJob) (*executor.Result, error)
}

// NewRegistryRunner returns a Runner dispatching jobs to in-process
// executors. services is passed through to every executor context.
func NewRegistryRunner(registry *executor.Registry, services map[string]interface{}) Runner {
	return &registryRunner{registry: registry, services: services}
}

type registryRunner struct {
	registry *executor.Registry
	services map[string]interface{}
}

func (r *registryRunner) Run(ctx context.Context, job *types.QueueJob) (*executor.Result, error) {
	exec, ok := r.registry.Get(job.ExecutorName)
	if !ok {
		return nil, fmt.Errorf("executor %q not registered", job.ExecutorName)
	}
	meta, err := executor.DecodeJobMeta(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("invalid job metadata: %w", err)
	}
	return exec.Execute(ctx, &executor.Context{
		Config:       meta.Config,
		InputData:    job.Payload,
		Dependencies: meta.Dependencies,
		Metadata: executor.Metadata{
			JobID:              job.ID,
			WorkflowInstanceID: meta.WorkflowInstanceID,
			NodeInstanceID:     meta.NodeInstanceID,
			Attempt:            job.Attempts + 1,
		},
		Services: r.services,
		Logger:   *log.WithJobID(job.ID),
	})
}

// PoolConfig holds the worker pool configuration.
type PoolConfig struct {
	QueueName          string
	MaxConcurrency     int
	PollInterval       time.Duration
	LockTTL            time.Duration
	JobTimeout         time.Duration
	DefaultMaxAttempts int
	Backoff            config.BackoffConfig
	OrphanTimeout      time.Duration
}

// Pool polls the queue and dispatches claimed jobs to a Runner with bounded
// concurrency. Claims are per-job locks in the store; the pool never holds
// an in-memory mutex across I/O.
type Pool struct {
	store    storage.Store
	runner   Runner
	broker   *events.Broker
	limiter  *ratelimit.Bucket
	cfg      PoolConfig
	workerID string

	sem    *semaphore.Weighted
	stopCh chan struct{}
	wg     sync.WaitGroup

	pausedMu     sync.RWMutex
	pausedGroups map[string]bool

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	completed   atomic.Int64
	failed      atomic.Int64
	totalExecMs atomic.Int64
}

// NewPool creates a worker pool. broker and limiter may be nil.
func NewPool(store storage.Store, runner Runner, broker *events.Broker, limiter *ratelimit.Bucket, cfg PoolConfig) *Pool {
	if cfg.QueueName == "" {
		cfg.QueueName = "default"
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = 10 * time.Minute
	}
	return &Pool{
		store:        store,
		runner:       runner,
		broker:       broker,
		limiter:      limiter,
		cfg:          cfg,
		workerID:     "worker-" + uuid.New().String()[:8],
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		stopCh:       make(chan struct{}),
		pausedGroups: make(map[string]bool),
		cancels:      make(map[string]context.CancelFunc),
	}
}

// WorkerID returns this pool's claim owner identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Start recovers stale claims and begins the poll and maintenance loops.
func (p *Pool) Start() error {
	logger := log.WithComponent("queue-worker")

	// Claims left behind by an unclean shutdown of this process.
	n, err := p.store.ResetAllJobLocks(p.cfg.QueueName)
	if err != nil {
		return fmt.Errorf("failed to reset job locks: %w", err)
	}
	if n > 0 {
		logger.Info().Int("count", n).Msg("reset stale job locks on startup")
	}

	p.wg.Add(2)
	go p.pollLoop()
	go p.maintenanceLoop()

	logger.Info().
		Str("worker_id", p.workerID).
		Str("queue", p.cfg.QueueName).
		Int("max_concurrency", p.cfg.MaxConcurrency).
		Msg("queue worker started")
	return nil
}

// Stop halts polling and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.dispatchBatch()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) dispatchBatch() {
	logger := log.WithComponent("queue-worker")

	p.pausedMu.RLock()
	excluded := lo.Keys(p.pausedGroups)
	p.pausedMu.RUnlock()

	jobs, _, err := p.store.FindPendingJobs(p.cfg.QueueName, p.cfg.MaxConcurrency, excluded, storage.Cursor{})
	if err != nil {
		logger.Error().Err(err).Msg("failed to poll pending jobs")
		return
	}

	for _, job := range jobs {
		if !p.sem.TryAcquire(1) {
			return // all slots busy, next tick picks up the rest
		}
		won, err := p.store.LockJobForProcessing(job.ID, p.workerID, p.cfg.LockTTL)
		if err != nil {
			p.sem.Release(1)
			logger.Error().Err(err).Str("job_id", job.ID).Msg("job claim failed")
			continue
		}
		if !won {
			p.sem.Release(1)
			continue // another worker got there first
		}

		p.wg.Add(1)
		metrics.WorkersBusy.Inc()
		go p.process(job)
	}
}

func (p *Pool) process(job *types.QueueJob) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer metrics.WorkersBusy.Dec()
	// Release the claim no matter how settlement went. Tolerates the job
	// having already moved to the success or failure table.
	defer func() {
		if err := p.store.UnlockJob(job.ID, p.workerID); err != nil {
			log.WithComponent("queue-worker").Error().Err(err).Str("job_id", job.ID).Msg("failed to unlock job")
		}
	}()

	logger := log.WithJobID(job.ID)

	current, err := p.store.GetJob(job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load claimed job")
		return
	}
	current.Status = types.JobExecuting
	if err := p.store.UpdateJob(current); err != nil {
		logger.Error().Err(err).Msg("failed to mark job executing")
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if p.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	p.registerCancel(current.ID, cancel)
	defer p.unregisterCancel(current.ID)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.settleFailure(current, "rate limit wait aborted: "+err.Error(), "TIMEOUT", "")
			return
		}
	}

	if p.broker != nil {
		p.broker.PublishJob(events.EventJobStarted, current.ID, current.JobName)
	}

	timer := metrics.NewTimer()
	result, err := p.runner.Run(ctx, current)
	elapsed := timer.Duration()
	metrics.JobExecutionDuration.WithLabelValues(current.ExecutorName).Observe(elapsed.Seconds())

	switch {
	case err != nil:
		code := "EXECUTOR_ERROR"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = "TIMEOUT"
		}
		p.settleFailure(current, err.Error(), code, "")
	case result == nil:
		p.settleFailure(current, "executor returned no result", "EXECUTOR_ERROR", "")
	case result.Success:
		p.settleSuccess(current, result, elapsed)
	default:
		p.settleFailure(current, result.Error, result.ErrorCode, "")
	}
}

func (p *Pool) settleSuccess(job *types.QueueJob, result *executor.Result, elapsed time.Duration) {
	logger := log.WithJobID(job.ID)
	if err := p.store.MoveJobToSuccess(job, result.Data, elapsed); err != nil {
		logger.Error().Err(err).Msg("failed to record job success")
		return
	}
	p.completed.Add(1)
	p.totalExecMs.Add(elapsed.Milliseconds())
	metrics.JobsProcessedTotal.WithLabelValues(job.ExecutorName, "success").Inc()
	if p.broker != nil {
		p.broker.PublishJob(events.EventJobSucceeded, job.ID, job.JobName)
	}
	logger.Debug().Dur("execution_time", elapsed).Msg("job succeeded")
}

func (p *Pool) settleFailure(job *types.QueueJob, message, code, stack string) {
	logger := log.WithJobID(job.ID)
	if err := p.store.MarkJobFailed(job.ID, message, code, stack); err != nil {
		logger.Error().Err(err).Msg("failed to record job failure")
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.ExecutorName, "failure").Inc()

	current, err := p.store.GetJob(job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload failed job")
		return
	}

	maxAttempts := current.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = p.cfg.DefaultMaxAttempts
	}
	if current.Attempts < maxAttempts {
		delay := Backoff(p.cfg.Backoff.Policy, p.cfg.Backoff.BaseDelay, p.cfg.Backoff.MaxDelay, current.Attempts)
		delayUntil := time.Now().UTC().Add(delay)
		current.Status = types.JobDelayed
		current.DelayUntil = &delayUntil
		if err := p.store.UpdateJob(current); err != nil {
			logger.Error().Err(err).Msg("failed to schedule job retry")
			return
		}
		if p.broker != nil {
			p.broker.PublishJob(events.EventJobRetried, job.ID, message)
		}
		logger.Warn().
			Int("attempt", current.Attempts).
			Int("max_attempts", maxAttempts).
			Dur("retry_in", delay).
			Str("error", message).
			Msg("job failed, retry scheduled")
		return
	}

	p.failed.Add(1)
	if p.broker != nil {
		p.broker.PublishJob(events.EventJobFailed, job.ID, message)
	}
	logger.Error().
		Int("attempts", current.Attempts).
		Str("error", message).
		Str("code", code).
		Msg("job failed permanently")
}

func (p *Pool) registerCancel(jobID string, cancel context.CancelFunc) {
	p.cancelMu.Lock()
	p.cancels[jobID] = cancel
	p.cancelMu.Unlock()
}

func (p *Pool) unregisterCancel(jobID string) {
	p.cancelMu.Lock()
	delete(p.cancels, jobID)
	p.cancelMu.Unlock()
}

// Cancel signals a job executing in this pool. Advisory: the job settles
// when the executor returns. Reports whether the job was running here.
func (p *Pool) Cancel(jobID string) bool {
	p.cancelMu.Lock()
	cancel, ok := p.cancels[jobID]
	p.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// PauseGroup stops dispatching the group and pauses its queued jobs.
func (p *Pool) PauseGroup(groupID string) (int, error) {
	p.pausedMu.Lock()
	p.pausedGroups[groupID] = true
	p.pausedMu.Unlock()
	return p.store.PauseGroup(p.cfg.QueueName, groupID)
}

// ResumeGroup re-enables dispatch for the group.
func (p *Pool) ResumeGroup(groupID string) (int, error) {
	p.pausedMu.Lock()
	delete(p.pausedGroups, groupID)
	p.pausedMu.Unlock()
	return p.store.ResumeGroup(p.cfg.QueueName, groupID)
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	interval := p.cfg.LockTTL
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("queue-worker")
	for {
		select {
		case <-ticker.C:
			if n, err := p.store.CleanupExpiredJobLocks(p.cfg.QueueName); err != nil {
				logger.Error().Err(err).Msg("expired job lock cleanup failed")
			} else if n > 0 {
				logger.Debug().Int("count", n).Msg("released expired job locks")
			}
			p.recoverOrphans()
		case <-p.stopCh:
			return
		}
	}
}

// recoverOrphans resets executing jobs whose worker stopped updating them.
func (p *Pool) recoverOrphans() {
	logger := log.WithComponent("queue-worker")
	orphans, err := p.store.FindOrphanedExecutingJobs(p.cfg.OrphanTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("orphan scan failed")
		return
	}
	for _, job := range orphans {
		if job.QueueName != p.cfg.QueueName {
			continue
		}
		if err := p.store.ResetJobToWaiting(job.ID); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to reset orphaned job")
			continue
		}
		logger.Warn().Str("job_id", job.ID).Msg("recovered orphaned executing job")
	}
}
