package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/cache"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execlog"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/lock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/queue"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/schedule"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/workflow"
)

// retentionInterval is how often the retention sweeper runs.
const retentionInterval = time.Hour

// Engine assembles the full orchestration stack over one bbolt store:
// lock janitor, queue workers, workflow scheduler, cron schedules, metrics
// collection, and the retention sweeper.
type Engine struct {
	cfg      *config.Config
	store    *storage.BoltStore
	registry *executor.Registry

	broker    *events.Broker
	locks     *lock.Service
	defs      *cache.DefinitionCache
	logw      *execlog.Writer
	sandboxes *sandbox.Host
	workers   *queue.Pool
	scheduler *workflow.Scheduler
	collector *metrics.Collector

	// Queue, Workflows, and Schedules are the public operation surfaces.
	Queue     *queue.SmartQueue
	Workflows *workflow.Adapter
	Schedules *schedule.Service

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the engine. Nothing runs until Start.
func New(cfg *config.Config, registry *executor.Registry) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		broker:   events.NewBroker(),
		stopCh:   make(chan struct{}),
	}
	e.locks = lock.NewService(store, lock.Config{DefaultTTL: cfg.LockTTL})
	e.defs = cache.NewDefinitionCache(store, time.Minute)
	e.logw = execlog.NewWriter(store)

	var runner queue.Runner
	if cfg.Sandbox.Enabled {
		host, err := sandbox.NewHost(cfg.Sandbox)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create sandbox host: %w", err)
		}
		e.sandboxes = host
		runner = host
	} else {
		runner = queue.NewRegistryRunner(registry, nil)
	}

	var limiter *ratelimit.Bucket
	if cfg.RateLimit.JobsPerSecond > 0 {
		limiter, err = ratelimit.NewBucket(cfg.RateLimit.Burst, cfg.RateLimit.JobsPerSecond)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
	}

	e.workers = queue.NewPool(store, runner, e.broker, limiter, queue.PoolConfig{
		QueueName:          cfg.QueueName,
		MaxConcurrency:     cfg.MaxConcurrency,
		PollInterval:       cfg.PollInterval,
		LockTTL:            cfg.LockTTL,
		JobTimeout:         cfg.JobTimeout,
		DefaultMaxAttempts: cfg.DefaultJobMaxAttempts,
		Backoff:            cfg.Backoff,
		OrphanTimeout:      cfg.OrphanTimeout,
	})
	e.Queue = queue.NewSmartQueue(store, e.workers, e.broker, queue.SmartQueueConfig{
		QueueName:             cfg.QueueName,
		MaxQueueSize:          cfg.MaxQueueSize,
		BackpressureThreshold: cfg.BackpressureThreshold,
		DefaultMaxAttempts:    cfg.DefaultJobMaxAttempts,
	})

	nodeRunner := workflow.NewNodeRunner(store, registry, e.logw, e.broker, cfg.QueueName, cfg.JobTimeout)
	e.scheduler = workflow.NewScheduler(store, e.locks, nodeRunner, e.defs, e.logw, e.broker, workflow.SchedulerConfig{
		LockTTL:      cfg.LockTTL,
		TickInterval: cfg.PollInterval,
	})
	e.Workflows = workflow.NewAdapter(store, e.scheduler, e.defs)
	e.Schedules = schedule.NewService(store, e.locks, e.Workflows, e.broker, schedule.Config{
		LockTTL: cfg.LockTTL,
	})
	e.collector = metrics.NewCollector(store, 15*time.Second)

	metrics.RegisterComponent("storage", false, "not started")
	metrics.RegisterComponent("queue", false, "not started")
	metrics.RegisterComponent("scheduler", false, "not started")

	return e, nil
}

// Registry exposes the executor registry the engine dispatches against.
func (e *Engine) Registry() *executor.Registry { return e.registry }

// Events exposes the engine's event broker.
func (e *Engine) Events() *events.Broker { return e.broker }

// Store exposes the backing store for read-only surfaces such as stats.
func (e *Engine) Store() storage.Store { return e.store }

// Start brings up every background loop.
func (e *Engine) Start() error {
	e.broker.Start()
	e.locks.Start()
	if err := e.workers.Start(); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}
	e.scheduler.Start()
	e.Schedules.Start()
	e.collector.Start()

	e.wg.Add(1)
	go e.retentionLoop()

	metrics.UpdateComponent("storage", true, "")
	metrics.UpdateComponent("queue", true, "")
	metrics.UpdateComponent("scheduler", true, "")
	log.WithComponent("engine").Info().Str("data_dir", e.cfg.DataDir).Msg("engine started")
	return nil
}

// Stop shuts down in reverse order of Start and closes the store.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()

	e.collector.Stop()
	e.Schedules.Stop()
	e.scheduler.Stop()
	e.workers.Stop()
	if e.sandboxes != nil {
		e.sandboxes.Close()
	}
	e.locks.Stop()
	e.broker.Stop()
	if err := e.store.Close(); err != nil {
		log.WithComponent("engine").Error().Err(err).Msg("failed to close store")
	}
	log.WithComponent("engine").Info().Msg("engine stopped")
}

func (e *Engine) retentionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	e.sweepRetention()
	for {
		select {
		case <-ticker.C:
			e.sweepRetention()
		case <-e.stopCh:
			return
		}
	}
}

// sweepRetention trims execution logs, schedule history, and terminal
// instances older than the retention window.
func (e *Engine) sweepRetention() {
	if e.cfg.RetentionDays <= 0 {
		return
	}
	logger := log.WithComponent("engine")
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)

	logs, err := e.store.DeleteExpiredLogs(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("log retention sweep failed")
	}
	execs, err := e.Schedules.CleanupOldExecutions(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("schedule history retention sweep failed")
	}
	instances, err := e.Workflows.CleanupExpiredInstances(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("instance retention sweep failed")
	}
	if logs+execs+instances > 0 {
		logger.Info().
			Int("logs", logs).
			Int("schedule_executions", execs).
			Int("instances", instances).
			Msg("retention sweep removed expired records")
	}
}
