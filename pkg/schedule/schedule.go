package schedule

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/lock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/workflow"
)

// tickLockKey dedups a schedule's trigger across processes.
func tickLockKey(scheduleID string) string {
	return "schedule-tick:" + scheduleID
}

// Config tunes the schedule service.
type Config struct {
	TickInterval time.Duration
	LockTTL      time.Duration
}

// Service triggers workflow instances from cron schedules. Every trigger is
// gated by a short per-schedule lock, so any number of processes may run
// the service against one store.
type Service struct {
	store   storage.Store
	locks   *lock.Service
	adapter *workflow.Adapter
	broker  *events.Broker
	cfg     Config

	workerID string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates a schedule service. broker may be nil.
func NewService(store storage.Store, locks *lock.Service, adapter *workflow.Adapter, broker *events.Broker, cfg Config) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	return &Service{
		store:    store,
		locks:    locks,
		adapter:  adapter,
		broker:   broker,
		cfg:      cfg,
		workerID: "schedule-" + uuid.New().String()[:8],
		stopCh:   make(chan struct{}),
	}
}

// Start begins the trigger loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.WithComponent("schedule").Info().Str("worker_id", s.workerID).Msg("schedule service started")
}

// Stop halts the loop.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
			s.settleExecutions()
		case <-s.stopCh:
			return
		}
	}
}

// CronNext computes the next fire time of a cron expression in a timezone.
// An empty timezone means the process local zone.
func CronNext(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.Local
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return sched.Next(after.In(loc)), nil
}

// CreateSchedule registers a cron trigger for a definition.
func (s *Service) CreateSchedule(definitionID, cronExpr, timezone string, maxInstances int, input json.RawMessage, enabled bool) (*types.Schedule, error) {
	next, err := CronNext(cronExpr, timezone, time.Now())
	if err != nil {
		return nil, err
	}
	sched := &types.Schedule{
		ID:                   uuid.New().String(),
		WorkflowDefinitionID: definitionID,
		Cron:                 cronExpr,
		Timezone:             timezone,
		Enabled:              enabled,
		NextRunAt:            next,
		MaxInstances:         maxInstances,
		InputData:            input,
	}
	if err := s.store.CreateSchedule(sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// UpdateSchedule rewrites a schedule; a changed cron recomputes NextRunAt.
func (s *Service) UpdateSchedule(sched *types.Schedule) error {
	next, err := CronNext(sched.Cron, sched.Timezone, time.Now())
	if err != nil {
		return err
	}
	sched.NextRunAt = next
	return s.store.UpdateSchedule(sched)
}

// DeleteSchedule removes a schedule. Its execution history remains until
// retention trims it.
func (s *Service) DeleteSchedule(id string) error {
	return s.store.DeleteSchedule(id)
}

// ToggleSchedule enables or disables a schedule. Enabling recomputes
// NextRunAt so a long-disabled schedule does not fire for missed runs.
func (s *Service) ToggleSchedule(id string, enabled bool) error {
	sched, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	sched.Enabled = enabled
	if enabled {
		next, err := CronNext(sched.Cron, sched.Timezone, time.Now())
		if err != nil {
			return err
		}
		sched.NextRunAt = next
	}
	return s.store.UpdateSchedule(sched)
}

// GetSchedules lists all schedules.
func (s *Service) GetSchedules() ([]*types.Schedule, error) {
	return s.store.ListSchedules()
}

// GetExecutions returns a schedule's trigger history, newest first.
func (s *Service) GetExecutions(scheduleID string, page storage.Page) ([]*types.ScheduleExecution, error) {
	return s.store.ListScheduleExecutions(scheduleID, page)
}

func (s *Service) tick() {
	logger := log.WithComponent("schedule")
	schedules, err := s.store.ListSchedules()
	if err != nil {
		logger.Error().Err(err).Msg("schedule scan failed")
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if !sched.Enabled || sched.NextRunAt.After(now) {
			continue
		}
		if err := s.trigger(sched, now); err != nil {
			logger.Error().Err(err).Str("schedule_id", sched.ID).Msg("trigger failed")
		}
	}
}

// trigger fires one due schedule under its tick lock.
func (s *Service) trigger(sched *types.Schedule, now time.Time) error {
	key := tickLockKey(sched.ID)
	acquired, err := s.locks.Acquire(key, s.workerID, s.cfg.LockTTL, types.LockResource, nil)
	if err != nil {
		return err
	}
	if !acquired {
		return nil // another process owns this tick
	}
	defer func() {
		_, _ = s.locks.Release(key, s.workerID)
	}()

	// Reload under the lock; another process may have already advanced it.
	sched, err = s.store.GetSchedule(sched.ID)
	if err != nil {
		return err
	}
	if !sched.Enabled || sched.NextRunAt.After(now) {
		return nil
	}

	logger := log.WithComponent("schedule")

	if sched.MaxInstances > 0 {
		running, err := s.store.CountRunningExecutions(sched.ID)
		if err != nil {
			return err
		}
		if running >= sched.MaxInstances {
			metrics.ScheduleTriggersTotal.WithLabelValues("skipped").Inc()
			if s.broker != nil {
				s.broker.Publish(&events.Event{
					Type:       events.EventScheduleSkipped,
					ScheduleID: sched.ID,
					Message:    fmt.Sprintf("%d instances already running", running),
				})
			}
			logger.Warn().Str("schedule_id", sched.ID).Int("running", running).Msg("schedule trigger skipped, instance cap reached")
			return s.advanceNextRun(sched, now)
		}
	}

	exec := &types.ScheduleExecution{
		ID:          uuid.New().String(),
		ScheduleID:  sched.ID,
		Status:      types.ScheduleExecRunning,
		TriggerTime: sched.NextRunAt,
		StartedAt:   now,
	}
	if err := s.store.CreateScheduleExecution(exec); err != nil {
		return err
	}

	inst, err := s.adapter.StartWorkflow(sched.WorkflowDefinitionID, sched.InputData)
	if err != nil {
		exec.Status = types.ScheduleExecFailed
		exec.ErrorMessage = err.Error()
		completed := time.Now().UTC()
		exec.CompletedAt = &completed
		if uerr := s.store.UpdateScheduleExecution(exec); uerr != nil {
			logger.Error().Err(uerr).Str("schedule_id", sched.ID).Msg("failed to record trigger failure")
		}
		metrics.ScheduleTriggersTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to start workflow for schedule %s: %w", sched.ID, err)
	}

	exec.WorkflowInstanceID = inst.ID
	if err := s.store.UpdateScheduleExecution(exec); err != nil {
		return err
	}
	metrics.ScheduleTriggersTotal.WithLabelValues("triggered").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:               events.EventScheduleTriggered,
			ScheduleID:         sched.ID,
			WorkflowInstanceID: inst.ID,
		})
	}
	logger.Info().Str("schedule_id", sched.ID).Str("workflow_instance_id", inst.ID).Msg("schedule triggered")

	return s.advanceNextRun(sched, now)
}

func (s *Service) advanceNextRun(sched *types.Schedule, now time.Time) error {
	last := sched.NextRunAt
	next, err := CronNext(sched.Cron, sched.Timezone, now)
	if err != nil {
		return err
	}
	sched.LastRunAt = &last
	sched.NextRunAt = next
	return s.store.UpdateSchedule(sched)
}

// settleExecutions writes back terminal outcomes for running executions
// whose workflow has finished.
func (s *Service) settleExecutions() {
	logger := log.WithComponent("schedule")
	schedules, err := s.store.ListSchedules()
	if err != nil {
		return
	}
	for _, sched := range schedules {
		execs, err := s.store.ListScheduleExecutions(sched.ID, storage.Page{Limit: 50})
		if err != nil {
			continue
		}
		for _, exec := range execs {
			if exec.Status != types.ScheduleExecRunning || exec.WorkflowInstanceID == "" {
				continue
			}
			status, err := s.adapter.GetWorkflowStatus(exec.WorkflowInstanceID)
			if err != nil {
				continue
			}
			inst := status.Instance
			if !inst.Status.Terminal() {
				continue
			}

			completed := time.Now().UTC()
			if inst.CompletedAt != nil {
				completed = *inst.CompletedAt
			}
			exec.CompletedAt = &completed
			exec.DurationMs = completed.Sub(exec.StartedAt).Milliseconds()
			exec.ErrorMessage = inst.ErrorMessage
			switch inst.Status {
			case types.WorkflowCompleted:
				exec.Status = types.ScheduleExecSuccess
			default:
				exec.Status = types.ScheduleExecFailed
			}
			if err := s.store.UpdateScheduleExecution(exec); err != nil {
				logger.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to settle schedule execution")
			}
		}
	}
}

// CleanupOldExecutions trims non-running history older than the cutoff.
func (s *Service) CleanupOldExecutions(before time.Time) (int, error) {
	return s.store.CleanupOldExecutions(before)
}
