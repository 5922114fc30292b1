package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/cache"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execlog"
	"github.com/loomworks/loom/pkg/lock"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// workflowLockKey is the per-instance advancement lock.
func workflowLockKey(instanceID string) string {
	return "workflow:" + instanceID
}

// SchedulerConfig tunes the advancement loops.
type SchedulerConfig struct {
	LockTTL        time.Duration
	TickInterval   time.Duration
	ResumeInterval time.Duration
}

// Scheduler advances workflow instances. All progression for one instance
// happens under its workflow lock, so any number of scheduler processes can
// run against the same store; an instance is advanced by exactly one of
// them at a time.
type Scheduler struct {
	store  storage.Store
	locks  *lock.Service
	runner *NodeRunner
	defs   *cache.DefinitionCache
	logw   *execlog.Writer
	broker *events.Broker
	cfg    SchedulerConfig

	workerID string
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. broker may be nil.
func NewScheduler(store storage.Store, locks *lock.Service, runner *NodeRunner, defs *cache.DefinitionCache, logw *execlog.Writer, broker *events.Broker, cfg SchedulerConfig) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = 30 * time.Second
	}
	return &Scheduler{
		store:    store,
		locks:    locks,
		runner:   runner,
		defs:     defs,
		logw:     logw,
		broker:   broker,
		cfg:      cfg,
		workerID: "scheduler-" + uuid.New().String()[:8],
		stopCh:   make(chan struct{}),
	}
}

// WorkerID returns the scheduler's lock owner identity.
func (s *Scheduler) WorkerID() string { return s.workerID }

// Start begins the tick and resume loops.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.tickLoop()
	go s.resumeLoop()
	log.WithComponent("scheduler").Info().Str("worker_id", s.workerID).Msg("workflow scheduler started")
}

// Stop halts the loops and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) tick() {
	logger := log.WithComponent("scheduler")
	for _, status := range []types.WorkflowStatus{types.WorkflowPending, types.WorkflowRunning} {
		instances, err := s.store.FindInstancesByStatus(status)
		if err != nil {
			logger.Error().Err(err).Msg("instance scan failed")
			return
		}
		for _, inst := range instances {
			if err := s.Advance(inst.ID); err != nil {
				logger.Error().Err(err).Str("workflow_instance_id", inst.ID).Msg("advance failed")
			}
		}
	}
}

func (s *Scheduler) resumeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ResumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.resumeInterrupted()
		case <-s.stopCh:
			return
		}
	}
}

// resumeInterrupted picks up instances whose advancing worker died: still
// running but with no live workflow lock.
func (s *Scheduler) resumeInterrupted() {
	logger := log.WithComponent("scheduler")
	interrupted, err := s.FindInterruptedInstances()
	if err != nil {
		logger.Error().Err(err).Msg("interrupted scan failed")
		return
	}
	for _, inst := range interrupted {
		logger.Warn().Str("workflow_instance_id", inst.ID).Msg("resuming interrupted instance")
		if _, err := s.store.UpdateInstanceStatus(inst.ID, types.WorkflowInterrupted, "worker lock expired"); err != nil {
			logger.Error().Err(err).Str("workflow_instance_id", inst.ID).Msg("failed to mark instance interrupted")
			continue
		}
		if s.broker != nil {
			s.broker.PublishWorkflow(events.EventWorkflowInterrupted, inst.ID, "worker lock expired")
		}
		if err := s.Advance(inst.ID); err != nil {
			logger.Error().Err(err).Str("workflow_instance_id", inst.ID).Msg("resume advance failed")
		}
	}
}

// FindInterruptedInstances returns running instances whose advancing
// worker died. A running instance holds its workflow lock only while a
// pass is in flight, so a missing lock alone is normal; interruption
// additionally requires the UpdatedAt heartbeat to be older than the
// lock TTL, which a live scheduler refreshes every pass.
func (s *Scheduler) FindInterruptedInstances() ([]*types.WorkflowInstance, error) {
	running, err := s.store.FindInstancesByStatus(types.WorkflowRunning)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var interrupted []*types.WorkflowInstance
	for _, inst := range running {
		if now.Sub(inst.UpdatedAt) < s.cfg.LockTTL {
			continue
		}
		l, err := s.store.GetLock(workflowLockKey(inst.ID))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				interrupted = append(interrupted, inst)
				continue
			}
			return nil, err
		}
		if l.Expired(now) {
			interrupted = append(interrupted, inst)
		}
	}
	return interrupted, nil
}

// StartWorkflow creates an instance of the definition and kicks off its
// first advancement.
func (s *Scheduler) StartWorkflow(def *types.WorkflowDefinition, input json.RawMessage) (*types.WorkflowInstance, error) {
	if err := ValidateDefinition(def, nil); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	inst := &types.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Name:         def.Name,
		Version:      def.Version,
		Status:       types.WorkflowPending,
		Input:        input,
	}
	if err := s.store.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	s.logw.Info(inst.ID, "", "workflow_created", "instance created for "+def.Name)

	go func() {
		if err := s.Advance(inst.ID); err != nil {
			log.WithWorkflowInstanceID(inst.ID).Error().Err(err).Msg("initial advance failed")
		}
	}()
	return inst, nil
}

// ResumeWorkflow transitions a paused or interrupted instance back to
// running and advances it.
func (s *Scheduler) ResumeWorkflow(id string) error {
	inst, err := s.store.GetInstance(id)
	if err != nil {
		return err
	}
	switch inst.Status {
	case types.WorkflowPaused, types.WorkflowInterrupted:
		if _, err := s.store.UpdateInstanceStatus(id, types.WorkflowRunning, ""); err != nil {
			return err
		}
		if s.broker != nil {
			s.broker.PublishWorkflow(events.EventWorkflowResumed, id, "")
		}
	case types.WorkflowRunning:
		// Already running; advancing is still useful after a restart.
	default:
		return fmt.Errorf("instance %s cannot be resumed from status %s", id, inst.Status)
	}
	return s.Advance(id)
}

// StopWorkflow gracefully terminates an instance. In-flight jobs run to
// completion but their results are discarded; no new work is produced.
func (s *Scheduler) StopWorkflow(id, reason string) error {
	return s.terminate(id, reason, false)
}

// CancelWorkflow terminates an instance and cancels its queued work.
func (s *Scheduler) CancelWorkflow(id, reason string) error {
	return s.terminate(id, reason, true)
}

// terminate writes the terminal status under a short lock. The next tick
// of whichever worker holds the advancement lock observes the terminal
// status and halts; with cancelChildren the pending node instances are
// cancelled immediately.
func (s *Scheduler) terminate(id, reason string, cancelChildren bool) error {
	if _, err := s.store.UpdateInstanceStatus(id, types.WorkflowCancelled, reason); err != nil {
		return err
	}
	s.logw.Info(id, "", "workflow_cancelled", reason)
	if s.broker != nil {
		s.broker.PublishWorkflow(events.EventWorkflowCancelled, id, reason)
	}

	if cancelChildren {
		nodes, err := s.store.ListNodeInstances(id)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			if node.Status.Terminal() {
				continue
			}
			if _, err := s.store.UpdateNodeStatus(node.ID, types.NodeCancelled, "workflow cancelled", nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Advance performs one advancement pass for the instance: acquire its
// workflow lock, promote settled nodes, start newly runnable ones,
// evaluate terminal state, release. Contention is a silent no-op; the
// owning worker is already on it.
func (s *Scheduler) Advance(instanceID string) error {
	key := workflowLockKey(instanceID)
	acquired, err := s.locks.Acquire(key, s.workerID, s.cfg.LockTTL, types.LockWorkflow, nil)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}

	keepAliveStop := make(chan struct{})
	go s.locks.KeepAlive(key, s.workerID, s.cfg.LockTTL, keepAliveStop)
	defer func() {
		close(keepAliveStop)
		if _, err := s.locks.Release(key, s.workerID); err != nil {
			log.WithWorkflowInstanceID(instanceID).Error().Err(err).Msg("failed to release workflow lock")
		}
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	var inst *types.WorkflowInstance
	err = retry.Do(func() error {
		var e error
		inst, e = s.store.GetInstance(instanceID)
		return e
	}, retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	if inst.Status.Terminal() || inst.Status == types.WorkflowPaused {
		return nil
	}

	if inst.Status == types.WorkflowPending || inst.Status == types.WorkflowInterrupted {
		resumed := inst.Status == types.WorkflowInterrupted
		if inst, err = s.store.UpdateInstanceStatus(instanceID, types.WorkflowRunning, ""); err != nil {
			return err
		}
		if s.broker != nil && !resumed {
			s.broker.PublishWorkflow(events.EventWorkflowStarted, instanceID, inst.Name)
		}
		if !resumed {
			s.logw.Info(instanceID, "", "workflow_start", "instance running")
		}
	} else {
		// Heartbeat. The resume loop treats a running instance with a
		// stale UpdatedAt and no live lock as abandoned.
		if err := s.store.UpdateInstance(inst); err != nil {
			return fmt.Errorf("failed to refresh instance heartbeat: %w", err)
		}
	}

	def, err := s.defs.GetByID(inst.DefinitionID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", inst.DefinitionID, err)
	}

	return s.advancePass(inst, def)
}

// advancePass runs one increment of the instance's graph.
func (s *Scheduler) advancePass(inst *types.WorkflowInstance, def *types.WorkflowDefinition) error {
	g := def.Graph

	nodes, err := s.store.ListNodeInstances(inst.ID)
	if err != nil {
		return err
	}
	topLevel := make(map[string]*types.NodeInstance)
	for _, node := range nodes {
		if node.ParentNodeID == "" {
			topLevel[node.NodeID] = node
		}
	}

	// Materialize newly runnable graph nodes.
	for _, nodeID := range s.runnableNodes(g, topLevel) {
		spec := g.Nodes[nodeID]
		node := &types.NodeInstance{
			ID:                 uuid.New().String(),
			WorkflowInstanceID: inst.ID,
			NodeID:             nodeID,
			NodeName:           spec.Name,
			NodeType:           spec.Kind,
			Status:             types.NodePending,
			InputData:          spec.InputData,
		}
		if err := s.store.CreateNodeInstance(node); err != nil {
			return err
		}
		topLevel[nodeID] = node

		inst.CurrentNodeID = nodeID
		if err := s.store.UpdateInstance(inst); err != nil {
			return err
		}
	}

	// Advance every live top-level node.
	for nodeID, node := range topLevel {
		if node.Status.Terminal() {
			continue
		}
		spec, ok := g.Nodes[nodeID]
		if !ok {
			continue
		}
		deps := s.dependencyResults(g, nodeID, topLevel)
		if err := s.runner.Step(inst, node, spec, deps); err != nil {
			return err
		}
	}

	return s.evaluateTerminal(inst, g)
}

// runnableNodes returns graph nodes with no instance yet whose in-edge
// predecessors have all completed. The start node is runnable immediately.
func (s *Scheduler) runnableNodes(g *types.Graph, topLevel map[string]*types.NodeInstance) []string {
	inEdges := make(map[string][]string)
	for _, e := range g.Edges {
		inEdges[e.To] = append(inEdges[e.To], e.From)
	}

	var runnable []string
	if _, started := topLevel[g.StartNodeID]; !started {
		runnable = append(runnable, g.StartNodeID)
	}
	for nodeID := range g.Nodes {
		if nodeID == g.StartNodeID {
			continue
		}
		if _, started := topLevel[nodeID]; started {
			continue
		}
		preds := inEdges[nodeID]
		if len(preds) == 0 {
			continue // unreachable from the start node unless edged in
		}
		ready := true
		for _, pred := range preds {
			predNode, ok := topLevel[pred]
			if !ok || predNode.Status != types.NodeCompleted {
				ready = false
				break
			}
		}
		if ready {
			runnable = append(runnable, nodeID)
		}
	}
	return runnable
}

// dependencyResults collects completed predecessor outputs for a node.
func (s *Scheduler) dependencyResults(g *types.Graph, nodeID string, topLevel map[string]*types.NodeInstance) map[string]json.RawMessage {
	deps := make(map[string]json.RawMessage)
	for _, e := range g.Edges {
		if e.To != nodeID {
			continue
		}
		if pred, ok := topLevel[e.From]; ok && pred.Status == types.NodeCompleted && len(pred.Result) > 0 {
			deps[e.From] = pred.Result
		}
	}
	return deps
}

// evaluateTerminal promotes the instance when its graph has concluded: any
// permanently failed node fails the instance; all sink nodes completed
// completes it.
func (s *Scheduler) evaluateTerminal(inst *types.WorkflowInstance, g *types.Graph) error {
	nodes, err := s.store.ListNodeInstances(inst.ID)
	if err != nil {
		return err
	}
	topLevel := make(map[string]*types.NodeInstance)
	for _, node := range nodes {
		if node.ParentNodeID == "" {
			topLevel[node.NodeID] = node
		}
	}

	for _, node := range topLevel {
		if node.Status == types.NodeFailed {
			if _, err := s.store.UpdateInstanceStatus(inst.ID, types.WorkflowFailed, node.ErrorMessage); err != nil {
				return err
			}
			s.logw.Error(inst.ID, node.ID, "workflow_failed", node.ErrorMessage, nil)
			if s.broker != nil {
				s.broker.PublishWorkflow(events.EventWorkflowFailed, inst.ID, node.ErrorMessage)
			}
			return nil
		}
	}

	hasOut := make(map[string]bool)
	for _, e := range g.Edges {
		hasOut[e.From] = true
	}
	for nodeID := range g.Nodes {
		if hasOut[nodeID] {
			continue
		}
		node, ok := topLevel[nodeID]
		if !ok || node.Status != types.NodeCompleted {
			return nil // still work to do
		}
	}

	if _, err := s.store.UpdateInstanceStatus(inst.ID, types.WorkflowCompleted, ""); err != nil {
		return err
	}
	s.logw.Info(inst.ID, "", "workflow_completed", "all sink nodes completed")
	if s.broker != nil {
		s.broker.PublishWorkflow(events.EventWorkflowCompleted, inst.ID, "")
	}
	return nil
}
