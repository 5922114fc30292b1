package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/loomworks/loom/pkg/cache"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// InstanceStatus is the full view of one instance.
type InstanceStatus struct {
	Instance *types.WorkflowInstance
	Nodes    []*types.NodeInstance
}

// Stats aggregates instances for a definition or the whole engine.
type Stats struct {
	Total         int
	ByStatus      map[types.WorkflowStatus]int
	AvgDurationMs int64
}

// Adapter is the stable façade callers embed or expose. It composes the
// scheduler, the definition store, and the cache behind one API.
type Adapter struct {
	store     storage.Store
	scheduler *Scheduler
	defs      *cache.DefinitionCache
}

// NewAdapter creates the façade.
func NewAdapter(store storage.Store, scheduler *Scheduler, defs *cache.DefinitionCache) *Adapter {
	return &Adapter{store: store, scheduler: scheduler, defs: defs}
}

// CreateDefinition validates and stores a definition version. A nil
// registry skips executor resolution.
func (a *Adapter) CreateDefinition(def *types.WorkflowDefinition, registry *executor.Registry) error {
	if err := ValidateDefinition(def, registry); err != nil {
		return err
	}
	if err := a.store.CreateDefinition(def); err != nil {
		return err
	}
	a.defs.Invalidate(def.ID, def.Name)
	return nil
}

// ActivateDefinitionVersion atomically switches the active version of a name.
func (a *Adapter) ActivateDefinitionVersion(name string, version int) error {
	if err := a.store.ActivateDefinitionVersion(name, version); err != nil {
		return err
	}
	a.defs.Invalidate("", name)
	return nil
}

// StartWorkflow starts an instance of a definition by id.
func (a *Adapter) StartWorkflow(definitionID string, input json.RawMessage) (*types.WorkflowInstance, error) {
	def, err := a.defs.GetByID(definitionID)
	if err != nil {
		return nil, err
	}
	return a.scheduler.StartWorkflow(def, input)
}

// StartWorkflowByName starts an instance of the active version of a name.
func (a *Adapter) StartWorkflowByName(name string, input json.RawMessage) (*types.WorkflowInstance, error) {
	def, err := a.defs.GetActiveByName(name)
	if err != nil {
		return nil, err
	}
	return a.scheduler.StartWorkflow(def, input)
}

// ResumeWorkflow resumes a paused or interrupted instance.
func (a *Adapter) ResumeWorkflow(id string) error {
	return a.scheduler.ResumeWorkflow(id)
}

// StopWorkflow gracefully terminates an instance.
func (a *Adapter) StopWorkflow(id, reason string) error {
	return a.scheduler.StopWorkflow(id, reason)
}

// CancelWorkflow terminates an instance and cancels queued work.
func (a *Adapter) CancelWorkflow(id, reason string) error {
	return a.scheduler.CancelWorkflow(id, reason)
}

// GetWorkflowStatus returns the instance and all its node instances.
func (a *Adapter) GetWorkflowStatus(id string) (*InstanceStatus, error) {
	var inst *types.WorkflowInstance
	err := retry.Do(func() error {
		var e error
		inst, e = a.store.GetInstance(id)
		return e
	}, retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		return nil, err
	}
	nodes, err := a.store.ListNodeInstances(id)
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{Instance: inst, Nodes: nodes}, nil
}

// GetWorkflowInstances lists instances by filter, newest first.
func (a *Adapter) GetWorkflowInstances(filter storage.InstanceFilter, page storage.Page) ([]*types.WorkflowInstance, error) {
	return a.store.GetWorkflowInstances(filter, page)
}

// GetWorkflowStats aggregates instance counts and durations, optionally
// scoped to one definition and a time window.
func (a *Adapter) GetWorkflowStats(definitionID string, since time.Time) (*Stats, error) {
	instances, err := a.store.GetWorkflowInstances(storage.InstanceFilter{
		DefinitionID: definitionID,
		Since:        since,
	}, storage.Page{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[types.WorkflowStatus]int)}
	var totalDuration int64
	var durations int64
	for _, inst := range instances {
		stats.Total++
		stats.ByStatus[inst.Status]++
		if inst.StartedAt != nil && inst.CompletedAt != nil {
			totalDuration += inst.CompletedAt.Sub(*inst.StartedAt).Milliseconds()
			durations++
		}
	}
	if durations > 0 {
		stats.AvgDurationMs = totalDuration / durations
	}
	return stats, nil
}

// GetInterruptedWorkflows lists running instances with no live lock.
func (a *Adapter) GetInterruptedWorkflows() ([]*types.WorkflowInstance, error) {
	return a.scheduler.FindInterruptedInstances()
}

// BatchResumeWorkflows resumes a set of instances, reporting per-id errors.
func (a *Adapter) BatchResumeWorkflows(ids []string) map[string]error {
	result := make(map[string]error, len(ids))
	for _, id := range ids {
		result[id] = a.scheduler.ResumeWorkflow(id)
	}
	return result
}

// CleanupExpiredInstances deletes terminal instances (and their node trees)
// completed before the cutoff. Returns how many were removed.
func (a *Adapter) CleanupExpiredInstances(before time.Time) (int, error) {
	count := 0
	for _, status := range []types.WorkflowStatus{types.WorkflowCompleted, types.WorkflowFailed, types.WorkflowCancelled} {
		instances, err := a.store.FindInstancesByStatus(status)
		if err != nil {
			return count, err
		}
		for _, inst := range instances {
			if inst.CompletedAt == nil || !inst.CompletedAt.Before(before) {
				continue
			}
			if err := a.store.DeleteInstance(inst.ID); err != nil {
				return count, fmt.Errorf("failed to delete instance %s: %w", inst.ID, err)
			}
			count++
		}
	}
	return count, nil
}

// HealthCheck probes the store and reports scheduler health.
func (a *Adapter) HealthCheck() error {
	if _, err := a.store.LockStatistics(); err != nil {
		metrics.UpdateComponent("scheduler", false, err.Error())
		return fmt.Errorf("store unreachable: %w", err)
	}
	metrics.UpdateComponent("scheduler", true, "")
	return nil
}
