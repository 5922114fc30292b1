package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

func TestAdapterDefinitionVersioning(t *testing.T) {
	s := newStack(t)

	graph := &types.Graph{
		StartNodeID: "emit",
		Nodes: map[string]*types.NodeSpec{
			"emit": {Name: "emit", Kind: types.NodeKindSimple, Executor: "echo"},
		},
	}
	v1 := &types.WorkflowDefinition{ID: uuid.New().String(), Name: "report", Version: 1, Active: true, Graph: graph}
	v2 := &types.WorkflowDefinition{ID: uuid.New().String(), Name: "report", Version: 2, Graph: graph}
	require.NoError(t, s.adapter.CreateDefinition(v1, s.registry))
	require.NoError(t, s.adapter.CreateDefinition(v2, s.registry))

	inst, err := s.adapter.StartWorkflowByName("report", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Version)

	require.NoError(t, s.adapter.ActivateDefinitionVersion("report", 2))

	inst, err = s.adapter.StartWorkflowByName("report", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.Version, "activation must invalidate the cached active version")
}

func TestAdapterRejectsInvalidDefinition(t *testing.T) {
	s := newStack(t)

	def := &types.WorkflowDefinition{ID: uuid.New().String(), Name: "bad", Version: 1, Graph: &types.Graph{
		StartNodeID: "a",
		Nodes: map[string]*types.NodeSpec{
			"a": {Name: "a", Kind: types.NodeKindSimple, Executor: "no-such"},
		},
	}}
	err := s.adapter.CreateDefinition(def, s.registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such")
}

func TestAdapterGetWorkflowStatus(t *testing.T) {
	s := newStack(t)
	def := s.createDefinition(t, &types.Graph{
		StartNodeID: "emit",
		Nodes: map[string]*types.NodeSpec{
			"emit": {Name: "emit", Kind: types.NodeKindSimple, Executor: "echo"},
		},
	})

	inst, err := s.adapter.StartWorkflow(def.ID, json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	s.awaitStatus(t, inst.ID, types.WorkflowCompleted)

	status, err := s.adapter.GetWorkflowStatus(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, status.Instance.Status)
	require.Len(t, status.Nodes, 1)
	assert.Equal(t, types.NodeCompleted, status.Nodes[0].Status)

	_, err = s.adapter.GetWorkflowStatus("no-such-instance")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdapterStats(t *testing.T) {
	s := newStack(t)
	def := s.createDefinition(t, &types.Graph{
		StartNodeID: "emit",
		Nodes: map[string]*types.NodeSpec{
			"emit": {Name: "emit", Kind: types.NodeKindSimple, Executor: "echo"},
		},
	})

	for i := 0; i < 3; i++ {
		inst, err := s.adapter.StartWorkflow(def.ID, nil)
		require.NoError(t, err)
		s.awaitStatus(t, inst.ID, types.WorkflowCompleted)
	}

	stats, err := s.adapter.GetWorkflowStats(def.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[types.WorkflowCompleted])
	assert.GreaterOrEqual(t, stats.AvgDurationMs, int64(0))
}

func TestAdapterBatchResume(t *testing.T) {
	s := newStack(t)
	def := s.createDefinition(t, &types.Graph{
		StartNodeID: "emit",
		Nodes: map[string]*types.NodeSpec{
			"emit": {Name: "emit", Kind: types.NodeKindSimple, Executor: "echo"},
		},
	})

	paused := &types.WorkflowInstance{ID: uuid.New().String(), DefinitionID: def.ID, Name: def.Name, Version: 1, Status: types.WorkflowPending}
	require.NoError(t, s.store.CreateInstance(paused))
	_, err := s.store.UpdateInstanceStatus(paused.ID, types.WorkflowRunning, "")
	require.NoError(t, err)
	_, err = s.store.UpdateInstanceStatus(paused.ID, types.WorkflowPaused, "")
	require.NoError(t, err)

	results := s.adapter.BatchResumeWorkflows([]string{paused.ID, "missing"})
	assert.NoError(t, results[paused.ID])
	assert.Error(t, results["missing"])
}

func TestAdapterCleanupExpiredInstances(t *testing.T) {
	s := newStack(t)
	def := s.createDefinition(t, &types.Graph{
		StartNodeID: "emit",
		Nodes: map[string]*types.NodeSpec{
			"emit": {Name: "emit", Kind: types.NodeKindSimple, Executor: "echo"},
		},
	})

	inst, err := s.adapter.StartWorkflow(def.ID, nil)
	require.NoError(t, err)
	s.awaitStatus(t, inst.ID, types.WorkflowCompleted)

	// Nothing is young enough to delete yet.
	n, err := s.adapter.CleanupExpiredInstances(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.adapter.CleanupExpiredInstances(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.store.GetInstance(inst.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
