package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
)

func makeDefinition(id, name string, version int, active bool) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:      id,
		Name:    name,
		Version: version,
		Active:  active,
		Graph: &types.Graph{
			StartNodeID: "step",
			Nodes: map[string]*types.NodeSpec{
				"step": {Name: "step", Kind: types.NodeKindSimple, Executor: "echo"},
			},
		},
	}
}

func TestDefinitionVersioningAndActivation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateDefinition(makeDefinition("d1", "report", 1, true)))
	require.NoError(t, s.CreateDefinition(makeDefinition("d2", "report", 2, false)))

	active, err := s.GetActiveDefinitionByName("report")
	require.NoError(t, err)
	assert.Equal(t, "d1", active.ID)

	versions, err := s.ListDefinitionVersions("report")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)

	require.NoError(t, s.ActivateDefinitionVersion("report", 2))

	active, err = s.GetActiveDefinitionByName("report")
	require.NoError(t, err)
	assert.Equal(t, "d2", active.ID)

	// The flip deactivates every other version of the name.
	v1, err := s.GetDefinition("d1")
	require.NoError(t, err)
	assert.False(t, v1.Active)
	v2, err := s.GetDefinition("d2")
	require.NoError(t, err)
	assert.True(t, v2.Active)
}

func TestActivateMissingVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDefinition(makeDefinition("d1", "report", 1, true)))

	err := s.ActivateDefinitionVersion("report", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDefinitionRejectsDuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDefinition(makeDefinition("d1", "report", 1, true)))

	err := s.CreateDefinition(makeDefinition("d2", "report", 1, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestUpdateDefinitionNameVersionImmutable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateDefinition(makeDefinition("d1", "report", 1, true)))

	renamed := makeDefinition("d1", "invoice", 1, true)
	assert.Error(t, s.UpdateDefinition(renamed))

	bumped := makeDefinition("d1", "report", 2, true)
	assert.Error(t, s.UpdateDefinition(bumped))
}

func TestInstanceTransitionGuards(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateInstance(&types.WorkflowInstance{
		ID:           "wf-1",
		DefinitionID: "d1",
		Name:         "report",
		Version:      1,
		Status:       types.WorkflowPending,
	}))

	// pending may not jump straight to completed.
	_, err := s.UpdateInstanceStatus("wf-1", types.WorkflowCompleted, "")
	require.Error(t, err)

	inst, err := s.UpdateInstanceStatus("wf-1", types.WorkflowRunning, "")
	require.NoError(t, err)
	require.NotNil(t, inst.StartedAt)

	inst, err = s.UpdateInstanceStatus("wf-1", types.WorkflowInterrupted, "")
	require.NoError(t, err)
	assert.Nil(t, inst.CompletedAt)

	inst, err = s.UpdateInstanceStatus("wf-1", types.WorkflowRunning, "")
	require.NoError(t, err)

	inst, err = s.UpdateInstanceStatus("wf-1", types.WorkflowFailed, "node step failed")
	require.NoError(t, err)
	require.NotNil(t, inst.CompletedAt)
	assert.Equal(t, "node step failed", inst.ErrorMessage)

	// Terminal statuses are frozen.
	_, err = s.UpdateInstanceStatus("wf-1", types.WorkflowRunning, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid instance transition")
}

func TestGetWorkflowInstancesFilterAndPaging(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		require.NoError(t, s.CreateInstance(&types.WorkflowInstance{
			ID: id, DefinitionID: "d1", Name: "report", Version: 1,
			Status: types.WorkflowPending,
		}))
	}
	_, err := s.UpdateInstanceStatus("wf-2", types.WorkflowRunning, "")
	require.NoError(t, err)

	running, err := s.GetWorkflowInstances(InstanceFilter{Status: types.WorkflowRunning}, Page{})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf-2", running[0].ID)

	page, err := s.GetWorkflowInstances(InstanceFilter{}, Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.GetWorkflowInstances(InstanceFilter{}, Page{Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestDeleteInstanceRemovesNodes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateInstance(&types.WorkflowInstance{
		ID: "wf-1", DefinitionID: "d1", Name: "report", Version: 1,
		Status: types.WorkflowPending,
	}))
	require.NoError(t, s.CreateNodeInstance(&types.NodeInstance{
		ID: "n1", WorkflowInstanceID: "wf-1", NodeID: "step",
		NodeType: types.NodeKindSimple, Status: types.NodePending,
	}))

	require.NoError(t, s.DeleteInstance("wf-1"))

	_, err := s.GetInstance("wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetNodeInstance("n1")
	assert.ErrorIs(t, err, ErrNotFound)

	nodes, err := s.ListNodeInstances("wf-1")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
