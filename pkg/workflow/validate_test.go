package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/types"
)

func simpleNode(name, exec string) *types.NodeSpec {
	return &types.NodeSpec{Name: name, Kind: types.NodeKindSimple, Executor: exec}
}

func validDefinition() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		Name:    "etl",
		Version: 1,
		Graph: &types.Graph{
			StartNodeID: "extract",
			Nodes: map[string]*types.NodeSpec{
				"extract": simpleNode("extract", "echo"),
				"load":    simpleNode("load", "echo"),
			},
			Edges: []types.Edge{{From: "extract", To: "load"}},
		},
	}
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(def *types.WorkflowDefinition)
		wantErr string
	}{
		{
			name:   "valid linear graph",
			mutate: func(def *types.WorkflowDefinition) {},
		},
		{
			name:    "missing name",
			mutate:  func(def *types.WorkflowDefinition) { def.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "version zero",
			mutate:  func(def *types.WorkflowDefinition) { def.Version = 0 },
			wantErr: "version must be >= 1",
		},
		{
			name:    "nil graph",
			mutate:  func(def *types.WorkflowDefinition) { def.Graph = nil },
			wantErr: "graph is required",
		},
		{
			name:    "start node not in graph",
			mutate:  func(def *types.WorkflowDefinition) { def.Graph.StartNodeID = "missing" },
			wantErr: `start node "missing"`,
		},
		{
			name: "edge to unknown node",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Edges = append(def.Graph.Edges, types.Edge{From: "load", To: "ghost"})
			},
			wantErr: "unknown node",
		},
		{
			name: "self edge",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Edges = append(def.Graph.Edges, types.Edge{From: "load", To: "load"})
			},
			wantErr: "self edge",
		},
		{
			name: "cycle",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Edges = append(def.Graph.Edges, types.Edge{From: "load", To: "extract"})
			},
			wantErr: "cycle",
		},
		{
			name: "simple node without executor",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"].Executor = ""
			},
			wantErr: "needs an executor",
		},
		{
			name: "parallel node without branches",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{Name: "load", Kind: types.NodeKindParallel}
			},
			wantErr: "no branches",
		},
		{
			name: "parallel node with bad join policy",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{
					Name:       "load",
					Kind:       types.NodeKindParallel,
					Branches:   []*types.NodeSpec{simpleNode("b0", "echo")},
					JoinPolicy: "quorum",
				}
			},
			wantErr: "unknown join policy",
		},
		{
			name: "loop node without source",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{
					Name:  "load",
					Kind:  types.NodeKindLoop,
					Child: simpleNode("item", "echo"),
				}
			},
			wantErr: "needs a source executor",
		},
		{
			name: "loop node without child template",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{
					Name:   "load",
					Kind:   types.NodeKindLoop,
					Source: &types.LoopSource{Executor: "range"},
				}
			},
			wantErr: "needs a child template",
		},
		{
			name: "loop node with bad failure policy",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{
					Name:           "load",
					Kind:           types.NodeKindLoop,
					Source:         &types.LoopSource{Executor: "range"},
					Child:          simpleNode("item", "echo"),
					OnChildFailure: "explode",
				}
			},
			wantErr: "unknown failure policy",
		},
		{
			name: "invalid branch recursion",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"] = &types.NodeSpec{
					Name:     "load",
					Kind:     types.NodeKindParallel,
					Branches: []*types.NodeSpec{{Name: "b0", Kind: types.NodeKindSimple}},
				}
			},
			wantErr: "needs an executor",
		},
		{
			name: "negative retry budget",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"].Retry = &types.RetryPolicy{MaxRetries: -1}
			},
			wantErr: "maxRetries must be >= 0",
		},
		{
			name: "unknown backoff policy",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"].Retry = &types.RetryPolicy{MaxRetries: 2, Backoff: "random"}
			},
			wantErr: "unknown backoff policy",
		},
		{
			name: "unknown node kind",
			mutate: func(def *types.WorkflowDefinition) {
				def.Graph.Nodes["load"].Kind = "teleport"
			},
			wantErr: "unknown kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			err := ValidateDefinition(def, nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDefinitionResolvesExecutors(t *testing.T) {
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(registry))

	def := validDefinition()
	assert.NoError(t, ValidateDefinition(def, registry))

	def.Graph.Nodes["load"].Executor = "no-such-executor"
	err := ValidateDefinition(def, registry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-executor")
}
