package workflow

import (
	"fmt"

	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/types"
)

// ValidateDefinition checks a definition graph before it is stored. With a
// non-nil registry, executor names are resolved and their config validators
// run; with nil, only structural checks apply.
func ValidateDefinition(def *types.WorkflowDefinition, registry *executor.Registry) error {
	if def.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if def.Version < 1 {
		return fmt.Errorf("definition version must be >= 1, got %d", def.Version)
	}
	if def.Graph == nil {
		return fmt.Errorf("definition graph is required")
	}
	g := def.Graph
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.StartNodeID == "" {
		return fmt.Errorf("graph start node is required")
	}
	if _, ok := g.Nodes[g.StartNodeID]; !ok {
		return fmt.Errorf("start node %q is not in the graph", g.StartNodeID)
	}

	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("node %q has a self edge", e.From)
		}
	}

	if err := checkAcyclic(g); err != nil {
		return err
	}

	for id, spec := range g.Nodes {
		if err := validateNodeSpec(id, spec, registry); err != nil {
			return err
		}
	}
	return nil
}

func validateNodeSpec(id string, spec *types.NodeSpec, registry *executor.Registry) error {
	if spec == nil {
		return fmt.Errorf("node %q has no spec", id)
	}
	switch spec.Kind {
	case types.NodeKindSimple:
		if spec.Executor == "" {
			return fmt.Errorf("simple node %q needs an executor", id)
		}
		if registry != nil {
			if err := registry.Validate(spec.Executor, spec.InputData); err != nil {
				return fmt.Errorf("node %q: %w", id, err)
			}
		}
	case types.NodeKindParallel:
		if len(spec.Branches) == 0 {
			return fmt.Errorf("parallel node %q has no branches", id)
		}
		switch spec.JoinPolicy {
		case "", types.JoinAll, types.JoinAnySuccess:
		default:
			return fmt.Errorf("parallel node %q has unknown join policy %q", id, spec.JoinPolicy)
		}
		for i, branch := range spec.Branches {
			if err := validateNodeSpec(fmt.Sprintf("%s.branch%d", id, i), branch, registry); err != nil {
				return err
			}
		}
	case types.NodeKindLoop:
		if spec.Source == nil || spec.Source.Executor == "" {
			return fmt.Errorf("loop node %q needs a source executor", id)
		}
		if spec.Child == nil {
			return fmt.Errorf("loop node %q needs a child template", id)
		}
		if registry != nil {
			if err := registry.Validate(spec.Source.Executor, spec.Source.Config); err != nil {
				return fmt.Errorf("loop node %q source: %w", id, err)
			}
		}
		switch spec.OnChildFailure {
		case "", types.FailureAbort, types.FailureContinue:
		default:
			return fmt.Errorf("loop node %q has unknown failure policy %q", id, spec.OnChildFailure)
		}
		if err := validateNodeSpec(id+".child", spec.Child, registry); err != nil {
			return err
		}
	default:
		return fmt.Errorf("node %q has unknown kind %q", id, spec.Kind)
	}

	if spec.Retry != nil {
		if spec.Retry.MaxRetries < 0 {
			return fmt.Errorf("node %q retry maxRetries must be >= 0", id)
		}
		switch spec.Retry.Backoff {
		case "", types.BackoffFixed, types.BackoffLinear, types.BackoffExponential:
		default:
			return fmt.Errorf("node %q has unknown backoff policy %q", id, spec.Retry.Backoff)
		}
	}
	return nil
}

// checkAcyclic rejects cycles in the top-level edge set with a three-color
// depth-first walk.
func checkAcyclic(g *types.Graph) error {
	out := make(map[string][]string)
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, next := range out[id] {
			switch color[next] {
			case gray:
				return fmt.Errorf("graph has a cycle through %q", next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.Nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
