package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/execlog"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// NodeRunner advances individual node instances through their state
// machines. Each Step call performs one increment (enqueue, fan out, reap,
// promote) and returns; overall progress is driven by scheduler ticks, so
// every boundary is a valid resume point.
type NodeRunner struct {
	store     storage.Store
	registry  *executor.Registry
	logw      *execlog.Writer
	broker    *events.Broker
	queueName string
	// sourceTimeout bounds a loop's data-source invocation.
	sourceTimeout time.Duration
}

// NewNodeRunner creates a node runner. broker may be nil.
func NewNodeRunner(store storage.Store, registry *executor.Registry, logw *execlog.Writer, broker *events.Broker, queueName string, sourceTimeout time.Duration) *NodeRunner {
	if queueName == "" {
		queueName = "default"
	}
	if sourceTimeout <= 0 {
		sourceTimeout = 2 * time.Minute
	}
	return &NodeRunner{
		store:         store,
		registry:      registry,
		logw:          logw,
		broker:        broker,
		queueName:     queueName,
		sourceTimeout: sourceTimeout,
	}
}

// Step advances one node instance by one increment. deps carries the
// results of the node's completed in-edge predecessors, keyed by graph
// node id; it is nil for sub-nodes.
func (r *NodeRunner) Step(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec, deps map[string]json.RawMessage) error {
	if node.Status.Terminal() {
		return nil
	}
	switch spec.Kind {
	case types.NodeKindSimple:
		return r.stepSimple(inst, node, spec, deps)
	case types.NodeKindParallel:
		return r.stepParallel(inst, node, spec)
	case types.NodeKindLoop:
		return r.stepLoop(inst, node, spec)
	}
	_, err := r.store.UpdateNodeStatus(node.ID, types.NodeFailed, fmt.Sprintf("unknown node kind %q", spec.Kind), nil)
	return err
}

// jobID derives the queue job identity for a node attempt. Including the
// retry count makes every node-level retry a fresh job.
func jobID(node *types.NodeInstance) string {
	return node.ID + "-a" + strconv.Itoa(node.RetryCount)
}

func (r *NodeRunner) stepSimple(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec, deps map[string]json.RawMessage) error {
	switch node.Status {
	case types.NodePending, types.NodeFailedRetry:
		return r.enqueueSimple(inst, node, spec, deps)
	case types.NodeRunning:
		return r.reapSimple(inst, node, spec)
	}
	return nil
}

func (r *NodeRunner) enqueueSimple(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec, deps map[string]json.RawMessage) error {
	if !r.registry.Has(spec.Executor) {
		// Unknown executor is fatal for the node, never retried.
		msg := fmt.Sprintf("executor %q not registered", spec.Executor)
		r.logw.Error(inst.ID, node.ID, "node_failed", msg, nil)
		return r.concludeNode(inst, node, types.NodeFailed, msg)
	}

	// Upstream results travel twice: merged into the payload for executors
	// that read a flat input object, and structured in the job metadata so
	// the worker can hand them over as Dependencies.
	payload := mergeObjects(inst.Input, spec.InputData, node.InputData)
	meta := executor.JobMeta{
		WorkflowInstanceID: inst.ID,
		NodeInstanceID:     node.ID,
	}
	for _, nodeID := range sortedKeys(deps) {
		payload = mergeObjects(payload, deps[nodeID])
		meta.Dependencies = append(meta.Dependencies, executor.Dependency{NodeID: nodeID, Result: deps[nodeID]})
	}
	metaRaw, err := meta.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}

	job := &types.QueueJob{
		ID:           jobID(node),
		QueueName:    r.queueName,
		JobName:      node.NodeName,
		ExecutorName: spec.Executor,
		Payload:      payload,
		MaxAttempts:  1,
		Metadata:     metaRaw,
	}
	if err := r.store.CreateJob(job); err != nil {
		return fmt.Errorf("failed to enqueue node job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(r.queueName).Inc()

	if _, err := r.store.UpdateNodeStatus(node.ID, types.NodeRunning, "", nil); err != nil {
		return err
	}
	r.logw.Info(inst.ID, node.ID, "node_start", "job enqueued for executor "+spec.Executor)
	if r.broker != nil {
		r.broker.PublishNode(events.EventNodeStarted, inst.ID, node.ID, node.NodeName)
	}
	return nil
}

// reapSimple checks whether the node's job has settled and promotes the
// node accordingly. In-flight jobs leave the node running for a later tick.
func (r *NodeRunner) reapSimple(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	id := jobID(node)

	if succeeded, err := r.store.GetSucceededJob(id); err == nil {
		if err := r.store.UpdateNodeResult(node.ID, succeeded.Result); err != nil {
			return err
		}
		r.logw.Info(inst.ID, node.ID, "node_completed", "executor succeeded")
		return r.concludeNode(inst, node, types.NodeCompleted, "")
	}

	job, err := r.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// Job is gone without a success record (cancelled or rejected).
		if failed, ferr := r.store.GetFailedJob(id); ferr == nil {
			return r.failOrRetry(inst, node, spec, failed.ErrorMessage)
		}
		return r.failOrRetry(inst, node, spec, "job disappeared before settling")
	}

	if job.Status == types.JobFailed && job.Attempts >= job.MaxAttempts {
		return r.failOrRetry(inst, node, spec, job.ErrorMessage)
	}
	return nil // still in flight
}

// failOrRetry applies the node's retry policy to a failed attempt.
func (r *NodeRunner) failOrRetry(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec, message string) error {
	if spec.Retry != nil && node.RetryCount < spec.Retry.MaxRetries {
		node.RetryCount++
		node.Status = types.NodeFailedRetry
		node.ErrorMessage = message
		if err := r.store.UpdateNodeInstance(node); err != nil {
			return err
		}
		r.logw.Write(types.LogWarn, inst.ID, node.ID, "node_retry",
			fmt.Sprintf("attempt failed, retry %d/%d: %s", node.RetryCount, spec.Retry.MaxRetries, message), nil)
		return nil
	}
	r.logw.Error(inst.ID, node.ID, "node_failed", message, nil)
	return r.concludeNode(inst, node, types.NodeFailed, message)
}

// concludeNode writes a terminal node status and emits metrics and events.
func (r *NodeRunner) concludeNode(inst *types.WorkflowInstance, node *types.NodeInstance, status types.NodeStatus, message string) error {
	updated, err := r.store.UpdateNodeStatus(node.ID, status, message, nil)
	if err != nil {
		return err
	}
	*node = *updated

	outcome := "completed"
	eventType := events.EventNodeCompleted
	if status == types.NodeFailed {
		outcome = "failed"
		eventType = events.EventNodeFailed
	}
	metrics.NodesExecutedTotal.WithLabelValues(string(node.NodeType), outcome).Inc()
	if r.broker != nil {
		r.broker.PublishNode(eventType, inst.ID, node.ID, message)
	}
	return nil
}

func (r *NodeRunner) stepParallel(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	if node.LoopProgress == nil {
		return r.fanOutParallel(inst, node, spec)
	}
	return r.joinChildren(inst, node, spec)
}

// fanOutParallel creates one child per branch and flips the parent's
// progress in a single transaction, so a crash mid fan-out re-runs cleanly.
func (r *NodeRunner) fanOutParallel(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	children := make([]*types.NodeInstance, len(spec.Branches))
	for i, branch := range spec.Branches {
		children[i] = &types.NodeInstance{
			ID:                 uuid.New().String(),
			WorkflowInstanceID: inst.ID,
			ParentNodeID:       node.ID,
			NodeID:             fmt.Sprintf("%s.branch%d", node.NodeID, i),
			NodeName:           branch.Name,
			NodeType:           branch.Kind,
			Status:             types.NodePending,
			ChildIndex:         i,
			InputData:          branch.InputData,
		}
	}
	progress := &types.LoopProgress{Status: types.LoopExecuting, TotalCount: len(children)}
	if err := r.store.CreateChildNodesTxn(node.ID, children, progress); err != nil {
		return fmt.Errorf("parallel fan-out failed: %w", err)
	}
	if _, err := r.store.UpdateNodeStatus(node.ID, types.NodeRunning, "", nil); err != nil {
		return err
	}
	r.logw.Info(inst.ID, node.ID, "parallel_fanout", fmt.Sprintf("%d branches created", len(children)))
	return nil
}

func (r *NodeRunner) stepLoop(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	if node.LoopProgress == nil || node.LoopProgress.Status == types.LoopCreating {
		return r.fanOutLoop(inst, node, spec)
	}
	if node.LoopProgress.Status == types.LoopCompleted {
		return nil
	}
	return r.joinChildren(inst, node, spec)
}

// fanOutLoop runs the creating phase: invoke the data source, then create
// every child and flip progress to executing in one transaction. Re-running
// after a partial failure is safe because child slots are unique per
// (instance, parent, childIndex) and existing slots are skipped.
func (r *NodeRunner) fanOutLoop(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	src, ok := r.registry.Get(spec.Source.Executor)
	if !ok {
		msg := fmt.Sprintf("loop source executor %q not registered", spec.Source.Executor)
		r.logw.Error(inst.ID, node.ID, "node_failed", msg, nil)
		return r.concludeNode(inst, node, types.NodeFailed, msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.sourceTimeout)
	defer cancel()
	result, err := src.Execute(ctx, &executor.Context{
		Config:    spec.Source.Config,
		InputData: mergeObjects(inst.Input, node.InputData),
		Metadata: executor.Metadata{
			WorkflowInstanceID: inst.ID,
			NodeInstanceID:     node.ID,
			Attempt:            node.RetryCount + 1,
		},
		Logger: *log.WithNodeInstanceID(node.ID),
	})
	if err != nil {
		return r.failOrRetry(inst, node, spec, "loop source error: "+err.Error())
	}
	if !result.Success {
		return r.failOrRetry(inst, node, spec, "loop source failed: "+result.Error)
	}

	var items []json.RawMessage
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &items); err != nil {
			return r.failOrRetry(inst, node, spec, "loop source returned non-array data: "+err.Error())
		}
	}

	children := make([]*types.NodeInstance, len(items))
	for i, item := range items {
		children[i] = &types.NodeInstance{
			ID:                 uuid.New().String(),
			WorkflowInstanceID: inst.ID,
			ParentNodeID:       node.ID,
			NodeID:             fmt.Sprintf("%s[%d]", node.NodeID, i),
			NodeName:           spec.Child.Name,
			NodeType:           spec.Child.Kind,
			Status:             types.NodePending,
			ChildIndex:         i,
			InputData:          loopChildInput(i, item),
		}
	}

	// Empty items still flips progress to executing in the same
	// transaction; the join pass then completes the node with totalCount 0.
	progress := &types.LoopProgress{Status: types.LoopExecuting, TotalCount: len(children)}
	if err := r.store.CreateChildNodesTxn(node.ID, children, progress); err != nil {
		return fmt.Errorf("loop fan-out failed: %w", err)
	}
	if _, err := r.store.UpdateNodeStatus(node.ID, types.NodeRunning, "", nil); err != nil {
		return err
	}
	node.LoopProgress = progress
	r.logw.Info(inst.ID, node.ID, "loop_fanout", fmt.Sprintf("%d items", len(children)))
	return nil
}

// joinChildren advances a fan-out node's children and evaluates the join
// once every child is terminal.
func (r *NodeRunner) joinChildren(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec) error {
	children, err := r.store.FindChildNodes(node.ID)
	if err != nil {
		return err
	}

	if err := r.advanceChildren(inst, node, spec, children); err != nil {
		return err
	}

	// Re-read for the tally; advanceChildren mutates the slice in place but
	// a refetch keeps the counts honest under concurrent writers.
	children, err = r.store.FindChildNodes(node.ID)
	if err != nil {
		return err
	}

	completed, failed := 0, 0
	for _, child := range children {
		switch child.Status {
		case types.NodeCompleted, types.NodeSkipped:
			completed++
		case types.NodeFailed, types.NodeCancelled:
			failed++
		}
	}

	progress := &types.LoopProgress{
		Status:         types.LoopExecuting,
		TotalCount:     node.LoopProgress.TotalCount,
		CompletedCount: completed,
		FailedCount:    failed,
	}

	if spec.Kind == types.NodeKindLoop && spec.OnChildFailure == types.FailureAbort && failed > 0 {
		if err := r.cancelPendingChildren(children); err != nil {
			return err
		}
		progress.Status = types.LoopCompleted
		if _, err := r.store.UpdateLoopProgress(node.ID, progress); err != nil {
			return err
		}
		return r.concludeNode(inst, node, types.NodeFailed, "loop aborted on child failure")
	}

	if completed+failed < progress.TotalCount {
		if node.LoopProgress.CompletedCount != completed || node.LoopProgress.FailedCount != failed {
			if _, err := r.store.UpdateLoopProgress(node.ID, progress); err != nil {
				return err
			}
		}
		return nil // children still in flight
	}

	progress.Status = types.LoopCompleted
	if _, err := r.store.UpdateLoopProgress(node.ID, progress); err != nil {
		return err
	}

	status, message := joinOutcome(spec, completed, failed, progress.TotalCount)
	if status == types.NodeCompleted {
		if result, err := childResults(children); err == nil {
			if err := r.store.UpdateNodeResult(node.ID, result); err != nil {
				return err
			}
		}
	}
	return r.concludeNode(inst, node, status, message)
}

// joinOutcome decides the parent's terminal status from child tallies.
func joinOutcome(spec *types.NodeSpec, completed, failed, total int) (types.NodeStatus, string) {
	switch spec.Kind {
	case types.NodeKindParallel:
		policy := spec.JoinPolicy
		if policy == "" {
			policy = types.JoinAll
		}
		if policy == types.JoinAnySuccess {
			if completed > 0 || total == 0 {
				return types.NodeCompleted, ""
			}
			return types.NodeFailed, fmt.Sprintf("all %d branches failed", total)
		}
		if failed > 0 {
			return types.NodeFailed, fmt.Sprintf("%d of %d branches failed", failed, total)
		}
		return types.NodeCompleted, ""
	default: // loop
		// onChildFailure "continue": the loop completes and records the
		// failure tally; "abort" is handled before the join.
		return types.NodeCompleted, ""
	}
}

// advanceChildren steps non-terminal children, serially or in parallel per
// the node's executor config.
func (r *NodeRunner) advanceChildren(inst *types.WorkflowInstance, node *types.NodeInstance, spec *types.NodeSpec, children []*types.NodeInstance) error {
	pending := lo.Filter(children, func(child *types.NodeInstance, _ int) bool {
		return !child.Status.Terminal()
	})
	if len(pending) == 0 {
		return nil
	}

	parallel := spec.Kind == types.NodeKindParallel
	concurrency := len(pending)
	if spec.Kind == types.NodeKindLoop && spec.ExecutorConfig != nil {
		parallel = spec.ExecutorConfig.Parallel
		if spec.ExecutorConfig.Concurrency > 0 {
			concurrency = spec.ExecutorConfig.Concurrency
		}
	}

	if !parallel {
		// Serial loops advance only the first non-terminal child; order is
		// (childIndex, id).
		return r.Step(inst, pending[0], childSpec(spec, pending[0]), nil)
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for _, child := range pending {
		child := child
		g.Go(func() error {
			return r.Step(inst, child, childSpec(spec, child), nil)
		})
	}
	return g.Wait()
}

// childSpec resolves the spec a fan-out child executes under.
func childSpec(parent *types.NodeSpec, child *types.NodeInstance) *types.NodeSpec {
	if parent.Kind == types.NodeKindParallel {
		if child.ChildIndex < len(parent.Branches) {
			return parent.Branches[child.ChildIndex]
		}
	}
	return parent.Child
}

func (r *NodeRunner) cancelPendingChildren(children []*types.NodeInstance) error {
	for _, child := range children {
		if child.Status == types.NodePending || child.Status == types.NodeFailedRetry {
			if _, err := r.store.UpdateNodeStatus(child.ID, types.NodeCancelled, "parent aborted", nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// childResults collects terminal child results into an ordered JSON array.
func childResults(children []*types.NodeInstance) ([]byte, error) {
	results := make([]json.RawMessage, 0, len(children))
	for _, child := range children {
		if len(child.Result) > 0 {
			results = append(results, child.Result)
		} else {
			results = append(results, json.RawMessage(`null`))
		}
	}
	return json.Marshal(results)
}

// loopChildInput builds one iteration's payload. Object items contribute
// their keys next to iterationIndex; any other item value (scalar, array,
// null) is carried under "item" so it survives the object merge.
func loopChildInput(i int, item json.RawMessage) json.RawMessage {
	index, _ := json.Marshal(map[string]int{"iterationIndex": i})
	if len(item) == 0 {
		return index
	}
	if trimmed := bytes.TrimLeft(item, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return mergeObjects(index, item)
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{"item": item})
	if err != nil {
		return index
	}
	return mergeObjects(index, wrapped)
}

// mergeObjects shallow-merges JSON objects left to right; later keys win.
// Non-object inputs are skipped.
func mergeObjects(parts ...json.RawMessage) json.RawMessage {
	merged := map[string]interface{}{}
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(part, &m); err != nil {
			continue
		}
		merged = lo.Assign(merged, m)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// sortedKeys keeps the dependency merge order deterministic across ticks.
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
