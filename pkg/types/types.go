package types

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a versioned, declarative workflow graph.
// At most one version per Name is active at any time.
type WorkflowDefinition struct {
	ID        string
	Name      string
	Version   int
	Active    bool
	Graph     *Graph
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Graph is a rooted DAG of node specs connected by edges.
type Graph struct {
	StartNodeID string
	Nodes       map[string]*NodeSpec
	Edges       []Edge
}

// Edge is a directed dependency between two graph nodes.
type Edge struct {
	From string
	To   string
}

// NodeKind defines how a node executes
type NodeKind string

const (
	NodeKindSimple   NodeKind = "simple"   // one executor call
	NodeKindParallel NodeKind = "parallel" // N independent branches
	NodeKindLoop     NodeKind = "loop"     // data-source fan-out over a child template
)

// JoinPolicy defines how a parallel node aggregates child outcomes
type JoinPolicy string

const (
	JoinAll        JoinPolicy = "all"
	JoinAnySuccess JoinPolicy = "anySuccess"
)

// FailurePolicy defines how a loop node reacts to a failed child
type FailurePolicy string

const (
	FailureAbort    FailurePolicy = "abort"
	FailureContinue FailurePolicy = "continue"
)

// NodeSpec describes a single node in a workflow graph. Which fields are
// meaningful depends on Kind.
type NodeSpec struct {
	Name           string
	Kind           NodeKind
	Executor       string          // simple: executor name
	InputData      json.RawMessage // simple: static input, merged with dependency outputs
	Branches       []*NodeSpec     // parallel
	JoinPolicy     JoinPolicy      // parallel, defaults to "all"
	Source         *LoopSource     // loop: data-source executor
	Child          *NodeSpec       // loop: template for each item
	ExecutorConfig *ExecutorConfig // loop: child execution mode
	OnChildFailure FailurePolicy   // loop, defaults to "continue"
	Retry          *RetryPolicy
}

// LoopSource names the executor that produces the items a loop fans out over.
type LoopSource struct {
	Executor string
	Config   json.RawMessage
}

// ExecutorConfig controls child execution for loop nodes
type ExecutorConfig struct {
	Parallel    bool
	Concurrency int
}

// RetryPolicy bounds per-node retries
type RetryPolicy struct {
	MaxRetries int
	Backoff    BackoffPolicy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// BackoffPolicy selects the delay growth curve between attempts
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

// WorkflowStatus represents the state of a workflow instance
type WorkflowStatus string

const (
	WorkflowPending     WorkflowStatus = "pending"
	WorkflowRunning     WorkflowStatus = "running"
	WorkflowPaused      WorkflowStatus = "paused"
	WorkflowCompleted   WorkflowStatus = "completed"
	WorkflowFailed      WorkflowStatus = "failed"
	WorkflowCancelled   WorkflowStatus = "cancelled"
	WorkflowInterrupted WorkflowStatus = "interrupted"
)

// Terminal reports whether the status permits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowInstance is one execution of a definition
type WorkflowInstance struct {
	ID            string
	DefinitionID  string
	Name          string
	Version       int
	Status        WorkflowStatus
	CurrentNodeID string
	Input         json.RawMessage
	StartedAt     *time.Time
	CompletedAt   *time.Time
	RetryCount    int
	MaxRetries    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NodeStatus represents the state of a node instance
type NodeStatus string

const (
	NodePending     NodeStatus = "pending"
	NodeRunning     NodeStatus = "running"
	NodeCompleted   NodeStatus = "completed"
	NodeFailed      NodeStatus = "failed"
	NodeFailedRetry NodeStatus = "failed_retry"
	NodeCancelled   NodeStatus = "cancelled"
	NodeSkipped     NodeStatus = "skipped"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeSkipped:
		return true
	}
	return false
}

// LoopPhase tracks where a loop node is in its two-phase execution
type LoopPhase string

const (
	LoopCreating  LoopPhase = "creating"
	LoopExecuting LoopPhase = "executing"
	LoopCompleted LoopPhase = "completed"
)

// LoopProgress is bookkeeping for loop (and parallel) fan-out nodes
type LoopProgress struct {
	Status         LoopPhase
	TotalCount     int
	CompletedCount int
	FailedCount    int
}

// NodeInstance is the runtime record of a node's execution within a
// workflow instance. Sub-nodes created by parallel or loop fan-out carry a
// non-empty ParentNodeID referencing another node instance.
type NodeInstance struct {
	ID                 string
	WorkflowInstanceID string
	ParentNodeID       string
	NodeID             string // position in the graph
	NodeName           string
	NodeType           NodeKind
	Status             NodeStatus
	ChildIndex         int
	LoopProgress       *LoopProgress
	InputData          json.RawMessage
	Result             json.RawMessage
	RetryCount         int
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	ErrorDetails       json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobStatus represents the state of a queue job
type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobExecuting JobStatus = "executing"
	JobPaused    JobStatus = "paused"
	JobDelayed   JobStatus = "delayed"
	JobFailed    JobStatus = "failed"
)

// QueueJob is a unit of executor work, persisted and dispatched by workers.
// Dispatch order among waiting jobs is (Priority desc, CreatedAt asc, ID asc).
type QueueJob struct {
	ID           string
	QueueName    string
	GroupID      string
	JobName      string
	ExecutorName string
	Payload      json.RawMessage
	Status       JobStatus
	Priority     int
	Attempts     int
	MaxAttempts  int
	DelayUntil   *time.Time
	LockedBy     string
	LockedUntil  *time.Time
	ErrorMessage string
	ErrorCode    string
	ErrorStack   string
	StartedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Metadata     json.RawMessage
}

// SucceededJob is the record a job becomes when moved to the success table.
// Metadata is intentionally dropped on the move; only payload, result, and
// timings survive.
type SucceededJob struct {
	ID              string
	QueueName       string
	GroupID         string
	JobName         string
	ExecutorName    string
	Payload         json.RawMessage
	Result          json.RawMessage
	Attempts        int
	ExecutionTimeMs int64
	StartedAt       *time.Time
	CompletedAt     time.Time
	CreatedAt       time.Time
}

// FailedJob is the record written by an explicit final-reject move.
type FailedJob struct {
	ID           string
	QueueName    string
	GroupID      string
	JobName      string
	ExecutorName string
	Payload      json.RawMessage
	Attempts     int
	ErrorMessage string
	ErrorCode    string
	ErrorStack   string
	FailedAt     time.Time
	CreatedAt    time.Time
}

// LockType categorizes what a lock protects
type LockType string

const (
	LockWorkflow LockType = "workflow"
	LockNode     LockType = "node"
	LockResource LockType = "resource"
)

// Lock grants an owner exclusive rights to a keyed entity until ExpiresAt
type Lock struct {
	Key       string
	Owner     string
	LockType  LockType
	ExpiresAt time.Time
	LockData  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the lock TTL has elapsed at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// LogLevel is the severity of an execution log entry
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ExecutionLog is an append-only event keyed by instance and/or node
type ExecutionLog struct {
	ID                 string
	WorkflowInstanceID string
	NodeInstanceID     string
	Level              LogLevel
	Phase              string
	Timestamp          time.Time
	Message            string
	Details            json.RawMessage
}

// Schedule triggers workflow instances on a cron expression
type Schedule struct {
	ID                   string
	WorkflowDefinitionID string
	Cron                 string
	Timezone             string
	Enabled              bool
	NextRunAt            time.Time
	LastRunAt            *time.Time
	MaxInstances         int
	InputData            json.RawMessage
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ScheduleExecStatus represents the outcome of one cron trigger
type ScheduleExecStatus string

const (
	ScheduleExecRunning ScheduleExecStatus = "running"
	ScheduleExecSuccess ScheduleExecStatus = "success"
	ScheduleExecFailed  ScheduleExecStatus = "failed"
	ScheduleExecTimeout ScheduleExecStatus = "timeout"
)

// ScheduleExecution is one row of a schedule's trigger history
type ScheduleExecution struct {
	ID                 string
	ScheduleID         string
	WorkflowInstanceID string
	Status             ScheduleExecStatus
	TriggerTime        time.Time
	StartedAt          time.Time
	CompletedAt        *time.Time
	DurationMs         int64
	ErrorMessage       string
}
