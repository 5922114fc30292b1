package storage

import (
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Cursor identifies a position in the canonical waiting-job order
// (priority desc, createdAt asc, id asc). A zero cursor means "from the top".
type Cursor struct {
	Priority  int
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points at the top of the queue.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// Page is offset/limit pagination for history queries.
type Page struct {
	Offset int
	Limit  int
}

// InstanceFilter narrows GetWorkflowInstances.
type InstanceFilter struct {
	DefinitionID string
	Name         string
	Status       types.WorkflowStatus
	Since        time.Time
}

// QueueStats summarizes the active job table.
type QueueStats struct {
	Waiting   int
	Executing int
	Paused    int
	Delayed   int
	Failed    int
	Succeeded int
	Rejected  int
}

// LockStats summarizes the lock table.
type LockStats struct {
	Total   int
	Expired int
	ByType  map[types.LockType]int
}

// Store is the persistence contract for the engine. Implemented by BoltStore.
type Store interface {
	// Workflow definitions
	CreateDefinition(def *types.WorkflowDefinition) error
	UpdateDefinition(def *types.WorkflowDefinition) error
	GetDefinition(id string) (*types.WorkflowDefinition, error)
	GetDefinitionByNameAndVersion(name string, version int) (*types.WorkflowDefinition, error)
	GetActiveDefinitionByName(name string) (*types.WorkflowDefinition, error)
	ListDefinitionVersions(name string) ([]*types.WorkflowDefinition, error)
	ActivateDefinitionVersion(name string, version int) error

	// Workflow instances
	CreateInstance(inst *types.WorkflowInstance) error
	GetInstance(id string) (*types.WorkflowInstance, error)
	UpdateInstance(inst *types.WorkflowInstance) error
	UpdateInstanceStatus(id string, status types.WorkflowStatus, errorMessage string) (*types.WorkflowInstance, error)
	GetWorkflowInstances(filter InstanceFilter, page Page) ([]*types.WorkflowInstance, error)
	FindInstancesByStatus(status types.WorkflowStatus) ([]*types.WorkflowInstance, error)
	DeleteInstance(id string) error

	// Node instances
	CreateNodeInstance(node *types.NodeInstance) error
	CreateNodeInstances(nodes []*types.NodeInstance) error
	GetNodeInstance(id string) (*types.NodeInstance, error)
	UpdateNodeInstance(node *types.NodeInstance) error
	UpdateNodeStatus(id string, status types.NodeStatus, errorMessage string, errorDetails []byte) (*types.NodeInstance, error)
	UpdateNodeResult(id string, result []byte) error
	UpdateLoopProgress(id string, progress *types.LoopProgress) (*types.NodeInstance, error)
	FindNodeInstance(workflowInstanceID, nodeID string) (*types.NodeInstance, error)
	ListNodeInstances(workflowInstanceID string) ([]*types.NodeInstance, error)
	FindChildNodes(parentInstanceID string) ([]*types.NodeInstance, error)
	FindAllChildNodes(parentInstanceID string) ([]*types.NodeInstance, error)
	FindPendingChildNodes(parentInstanceID string) ([]*types.NodeInstance, error)
	FindNodesByStatus(workflowInstanceID string, status types.NodeStatus) ([]*types.NodeInstance, error)

	// Loop fan-out: children plus the parent's progress flip in one transaction.
	CreateChildNodesTxn(parentInstanceID string, children []*types.NodeInstance, progress *types.LoopProgress) error

	// Queue jobs
	CreateJob(job *types.QueueJob) error
	GetJob(id string) (*types.QueueJob, error)
	UpdateJob(job *types.QueueJob) error
	FindPendingJobs(queueName string, limit int, excludeGroupIDs []string, cursor Cursor) ([]*types.QueueJob, Cursor, error)
	LockJobForProcessing(id, owner string, ttl time.Duration) (bool, error)
	UnlockJob(id, owner string) error
	ResetJobToWaiting(id string) error
	ResetAllJobLocks(queueName string) (int, error)
	CleanupExpiredJobLocks(queueName string) (int, error)
	MoveJobToSuccess(job *types.QueueJob, result []byte, executionTime time.Duration) error
	MarkJobFailed(id string, errMessage, errCode, errStack string) error
	RetryFailedJob(id string) error
	MoveJobToFailure(id string) error
	PauseGroup(queueName, groupID string) (int, error)
	ResumeGroup(queueName, groupID string) (int, error)
	FindOrphanedExecutingJobs(olderThan time.Duration) ([]*types.QueueJob, error)
	GetSucceededJob(id string) (*types.SucceededJob, error)
	GetFailedJob(id string) (*types.FailedJob, error)
	QueueStatistics(queueName string) (*QueueStats, error)

	// Locks
	AcquireLock(key, owner string, ttl time.Duration, lockType types.LockType, lockData []byte) (bool, error)
	ReleaseLock(key, owner string) (bool, error)
	RenewLock(key, owner string, newExpiresAt time.Time, lockData []byte) (bool, error)
	GetLock(key string) (*types.Lock, error)
	CleanupExpiredLocks() (int, error)
	FindLocksByOwner(owner string) ([]*types.Lock, error)
	FindLocksByType(lockType types.LockType) ([]*types.Lock, error)
	LockStatistics() (*LockStats, error)

	// Execution logs
	CreateExecutionLog(entry *types.ExecutionLog) error
	CreateExecutionLogs(entries []*types.ExecutionLog) error
	FindLogsByWorkflowInstanceID(workflowInstanceID string, page Page) ([]*types.ExecutionLog, error)
	FindLogsByNodeInstanceID(nodeInstanceID string, page Page) ([]*types.ExecutionLog, error)
	FindLogsByLevel(level types.LogLevel, page Page) ([]*types.ExecutionLog, error)
	DeleteExpiredLogs(before time.Time) (int, error)

	// Schedules
	CreateSchedule(s *types.Schedule) error
	UpdateSchedule(s *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	DeleteSchedule(id string) error
	ListSchedules() ([]*types.Schedule, error)
	CreateScheduleExecution(exec *types.ScheduleExecution) error
	UpdateScheduleExecution(exec *types.ScheduleExecution) error
	GetScheduleExecution(id string) (*types.ScheduleExecution, error)
	ListScheduleExecutions(scheduleID string, page Page) ([]*types.ScheduleExecution, error)
	CountRunningExecutions(scheduleID string) (int, error)
	CleanupOldExecutions(before time.Time) (int, error)

	// Utility
	Close() error
}
