package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Context carries everything an executor receives for one invocation.
type Context struct {
	// Config is the executor-specific configuration from the node spec or
	// job metadata.
	Config json.RawMessage

	// InputData is the node's input merged with ancestor outputs, or the
	// job payload for ad-hoc jobs.
	InputData json.RawMessage

	// Dependencies are the results of upstream nodes this node consumes.
	Dependencies []Dependency

	// Metadata identifies the invocation (job id, workflow instance,
	// node instance, attempt).
	Metadata Metadata

	// Services is an opaque service locator populated by the host.
	Services map[string]interface{}

	// Logger is pre-tagged with the invocation identifiers.
	Logger zerolog.Logger
}

// Dependency is one upstream node's output.
type Dependency struct {
	NodeID string          `json:"nodeId"`
	Result json.RawMessage `json:"result"`
}

// JobMeta is the envelope carried in a queue job's metadata field. The
// workflow engine writes it when enqueueing a node job; the worker side
// decodes it to reconstruct the invocation context, so dependency results
// and the workflow identity survive the queue boundary.
type JobMeta struct {
	Config             json.RawMessage `json:"config,omitempty"`
	WorkflowInstanceID string          `json:"workflowInstanceId,omitempty"`
	NodeInstanceID     string          `json:"nodeInstanceId,omitempty"`
	Dependencies       []Dependency    `json:"dependencies,omitempty"`
}

// Encode serializes the envelope for storage on a queue job.
func (m JobMeta) Encode() (json.RawMessage, error) {
	return json.Marshal(m)
}

// DecodeJobMeta parses a job metadata envelope. Empty input is a valid
// zero envelope; ad-hoc jobs typically carry none.
func DecodeJobMeta(raw json.RawMessage) (JobMeta, error) {
	var m JobMeta
	if len(raw) == 0 {
		return m, nil
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

// Metadata identifies an executor invocation.
type Metadata struct {
	JobID              string
	WorkflowInstanceID string
	NodeInstanceID     string
	Attempt            int
}

// Metrics is optional self-reporting from an executor.
type Metrics struct {
	Duration         time.Duration
	RecordsProcessed int
	MemoryUsed       int64
	CustomMetrics    map[string]float64
}

// Result is the tagged outcome of an executor invocation. Success carries
// Data; failure carries Error. Errors never cross the boundary as panics.
type Result struct {
	Success   bool
	Data      json.RawMessage
	Error     string
	ErrorCode string
	Progress  float64
	NextTasks []NextTask
	Warnings  []string
	Metrics   *Metrics
}

// NextTask lets an executor request follow-up jobs.
type NextTask struct {
	JobName      string
	ExecutorName string
	Payload      json.RawMessage
	Priority     int
	Delay        time.Duration
}

// Executor is a named, pluggable handler performing the actual work for a
// simple node or queue job.
type Executor interface {
	Name() string
	Execute(ctx context.Context, ec *Context) (*Result, error)
}

// Validator is implemented by executors that can check their configuration
// before the engine schedules work against them.
type Validator interface {
	Validate(config json.RawMessage) error
}

// HealthChecker is implemented by executors with a liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Lifecycle is implemented by executors holding external resources.
type Lifecycle interface {
	Cleanup() error
	Pause() error
	Resume() error
}

// Fail is a convenience constructor for failed results.
func Fail(code, message string) *Result {
	return &Result{Success: false, Error: message, ErrorCode: code}
}

// OK is a convenience constructor for successful results.
func OK(data json.RawMessage) *Result {
	return &Result{Success: true, Data: data}
}
