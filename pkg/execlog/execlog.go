package execlog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// Writer appends execution log entries. Writes are best-effort: a failed
// write is reported to the process log and swallowed, never to the caller.
type Writer struct {
	store storage.Store
}

// NewWriter creates an execution log writer.
func NewWriter(store storage.Store) *Writer {
	return &Writer{store: store}
}

// Write appends one entry.
func (w *Writer) Write(level types.LogLevel, workflowInstanceID, nodeInstanceID, phase, message string, details json.RawMessage) {
	entry := &types.ExecutionLog{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: workflowInstanceID,
		NodeInstanceID:     nodeInstanceID,
		Level:              level,
		Phase:              phase,
		Timestamp:          time.Now().UTC(),
		Message:            message,
		Details:            details,
	}
	if err := w.store.CreateExecutionLog(entry); err != nil {
		log.WithComponent("execlog").Warn().Err(err).
			Str("workflow_instance_id", workflowInstanceID).
			Str("phase", phase).
			Msg("execution log write dropped")
	}
}

// Info appends an info entry.
func (w *Writer) Info(workflowInstanceID, nodeInstanceID, phase, message string) {
	w.Write(types.LogInfo, workflowInstanceID, nodeInstanceID, phase, message, nil)
}

// Error appends an error entry.
func (w *Writer) Error(workflowInstanceID, nodeInstanceID, phase, message string, details json.RawMessage) {
	w.Write(types.LogError, workflowInstanceID, nodeInstanceID, phase, message, details)
}

// ByWorkflow returns an instance's entries, newest first, paged.
func (w *Writer) ByWorkflow(workflowInstanceID string, page storage.Page) ([]*types.ExecutionLog, error) {
	return w.store.FindLogsByWorkflowInstanceID(workflowInstanceID, page)
}

// ByNode returns a node instance's entries, paged.
func (w *Writer) ByNode(nodeInstanceID string, page storage.Page) ([]*types.ExecutionLog, error) {
	return w.store.FindLogsByNodeInstanceID(nodeInstanceID, page)
}

// ByLevel returns entries at one severity, paged.
func (w *Writer) ByLevel(level types.LogLevel, page storage.Page) ([]*types.ExecutionLog, error) {
	return w.store.FindLogsByLevel(level, page)
}

// DeleteExpired trims entries older than the cutoff.
func (w *Writer) DeleteExpired(before time.Time) (int, error) {
	return w.store.DeleteExpiredLogs(before)
}
