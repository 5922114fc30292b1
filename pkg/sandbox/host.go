package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
)

// RunHost is the child side of the sandbox: it announces readiness, then
// serves execute frames from in one at a time until in closes. Executor
// panics become error frames, never a crashed child.
func RunHost(in io.Reader, out io.Writer, registry *executor.Registry) error {
	enc := json.NewEncoder(out)
	if err := enc.Encode(Frame{Type: FrameReady}); err != nil {
		return fmt.Errorf("failed to send ready frame: %w", err)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.WithComponent("sandbox-host").Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		if frame.Type != FrameExecute {
			continue
		}
		if err := enc.Encode(serveExecute(registry, &frame)); err != nil {
			return fmt.Errorf("failed to write response frame: %w", err)
		}
	}
	return scanner.Err()
}

// serveExecute runs one executor invocation and maps its outcome to a
// response frame.
func serveExecute(registry *executor.Registry, frame *Frame) (resp Frame) {
	defer func() {
		if r := recover(); r != nil {
			resp = Frame{
				Type:  FrameError,
				JobID: frame.JobID,
				Error: &FrameFailure{
					Code:    "PANIC",
					Message: fmt.Sprintf("executor panic: %v", r),
					Stack:   string(debug.Stack()),
				},
			}
		}
	}()

	exec, ok := registry.Get(frame.Name)
	if !ok {
		return Frame{
			Type:  FrameError,
			JobID: frame.JobID,
			Error: &FrameFailure{Code: "UNKNOWN_EXECUTOR", Message: fmt.Sprintf("executor %q not registered", frame.Name)},
		}
	}

	meta, err := executor.DecodeJobMeta(frame.Config)
	if err != nil {
		return Frame{
			Type:  FrameError,
			JobID: frame.JobID,
			Error: &FrameFailure{Code: "INVALID_METADATA", Message: err.Error()},
		}
	}

	result, err := exec.Execute(context.Background(), &executor.Context{
		Config:       meta.Config,
		InputData:    frame.Data,
		Dependencies: meta.Dependencies,
		Metadata: executor.Metadata{
			JobID:              frame.JobID,
			WorkflowInstanceID: meta.WorkflowInstanceID,
			NodeInstanceID:     meta.NodeInstanceID,
		},
		Logger: *log.WithJobID(frame.JobID),
	})
	if err != nil {
		return Frame{
			Type:  FrameError,
			JobID: frame.JobID,
			Error: &FrameFailure{Code: "EXECUTOR_ERROR", Message: err.Error()},
		}
	}
	if !result.Success {
		code := result.ErrorCode
		if code == "" {
			code = "EXECUTOR_ERROR"
		}
		return Frame{
			Type:  FrameError,
			JobID: frame.JobID,
			Error: &FrameFailure{Code: code, Message: result.Error},
		}
	}
	return Frame{Type: FrameResult, JobID: frame.JobID, Data: result.Data}
}
