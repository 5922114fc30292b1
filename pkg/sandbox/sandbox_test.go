package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/types"
)

// TestMain doubles as the sandbox child: when re-executed by a Host the
// marker variable is set and the test binary serves frames instead of
// running tests.
func TestMain(m *testing.M) {
	if os.Getenv("LOOM_SANDBOX_HOST") == "1" {
		registry := executor.NewRegistry()
		if err := executor.RegisterBuiltins(registry); err != nil {
			os.Exit(1)
		}
		if err := RunHost(os.Stdin, os.Stdout, registry); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func builtinRegistry(t *testing.T) *executor.Registry {
	t.Helper()
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(registry))
	return registry
}

// hostConn runs RunHost over in-memory pipes and hands the test both ends.
func hostConn(t *testing.T) (*json.Encoder, *bufio.Scanner) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	registry := builtinRegistry(t)

	go func() {
		_ = RunHost(inR, outW, registry)
		_ = outW.Close()
	}()
	t.Cleanup(func() { _ = inW.Close() })

	scanner := bufio.NewScanner(outR)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return json.NewEncoder(inW), scanner
}

func readFrame(t *testing.T, scanner *bufio.Scanner) Frame {
	t.Helper()
	require.True(t, scanner.Scan(), "expected a frame, got EOF: %v", scanner.Err())
	var frame Frame
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &frame))
	return frame
}

func TestRunHostHandshakeAndEcho(t *testing.T) {
	enc, scanner := hostConn(t)

	ready := readFrame(t, scanner)
	assert.Equal(t, FrameReady, ready.Type)

	require.NoError(t, enc.Encode(Frame{
		Type:  FrameExecute,
		JobID: "job-1",
		Name:  "echo",
		Data:  json.RawMessage(`{"msg":"hello"}`),
	}))

	result := readFrame(t, scanner)
	assert.Equal(t, FrameResult, result.Type)
	assert.Equal(t, "job-1", result.JobID)
	assert.JSONEq(t, `{"msg":"hello"}`, string(result.Data))
}

func TestRunHostUnknownExecutor(t *testing.T) {
	enc, scanner := hostConn(t)
	readFrame(t, scanner) // ready

	require.NoError(t, enc.Encode(Frame{Type: FrameExecute, JobID: "job-2", Name: "no-such"}))

	errFrame := readFrame(t, scanner)
	assert.Equal(t, FrameError, errFrame.Type)
	assert.Equal(t, "job-2", errFrame.JobID)
	require.NotNil(t, errFrame.Error)
	assert.Equal(t, "UNKNOWN_EXECUTOR", errFrame.Error.Code)
}

func TestRunHostSkipsMalformedInput(t *testing.T) {
	enc, scanner := hostConn(t)
	readFrame(t, scanner) // ready

	// Raw garbage must not kill the host.
	type raw struct {
		X string `json:"x"`
	}
	require.NoError(t, enc.Encode(raw{X: "not a frame"}))
	require.NoError(t, enc.Encode(Frame{
		Type:  FrameExecute,
		JobID: "job-3",
		Name:  "uppercase",
		Data:  json.RawMessage(`{"word":"loom"}`),
	}))

	result := readFrame(t, scanner)
	assert.Equal(t, FrameResult, result.Type)
	assert.JSONEq(t, `{"word":"LOOM"}`, string(result.Data))
}

func newTestHost(t *testing.T, cfg config.SandboxConfig) *Host {
	t.Helper()
	cfg.WorkerPath = os.Args[0] // re-exec this test binary as the child
	if cfg.MaxSandboxes == 0 {
		cfg.MaxSandboxes = 2
	}
	host, err := NewHost(cfg)
	require.NoError(t, err)
	t.Cleanup(host.Close)
	return host
}

func TestHostRunsJobInChildProcess(t *testing.T) {
	host := newTestHost(t, config.SandboxConfig{Timeout: 10 * time.Second})

	result, err := host.Run(context.Background(), &types.QueueJob{
		ID:           "job-echo",
		ExecutorName: "echo",
		Payload:      json.RawMessage(`{"n":42}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"n":42}`, string(result.Data))
}

func TestHostReusesProcessAcrossJobs(t *testing.T) {
	host := newTestHost(t, config.SandboxConfig{MaxSandboxes: 1, Timeout: 10 * time.Second})

	for i := 0; i < 3; i++ {
		result, err := host.Run(context.Background(), &types.QueueJob{
			ID:           "job-" + string(rune('a'+i)),
			ExecutorName: "echo",
			Payload:      json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
	}
	assert.Equal(t, 1, host.procs.Live())
}

func TestHostFailedExecutorStaysStructured(t *testing.T) {
	host := newTestHost(t, config.SandboxConfig{Timeout: 10 * time.Second})

	// Sleep rejects a missing duration with a failed result, not an error.
	result, err := host.Run(context.Background(), &types.QueueJob{
		ID:           "job-bad",
		ExecutorName: "sleep",
		Payload:      json.RawMessage(`{"durationMs":"nope"}`),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorCode)
}

func TestHostKillsOnTimeout(t *testing.T) {
	host := newTestHost(t, config.SandboxConfig{MaxSandboxes: 1, Timeout: 200 * time.Millisecond})

	_, err := host.Run(context.Background(), &types.QueueJob{
		ID:           "job-slow",
		ExecutorName: "sleep",
		Payload:      json.RawMessage(`{"durationMs":60000}`),
	})
	require.Error(t, err)

	// The killed process was destroyed; a fresh one serves the next job.
	result, err := host.Run(context.Background(), &types.QueueJob{
		ID:           "job-after",
		ExecutorName: "echo",
		Payload:      json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}
