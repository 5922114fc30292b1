package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/types"
)

// childEnv marks a process as a sandbox child. The hidden CLI subcommand
// and the test harness both key off it.
const childEnv = "LOOM_SANDBOX_HOST=1"

// readyTimeout bounds how long a freshly spawned child may take to send
// its ready frame.
const readyTimeout = 10 * time.Second

// Process is one sandbox child. A process serves one job at a time; the
// pool provides parallelism across processes.
type Process struct {
	id    string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder

	frames chan Frame
	dead   atomic.Bool
	jobs   atomic.Int64

	mu sync.Mutex
}

// startProcess spawns a sandbox child and waits for its ready frame. An
// empty workerPath re-executes the current binary with the sandbox-host
// subcommand.
func startProcess(ctx context.Context, workerPath string) (*Process, error) {
	var cmd *exec.Cmd
	if workerPath == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve own binary: %w", err)
		}
		cmd = exec.Command(self, "sandbox-host")
	} else {
		cmd = exec.Command(workerPath)
	}
	cmd.Env = append(os.Environ(), childEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn sandbox: %w", err)
	}

	p := &Process{
		id:     "sandbox-" + uuid.New().String()[:8],
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		frames: make(chan Frame, 16),
	}
	go p.readLoop(stdout)
	go func() {
		// Reap the child; readLoop observing EOF marks the process dead.
		_ = cmd.Wait()
		p.dead.Store(true)
	}()

	select {
	case frame, ok := <-p.frames:
		if !ok || frame.Type != FrameReady {
			p.Close()
			return nil, fmt.Errorf("sandbox %s did not become ready", p.id)
		}
	case <-time.After(readyTimeout):
		p.Close()
		return nil, fmt.Errorf("sandbox %s ready handshake timed out", p.id)
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}

	log.WithComponent("sandbox").Debug().Str("sandbox_id", p.id).Msg("sandbox ready")
	return p, nil
}

func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.frames)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		var frame Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			log.WithComponent("sandbox").Warn().Err(err).Str("sandbox_id", p.id).Msg("malformed frame from sandbox")
			continue
		}
		p.frames <- frame
	}
	p.dead.Store(true)
}

// Execute runs one job in the child. Context expiry kills the process; the
// caller must then destroy it.
func (p *Process) Execute(ctx context.Context, job *types.QueueJob) (*executor.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead.Load() {
		return nil, fmt.Errorf("sandbox %s is dead", p.id)
	}
	p.jobs.Add(1)

	err := p.enc.Encode(Frame{
		Type:   FrameExecute,
		JobID:  job.ID,
		Name:   job.ExecutorName,
		Data:   job.Payload,
		Config: job.Metadata,
	})
	if err != nil {
		p.dead.Store(true)
		return nil, fmt.Errorf("failed to send job to sandbox %s: %w", p.id, err)
	}

	for {
		select {
		case frame, ok := <-p.frames:
			if !ok {
				return nil, p.exitError()
			}
			if frame.JobID != job.ID {
				continue
			}
			switch frame.Type {
			case FrameProgress:
				log.WithJobID(job.ID).Debug().Str("sandbox_id", p.id).Msg("sandbox progress")
			case FrameResult:
				return executor.OK(frame.Data), nil
			case FrameError:
				if frame.Error == nil {
					return executor.Fail("EXECUTOR_ERROR", "sandbox reported an unspecified error"), nil
				}
				return executor.Fail(frame.Error.Code, frame.Error.Message), nil
			}
		case <-ctx.Done():
			p.kill()
			return nil, fmt.Errorf("job %s timed out in sandbox %s: %w", job.ID, p.id, ctx.Err())
		}
	}
}

func (p *Process) exitError() error {
	if state := p.cmd.ProcessState; state != nil {
		return fmt.Errorf("sandbox %s exited with code %d", p.id, state.ExitCode())
	}
	return fmt.Errorf("sandbox %s closed its output stream", p.id)
}

// Jobs reports how many jobs this process has served.
func (p *Process) Jobs() int {
	return int(p.jobs.Load())
}

// Alive reports whether the child is still usable.
func (p *Process) Alive() bool {
	return !p.dead.Load()
}

func (p *Process) kill() {
	p.dead.Store(true)
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Close terminates the child.
func (p *Process) Close() {
	_ = p.stdin.Close()
	p.kill()
}
