package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/log"
	"github.com/loomworks/loom/pkg/metrics"
	"github.com/loomworks/loom/pkg/pool"
	"github.com/loomworks/loom/pkg/types"
)

// Host runs executor jobs in pooled child processes. It satisfies the
// queue Runner contract, so a worker pool can dispatch to it directly.
type Host struct {
	cfg   config.SandboxConfig
	procs *pool.Pool[*Process]
}

// NewHost creates the sandbox host and its process pool. Processes are
// spawned lazily on first use.
func NewHost(cfg config.SandboxConfig) (*Host, error) {
	if cfg.MaxSandboxes < 1 {
		return nil, fmt.Errorf("maxSandboxes must be >= 1, got %d", cfg.MaxSandboxes)
	}
	h := &Host{cfg: cfg}
	procs, err := pool.New(pool.Config[*Process]{
		MaxSize:     cfg.MaxSandboxes,
		IdleTimeout: 5 * time.Minute,
		Factory: func(ctx context.Context) (*Process, error) {
			return startProcess(ctx, cfg.WorkerPath)
		},
		Validator: func(p *Process) bool {
			if !p.Alive() {
				return false
			}
			return cfg.MaxJobsPerSandbox <= 0 || p.Jobs() < cfg.MaxJobsPerSandbox
		},
		Destroy: func(p *Process) { p.Close() },
	})
	if err != nil {
		return nil, err
	}
	h.procs = procs
	return h, nil
}

// Run executes one job in a pooled sandbox. A process that errors is
// destroyed and its slot refilled on the next job; the error is returned
// to the worker, which applies the job's retry policy.
func (h *Host) Run(ctx context.Context, job *types.QueueJob) (*executor.Result, error) {
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	proc, err := h.procs.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("no sandbox available: %w", err)
	}

	result, err := proc.Execute(ctx, job)
	if err != nil {
		h.procs.Destroy(proc)
		metrics.SandboxRestartsTotal.Inc()
		log.WithComponent("sandbox").Warn().Err(err).Str("job_id", job.ID).Msg("sandbox replaced after failure")
		return nil, err
	}

	h.procs.Release(proc)
	return result, nil
}

// Close terminates all pooled sandbox processes.
func (h *Host) Close() {
	h.procs.Close()
}
