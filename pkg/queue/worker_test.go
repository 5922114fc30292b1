package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// failingExecutor fails every invocation with a retriable error.
type failingExecutor struct{ calls int }

func (f *failingExecutor) Name() string { return "alwaysfail" }

func (f *failingExecutor) Execute(ctx context.Context, ec *executor.Context) (*executor.Result, error) {
	f.calls++
	return executor.Fail("BOOM", "intentional failure"), nil
}

func newTestPool(t *testing.T, extra ...executor.Executor) (*Pool, *SmartQueue, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(registry))
	for _, e := range extra {
		require.NoError(t, registry.Register(e))
	}

	pool := NewPool(store, NewRegistryRunner(registry, nil), nil, nil, PoolConfig{
		QueueName:          "test",
		MaxConcurrency:     4,
		PollInterval:       20 * time.Millisecond,
		LockTTL:            5 * time.Second,
		JobTimeout:         2 * time.Second,
		DefaultMaxAttempts: 3,
		Backoff: config.BackoffConfig{
			Policy:    types.BackoffFixed,
			BaseDelay: 20 * time.Millisecond,
		},
	})
	sq := NewSmartQueue(store, pool, nil, SmartQueueConfig{QueueName: "test"})
	return pool, sq, store
}

func TestPoolProcessesJobToSuccess(t *testing.T) {
	pool, sq, store := newTestPool(t)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := &types.QueueJob{
		JobName:      "echo-it",
		ExecutorName: "echo",
		Payload:      json.RawMessage(`{"hello":"world"}`),
	}
	require.NoError(t, sq.Add(context.Background(), job))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sq.WaitForAll(ctx, 20*time.Millisecond))

	succeeded, err := store.GetSucceededJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", succeeded.ExecutorName)
	assert.Equal(t, 1, succeeded.Attempts)
	assert.JSONEq(t, `{"hello":"world"}`, string(succeeded.Result))

	// The active table no longer holds the job.
	_, err = store.GetJob(job.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPoolRetriesThenFailsPermanently(t *testing.T) {
	fe := &failingExecutor{}
	pool, sq, store := newTestPool(t, fe)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := &types.QueueJob{
		JobName:      "doomed",
		ExecutorName: "alwaysfail",
		MaxAttempts:  2,
		Payload:      json.RawMessage(`{}`),
	}
	require.NoError(t, sq.Add(context.Background(), job))

	require.Eventually(t, func() bool {
		current, err := store.GetJob(job.ID)
		if err != nil {
			return false
		}
		return current.Status == types.JobFailed && current.Attempts == 2
	}, 5*time.Second, 20*time.Millisecond)

	current, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "intentional failure", current.ErrorMessage)
	assert.Equal(t, "BOOM", current.ErrorCode)
	assert.GreaterOrEqual(t, fe.calls, 2)
}

func TestPoolSkipsPausedGroups(t *testing.T) {
	pool, sq, store := newTestPool(t)

	_, err := pool.PauseGroup("batch-1")
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	paused := &types.QueueJob{
		JobName:      "held",
		ExecutorName: "echo",
		GroupID:      "batch-1",
		Payload:      json.RawMessage(`{}`),
	}
	free := &types.QueueJob{
		JobName:      "free",
		ExecutorName: "echo",
		Payload:      json.RawMessage(`{}`),
	}
	require.NoError(t, sq.Add(context.Background(), paused))
	require.NoError(t, sq.Add(context.Background(), free))

	require.Eventually(t, func() bool {
		_, err := store.GetSucceededJob(free.ID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// The paused job is untouched.
	current, err := store.GetJob(paused.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobWaiting, current.Status)

	// Resume lets it through.
	_, err = pool.ResumeGroup("batch-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := store.GetSucceededJob(paused.ID)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  types.BackoffPolicy
		base    time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{"fixed first", types.BackoffFixed, time.Second, time.Minute, 1, time.Second},
		{"fixed later", types.BackoffFixed, time.Second, time.Minute, 5, time.Second},
		{"linear", types.BackoffLinear, time.Second, time.Minute, 3, 3 * time.Second},
		{"linear capped", types.BackoffLinear, time.Second, 2 * time.Second, 5, 2 * time.Second},
		{"exponential", types.BackoffExponential, time.Second, time.Minute, 4, 8 * time.Second},
		{"exponential capped", types.BackoffExponential, time.Second, 5 * time.Second, 10, 5 * time.Second},
		{"attempt clamped", types.BackoffLinear, time.Second, time.Minute, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.policy, tt.base, tt.max, tt.attempt))
		})
	}
}
