package storage

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func makeJob(id string, priority int) *types.QueueJob {
	return &types.QueueJob{
		ID:           id,
		QueueName:    "default",
		ExecutorName: "echo",
		Payload:      json.RawMessage(`{"n":1}`),
		Priority:     priority,
		MaxAttempts:  3,
	}
}

func pendingIDs(t *testing.T, s *BoltStore, limit int, cursor Cursor) ([]string, Cursor) {
	t.Helper()
	jobs, next, err := s.FindPendingJobs("default", limit, nil, cursor)
	require.NoError(t, err)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids, next
}

func TestCreateJobStatusDefaults(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(makeJob("j1", 0)))
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobWaiting, job.Status)
	assert.False(t, job.CreatedAt.IsZero())

	future := time.Now().UTC().Add(time.Hour)
	delayed := makeJob("j2", 0)
	delayed.DelayUntil = &future
	require.NoError(t, s.CreateJob(delayed))
	job, err = s.GetJob("j2")
	require.NoError(t, err)
	assert.Equal(t, types.JobDelayed, job.Status)
}

func TestFindPendingJobsCanonicalOrder(t *testing.T) {
	s := newTestStore(t)

	// Insertion order: low priority first, then two high-priority jobs.
	// Dispatch order must be priority desc, then createdAt asc, then id.
	require.NoError(t, s.CreateJob(makeJob("low", 1)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.CreateJob(makeJob("high-first", 5)))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.CreateJob(makeJob("high-second", 5)))

	ids, _ := pendingIDs(t, s, 0, Cursor{})
	assert.Equal(t, []string{"high-first", "high-second", "low"}, ids)
}

func TestFindPendingJobsExtremePriorities(t *testing.T) {
	s := newTestStore(t)

	// Priorities outside the usual small positive range must still dispatch
	// highest first: negative values and values past MaxInt32 included.
	require.NoError(t, s.CreateJob(makeJob("urgent", math.MaxInt32+10)))
	require.NoError(t, s.CreateJob(makeJob("normal", 0)))
	require.NoError(t, s.CreateJob(makeJob("backfill", -50)))
	require.NoError(t, s.CreateJob(makeJob("deep-backfill", math.MinInt32)))

	ids, _ := pendingIDs(t, s, 0, Cursor{})
	assert.Equal(t, []string{"urgent", "normal", "backfill", "deep-backfill"}, ids)
}

func TestFindPendingJobsCursorResumes(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateJob(makeJob(id, 0)))
		time.Sleep(2 * time.Millisecond)
	}

	first, cursor := pendingIDs(t, s, 2, Cursor{})
	assert.Equal(t, []string{"a", "b"}, first)

	rest, _ := pendingIDs(t, s, 2, cursor)
	assert.Equal(t, []string{"c"}, rest)
}

func TestFindPendingJobsSkipsIneligible(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(makeJob("ready", 0)))

	future := time.Now().UTC().Add(time.Hour)
	delayed := makeJob("delayed", 0)
	delayed.DelayUntil = &future
	require.NoError(t, s.CreateJob(delayed))

	grouped := makeJob("grouped", 0)
	grouped.GroupID = "batch-7"
	require.NoError(t, s.CreateJob(grouped))

	require.NoError(t, s.CreateJob(makeJob("claimed", 0)))
	won, err := s.LockJobForProcessing("claimed", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	otherQueue := makeJob("elsewhere", 0)
	otherQueue.QueueName = "reports"
	require.NoError(t, s.CreateJob(otherQueue))

	jobs, _, err := s.FindPendingJobs("default", 0, []string{"batch-7"}, Cursor{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ready", jobs[0].ID)
}

func TestLockJobForProcessingSingleWinner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(makeJob("j1", 0)))

	won, err := s.LockJobForProcessing("j1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.LockJobForProcessing("j1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// A non-owner unlock is a no-op; the owner's unlock frees the claim.
	require.NoError(t, s.UnlockJob("j1", "worker-b"))
	won, err = s.LockJobForProcessing("j1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.UnlockJob("j1", "worker-a"))
	won, err = s.LockJobForProcessing("j1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMoveJobToSuccessRemovesActiveRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(makeJob("j1", 0)))

	job, err := s.GetJob("j1")
	require.NoError(t, err)
	require.NoError(t, s.MoveJobToSuccess(job, json.RawMessage(`{"out":2}`), 40*time.Millisecond))

	_, err = s.GetJob("j1")
	assert.ErrorIs(t, err, ErrNotFound)

	ids, _ := pendingIDs(t, s, 0, Cursor{})
	assert.Empty(t, ids)

	success, err := s.GetSucceededJob("j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"out":2}`, string(success.Result))
	assert.Equal(t, 1, success.Attempts)
	assert.Equal(t, int64(40), success.ExecutionTimeMs)
}

func TestFailRetryRejectLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(makeJob("j1", 0)))

	// Retrying a non-failed job is an error.
	require.Error(t, s.RetryFailedJob("j1"))

	require.NoError(t, s.MarkJobFailed("j1", "boom", "EXECUTOR_ERROR", "stack"))
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "boom", job.ErrorMessage)

	ids, _ := pendingIDs(t, s, 0, Cursor{})
	assert.Empty(t, ids)

	require.NoError(t, s.RetryFailedJob("j1"))
	job, err = s.GetJob("j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobWaiting, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.ErrorMessage)

	require.NoError(t, s.MarkJobFailed("j1", "boom again", "EXECUTOR_ERROR", ""))
	require.NoError(t, s.MoveJobToFailure("j1"))

	_, err = s.GetJob("j1")
	assert.ErrorIs(t, err, ErrNotFound)

	failed, err := s.GetFailedJob("j1")
	require.NoError(t, err)
	assert.Equal(t, "EXECUTOR_ERROR", failed.ErrorCode)
	assert.Equal(t, "boom again", failed.ErrorMessage)
}

func TestPauseAndResumeGroup(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"g1", "g2"} {
		job := makeJob(id, 0)
		job.GroupID = "batch-7"
		require.NoError(t, s.CreateJob(job))
	}
	future := time.Now().UTC().Add(time.Hour)
	delayed := makeJob("g3", 0)
	delayed.GroupID = "batch-7"
	delayed.DelayUntil = &future
	require.NoError(t, s.CreateJob(delayed))
	require.NoError(t, s.CreateJob(makeJob("other", 0)))

	n, err := s.PauseGroup("default", "batch-7")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ids, _ := pendingIDs(t, s, 0, Cursor{})
	assert.Equal(t, []string{"other"}, ids)

	n, err = s.ResumeGroup("default", "batch-7")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// The delayed member returns to delayed, not waiting.
	job, err := s.GetJob("g3")
	require.NoError(t, err)
	assert.Equal(t, types.JobDelayed, job.Status)
	job, err = s.GetJob("g1")
	require.NoError(t, err)
	assert.Equal(t, types.JobWaiting, job.Status)
}

func TestCleanupExpiredJobLocks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateJob(makeJob("j1", 0)))

	won, err := s.LockJobForProcessing("j1", "worker-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, won)

	time.Sleep(30 * time.Millisecond)

	n, err := s.CleanupExpiredJobLocks("default")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	won, err = s.LockJobForProcessing("j1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestResetAllJobLocks(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(makeJob("claimed", 0)))
	won, err := s.LockJobForProcessing("claimed", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.CreateJob(makeJob("stuck", 0)))
	stuck, err := s.GetJob("stuck")
	require.NoError(t, err)
	stuck.Status = types.JobExecuting
	require.NoError(t, s.UpdateJob(stuck))

	n, err := s.ResetAllJobLocks("default")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"claimed", "stuck"} {
		job, err := s.GetJob(id)
		require.NoError(t, err)
		assert.Equal(t, types.JobWaiting, job.Status)
		assert.Empty(t, job.LockedBy)
		assert.Nil(t, job.LockedUntil)
	}
}

func TestFindOrphanedExecutingJobs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(makeJob("j1", 0)))
	job, err := s.GetJob("j1")
	require.NoError(t, err)
	job.Status = types.JobExecuting
	require.NoError(t, s.UpdateJob(job))

	time.Sleep(20 * time.Millisecond)

	orphans, err := s.FindOrphanedExecutingJobs(10 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "j1", orphans[0].ID)

	orphans, err = s.FindOrphanedExecutingJobs(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestQueueStatisticsCountsTables(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateJob(makeJob("waiting", 0)))
	require.NoError(t, s.CreateJob(makeJob("failed", 0)))
	require.NoError(t, s.MarkJobFailed("failed", "boom", "X", ""))

	require.NoError(t, s.CreateJob(makeJob("done", 0)))
	done, err := s.GetJob("done")
	require.NoError(t, err)
	require.NoError(t, s.MoveJobToSuccess(done, nil, time.Millisecond))

	require.NoError(t, s.CreateJob(makeJob("rejected", 0)))
	require.NoError(t, s.MarkJobFailed("rejected", "boom", "X", ""))
	require.NoError(t, s.MoveJobToFailure("rejected"))

	stats, err := s.QueueStatistics("default")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Rejected)
}
