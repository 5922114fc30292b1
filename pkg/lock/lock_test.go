package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

func newTestService(t *testing.T) (*Service, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, Config{DefaultTTL: 2 * time.Second}), store
}

func TestAcquireAndContend(t *testing.T) {
	s, _ := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// Contention is a clean false, not an error.
	ok, err = s.Acquire("workflow:wf-1", "worker-b", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireIsReentrantForHolder(t *testing.T) {
	s, _ := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Acquire("workflow:wf-1", "worker-a", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireTakesOverExpiredLock(t *testing.T) {
	s, store := newTestService(t)

	ok, err := store.AcquireLock("schedule-tick:s-1", "worker-a", 10*time.Millisecond, types.LockResource, nil)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = s.Acquire("schedule-tick:s-1", "worker-b", time.Second, types.LockResource, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := store.GetLock("schedule-tick:s-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", lock.Owner)
}

func TestAcquireRequiresKeyAndOwner(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Acquire("", "worker-a", time.Second, types.LockWorkflow, nil)
	require.Error(t, err)
	_, err = s.Acquire("key", "", time.Second, types.LockWorkflow, nil)
	require.Error(t, err)
}

func TestReleaseChecksOwner(t *testing.T) {
	s, _ := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.Release("workflow:wf-1", "worker-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = s.Release("workflow:wf-1", "worker-a")
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing a missing lock is a no-op.
	released, err = s.Release("workflow:wf-1", "worker-a")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestForceReleaseWithEmptyOwner(t *testing.T) {
	s, _ := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Minute, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := s.Release("workflow:wf-1", "")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestRenewExtendsHeldLock(t *testing.T) {
	s, store := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Second, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := store.GetLock("workflow:wf-1")
	require.NoError(t, err)

	renewed, err := s.Renew("workflow:wf-1", "worker-a", time.Minute, nil)
	require.NoError(t, err)
	assert.True(t, renewed)

	after, err := store.GetLock("workflow:wf-1")
	require.NoError(t, err)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
}

func TestRenewFailsForNonHolderOrExpired(t *testing.T) {
	s, store := newTestService(t)

	ok, err := store.AcquireLock("workflow:wf-1", "worker-a", 10*time.Millisecond, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := s.Renew("workflow:wf-1", "worker-b", time.Minute, nil)
	require.NoError(t, err)
	assert.False(t, renewed)

	time.Sleep(30 * time.Millisecond)
	renewed, err = s.Renew("workflow:wf-1", "worker-a", time.Minute, nil)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestCleanupExpired(t *testing.T) {
	s, store := newTestService(t)

	_, err := store.AcquireLock("a", "w", 10*time.Millisecond, types.LockWorkflow, nil)
	require.NoError(t, err)
	_, err = store.AcquireLock("b", "w", time.Minute, types.LockWorkflow, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	n, err := s.CleanupExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetLock("a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetLock("b")
	assert.NoError(t, err)
}

func TestStatisticsAndFinders(t *testing.T) {
	s, _ := newTestService(t)

	ok, err := s.Acquire("workflow:wf-1", "worker-a", time.Minute, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Acquire("schedule-tick:s-1", "worker-a", time.Minute, types.LockResource, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Acquire("workflow:wf-2", "worker-b", time.Minute, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := s.Statistics()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, 2, stats.ByType[types.LockWorkflow])
	assert.Equal(t, 1, stats.ByType[types.LockResource])

	mine, err := s.FindByOwner("worker-a")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	workflows, err := s.FindByLockType(types.LockWorkflow)
	require.NoError(t, err)
	assert.Len(t, workflows, 2)
}

func TestKeepAliveHoldsLockPastTTL(t *testing.T) {
	s, store := newTestService(t)

	ttl := 100 * time.Millisecond
	ok, err := s.Acquire("workflow:wf-1", "worker-a", ttl, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.KeepAlive("workflow:wf-1", "worker-a", ttl, stop)
	}()

	time.Sleep(3 * ttl)
	lock, err := store.GetLock("workflow:wf-1")
	require.NoError(t, err)
	assert.False(t, lock.Expired(time.Now().UTC()))

	close(stop)
	<-done
}

func TestKeepAliveStopsWhenLockIsLost(t *testing.T) {
	s, store := newTestService(t)

	ttl := 100 * time.Millisecond
	ok, err := s.Acquire("workflow:wf-1", "worker-a", ttl, types.LockWorkflow, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.ReleaseLock("workflow:wf-1", "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.KeepAlive("workflow:wf-1", "worker-a", ttl, make(chan struct{}))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("keepalive did not stop after losing the lock")
	}
}
