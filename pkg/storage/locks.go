package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

// AcquireLock is the single atomic statement behind the lock service: insert
// when the key is free, take over when the holder's TTL has lapsed, fail
// otherwise. Contention is a (false, nil) result, never an error.
func (s *BoltStore) AcquireLock(key, owner string, ttl time.Duration, lockType types.LockType, lockData []byte) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()

		var existing types.Lock
		err := getJSON(tx, bucketLocks, key, &existing)
		switch {
		case err == ErrNotFound:
			// free, insert
		case err != nil:
			return err
		case existing.Owner == owner && !existing.Expired(now):
			// reentrant acquire extends the holder's own lock
		case !existing.Expired(now):
			return nil // held by someone else
		}

		lock := types.Lock{
			Key:       key,
			Owner:     owner,
			LockType:  lockType,
			ExpiresAt: now.Add(ttl),
			LockData:  lockData,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err == nil && existing.Owner == owner {
			lock.CreatedAt = existing.CreatedAt
		}
		acquired = true
		return putJSON(tx, bucketLocks, key, &lock)
	})
	return acquired, err
}

// ReleaseLock deletes the lock row. With an owner it releases only when the
// owner matches; with an empty owner it force-releases.
func (s *BoltStore) ReleaseLock(key, owner string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing types.Lock
		err := getJSON(tx, bucketLocks, key, &existing)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != "" && existing.Owner != owner {
			return nil
		}
		released = true
		return tx.Bucket(bucketLocks).Delete([]byte(key))
	})
	return released, err
}

// RenewLock extends a held lock. Succeeds only when (key, owner) match and
// the lock has not already expired.
func (s *BoltStore) RenewLock(key, owner string, newExpiresAt time.Time, lockData []byte) (bool, error) {
	renewed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing types.Lock
		err := getJSON(tx, bucketLocks, key, &existing)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if existing.Owner != owner || existing.Expired(now) {
			return nil
		}
		existing.ExpiresAt = newExpiresAt
		existing.UpdatedAt = now
		if len(lockData) > 0 {
			existing.LockData = lockData
		}
		renewed = true
		return putJSON(tx, bucketLocks, key, &existing)
	})
	return renewed, err
}

func (s *BoltStore) GetLock(key string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketLocks, key, &lock)
	})
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return &lock, nil
}

// CleanupExpiredLocks deletes every lock whose TTL has lapsed.
func (s *BoltStore) CleanupExpiredLocks() (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		now := time.Now().UTC()

		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := getJSON(tx, bucketLocks, string(k), &lock); err != nil {
				return err
			}
			if lock.Expired(now) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BoltStore) FindLocksByOwner(owner string) ([]*types.Lock, error) {
	return s.filterLocks(func(l *types.Lock) bool { return l.Owner == owner })
}

func (s *BoltStore) FindLocksByType(lockType types.LockType) ([]*types.Lock, error) {
	return s.filterLocks(func(l *types.Lock) bool { return l.LockType == lockType })
}

func (s *BoltStore) filterLocks(match func(*types.Lock) bool) ([]*types.Lock, error) {
	var locks []*types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := getJSON(tx, bucketLocks, string(k), &lock); err != nil {
				return err
			}
			if match(&lock) {
				locks = append(locks, &lock)
			}
			return nil
		})
	})
	return locks, err
}

func (s *BoltStore) LockStatistics() (*LockStats, error) {
	stats := &LockStats{ByType: make(map[types.LockType]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		now := time.Now().UTC()
		return tx.Bucket(bucketLocks).ForEach(func(k, v []byte) error {
			var lock types.Lock
			if err := getJSON(tx, bucketLocks, string(k), &lock); err != nil {
				return err
			}
			stats.Total++
			stats.ByType[lock.LockType]++
			if lock.Expired(now) {
				stats.Expired++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
