package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

// jobEligible reports whether a job may be dispatched now. Delayed jobs
// become eligible precisely when DelayUntil has passed.
func jobEligible(job *types.QueueJob, now time.Time) bool {
	switch job.Status {
	case types.JobWaiting:
		return job.DelayUntil == nil || !job.DelayUntil.After(now)
	case types.JobDelayed:
		return job.DelayUntil != nil && !job.DelayUntil.After(now)
	}
	return false
}

// CreateJob persists a new job. A job with a future DelayUntil is stored as
// delayed; everything else starts waiting.
func (s *BoltStore) CreateJob(job *types.QueueJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()
		job.CreatedAt = now
		job.UpdatedAt = now
		if job.Status == "" {
			job.Status = types.JobWaiting
		}
		if job.DelayUntil != nil && job.DelayUntil.After(now) {
			job.Status = types.JobDelayed
		}
		if err := tx.Bucket(bucketJobOrder).Put(orderKey(job.Priority, job.CreatedAt, job.ID), []byte(job.ID)); err != nil {
			return err
		}
		return putJSON(tx, bucketJobs, job.ID, job)
	})
}

func (s *BoltStore) GetJob(id string) (*types.QueueJob, error) {
	var job types.QueueJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketJobs, id, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("queue job %s: %w", id, err)
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.QueueJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing types.QueueJob
		if err := getJSON(tx, bucketJobs, job.ID, &existing); err != nil {
			return fmt.Errorf("queue job %s: %w", job.ID, err)
		}
		job.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketJobs, job.ID, job)
	})
}

// FindPendingJobs returns dispatchable jobs in canonical order, resuming
// strictly after the cursor. The returned cursor points at the last row so
// pagination is reentrant even while rows are claimed concurrently.
func (s *BoltStore) FindPendingJobs(queueName string, limit int, excludeGroupIDs []string, cursor Cursor) ([]*types.QueueJob, Cursor, error) {
	excluded := make(map[string]bool, len(excludeGroupIDs))
	for _, g := range excludeGroupIDs {
		excluded[g] = true
	}

	now := time.Now().UTC()
	var jobs []*types.QueueJob
	next := cursor

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobOrder).Cursor()

		var k, v []byte
		if cursor.IsZero() {
			k, v = c.First()
		} else {
			// Seek to the cursor position, then step past it.
			k, v = c.Seek(orderKey(cursor.Priority, cursor.CreatedAt, cursor.ID))
			if k != nil && string(v) == cursor.ID {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			var job types.QueueJob
			if err := getJSON(tx, bucketJobs, string(v), &job); err != nil {
				if err == ErrNotFound {
					continue // stale index entry
				}
				return err
			}
			if job.QueueName != queueName || !jobEligible(&job, now) {
				continue
			}
			if job.GroupID != "" && excluded[job.GroupID] {
				continue
			}
			if job.LockedUntil != nil && job.LockedUntil.After(now) {
				continue
			}
			jobs = append(jobs, &job)
			next = Cursor{Priority: job.Priority, CreatedAt: job.CreatedAt, ID: job.ID}
			if limit > 0 && len(jobs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, cursor, err
	}
	return jobs, next, nil
}

// LockJobForProcessing atomically claims a job. The claim wins only when the
// job is dispatchable and not held by a live lock; a due delayed job is
// promoted to waiting as part of the same transaction.
func (s *BoltStore) LockJobForProcessing(id, owner string, ttl time.Duration) (bool, error) {
	won := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
		now := time.Now().UTC()
		if !jobEligible(&job, now) {
			return nil
		}
		if job.LockedUntil != nil && job.LockedUntil.After(now) {
			return nil
		}
		until := now.Add(ttl)
		job.Status = types.JobWaiting
		job.LockedBy = owner
		job.LockedUntil = &until
		job.StartedAt = &now
		job.UpdatedAt = now
		won = true
		return putJSON(tx, bucketJobs, id, &job)
	})
	return won, err
}

// UnlockJob releases a claim. With an owner it releases only that owner's
// claim; with an empty owner it force-releases.
func (s *BoltStore) UnlockJob(id, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			if err == ErrNotFound {
				return nil // already moved to success/failure
			}
			return err
		}
		if owner != "" && job.LockedBy != owner {
			return nil
		}
		job.LockedBy = ""
		job.LockedUntil = nil
		job.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketJobs, id, &job)
	})
}

// ResetJobToWaiting clears the lock and puts the job back in line.
func (s *BoltStore) ResetJobToWaiting(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
		job.Status = types.JobWaiting
		job.LockedBy = ""
		job.LockedUntil = nil
		job.StartedAt = nil
		job.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketJobs, id, &job)
	})
}

// ResetAllJobLocks force-releases every claim in a queue. Executing jobs go
// back to waiting. Used on worker start after an unclean shutdown.
func (s *BoltStore) ResetAllJobLocks(queueName string) (int, error) {
	return s.sweepJobs(queueName, func(job *types.QueueJob, now time.Time) bool {
		if job.LockedBy == "" && job.LockedUntil == nil && job.Status != types.JobExecuting {
			return false
		}
		job.LockedBy = ""
		job.LockedUntil = nil
		if job.Status == types.JobExecuting {
			job.Status = types.JobWaiting
			job.StartedAt = nil
		}
		return true
	})
}

// CleanupExpiredJobLocks releases claims whose TTL has lapsed.
func (s *BoltStore) CleanupExpiredJobLocks(queueName string) (int, error) {
	return s.sweepJobs(queueName, func(job *types.QueueJob, now time.Time) bool {
		if job.LockedUntil == nil || job.LockedUntil.After(now) {
			return false
		}
		job.LockedBy = ""
		job.LockedUntil = nil
		if job.Status == types.JobExecuting {
			job.Status = types.JobWaiting
			job.StartedAt = nil
		}
		return true
	})
}

// sweepJobs applies fn to every job in a queue inside one transaction and
// rewrites the ones fn mutated.
func (s *BoltStore) sweepJobs(queueName string, fn func(*types.QueueJob, time.Time) bool) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		now := time.Now().UTC()

		var dirty []*types.QueueJob
		if err := b.ForEach(func(k, v []byte) error {
			var job types.QueueJob
			if err := getJSON(tx, bucketJobs, string(k), &job); err != nil {
				return err
			}
			if queueName != "" && job.QueueName != queueName {
				return nil
			}
			if fn(&job, now) {
				dirty = append(dirty, &job)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, job := range dirty {
			job.UpdatedAt = now
			if err := putJSON(tx, bucketJobs, job.ID, job); err != nil {
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

// MoveJobToSuccess records the result and removes the job from the active
// table in one transaction. Metadata does not survive the move.
func (s *BoltStore) MoveJobToSuccess(job *types.QueueJob, result []byte, executionTime time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var current types.QueueJob
		if err := getJSON(tx, bucketJobs, job.ID, &current); err != nil {
			return fmt.Errorf("queue job %s: %w", job.ID, err)
		}

		success := &types.SucceededJob{
			ID:              current.ID,
			QueueName:       current.QueueName,
			GroupID:         current.GroupID,
			JobName:         current.JobName,
			ExecutorName:    current.ExecutorName,
			Payload:         current.Payload,
			Result:          result,
			Attempts:        current.Attempts + 1,
			ExecutionTimeMs: executionTime.Milliseconds(),
			StartedAt:       current.StartedAt,
			CompletedAt:     time.Now().UTC(),
			CreatedAt:       current.CreatedAt,
		}
		if err := putJSON(tx, bucketJobSuccess, success.ID, success); err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobOrder).Delete(orderKey(current.Priority, current.CreatedAt, current.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(current.ID))
	})
}

// MarkJobFailed flips the job to failed in place, keeping it in the active
// table so it can be retried. Counts the concluded attempt.
func (s *BoltStore) MarkJobFailed(id string, errMessage, errCode, errStack string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
		job.Status = types.JobFailed
		job.Attempts++
		job.ErrorMessage = errMessage
		job.ErrorCode = errCode
		job.ErrorStack = errStack
		job.LockedBy = ""
		job.LockedUntil = nil
		job.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketJobs, id, &job)
	})
}

// RetryFailedJob resets a failed job so it is indistinguishable from a
// fresh submission with the same payload.
func (s *BoltStore) RetryFailedJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
		if job.Status != types.JobFailed {
			return fmt.Errorf("job %s is %s, only failed jobs can be retried", id, job.Status)
		}
		job.Status = types.JobWaiting
		job.Attempts = 0
		job.ErrorMessage = ""
		job.ErrorCode = ""
		job.ErrorStack = ""
		job.LockedBy = ""
		job.LockedUntil = nil
		job.StartedAt = nil
		job.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketJobs, id, &job)
	})
}

// MoveJobToFailure is the explicit final-reject: the job leaves the active
// table for the failure table in one transaction.
func (s *BoltStore) MoveJobToFailure(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.QueueJob
		if err := getJSON(tx, bucketJobs, id, &job); err != nil {
			return fmt.Errorf("queue job %s: %w", id, err)
		}
		failure := &types.FailedJob{
			ID:           job.ID,
			QueueName:    job.QueueName,
			GroupID:      job.GroupID,
			JobName:      job.JobName,
			ExecutorName: job.ExecutorName,
			Payload:      job.Payload,
			Attempts:     job.Attempts,
			ErrorMessage: job.ErrorMessage,
			ErrorCode:    job.ErrorCode,
			ErrorStack:   job.ErrorStack,
			FailedAt:     time.Now().UTC(),
			CreatedAt:    job.CreatedAt,
		}
		if err := putJSON(tx, bucketJobFailure, failure.ID, failure); err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobOrder).Delete(orderKey(job.Priority, job.CreatedAt, job.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(job.ID))
	})
}

// PauseGroup flips every waiting/delayed job of the group to paused.
// Executing jobs are never touched.
func (s *BoltStore) PauseGroup(queueName, groupID string) (int, error) {
	return s.sweepJobs(queueName, func(job *types.QueueJob, now time.Time) bool {
		if job.GroupID != groupID {
			return false
		}
		if job.Status != types.JobWaiting && job.Status != types.JobDelayed {
			return false
		}
		job.Status = types.JobPaused
		return true
	})
}

// ResumeGroup restores paused jobs; a job whose delay has not elapsed goes
// back to delayed, everything else to waiting.
func (s *BoltStore) ResumeGroup(queueName, groupID string) (int, error) {
	return s.sweepJobs(queueName, func(job *types.QueueJob, now time.Time) bool {
		if job.GroupID != groupID || job.Status != types.JobPaused {
			return false
		}
		if job.DelayUntil != nil && job.DelayUntil.After(now) {
			job.Status = types.JobDelayed
		} else {
			job.Status = types.JobWaiting
		}
		return true
	})
}

// FindOrphanedExecutingJobs returns jobs stuck in executing whose last
// update is older than the threshold.
func (s *BoltStore) FindOrphanedExecutingJobs(olderThan time.Duration) ([]*types.QueueJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var orphans []*types.QueueJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.QueueJob
			if err := getJSON(tx, bucketJobs, string(k), &job); err != nil {
				return err
			}
			if job.Status == types.JobExecuting && job.UpdatedAt.Before(cutoff) {
				orphans = append(orphans, &job)
			}
			return nil
		})
	})
	return orphans, err
}

func (s *BoltStore) GetSucceededJob(id string) (*types.SucceededJob, error) {
	var job types.SucceededJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketJobSuccess, id, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("succeeded job %s: %w", id, err)
	}
	return &job, nil
}

func (s *BoltStore) GetFailedJob(id string) (*types.FailedJob, error) {
	var job types.FailedJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketJobFailure, id, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("failed job %s: %w", id, err)
	}
	return &job, nil
}

func (s *BoltStore) QueueStatistics(queueName string) (*QueueStats, error) {
	stats := &QueueStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.QueueJob
			if err := getJSON(tx, bucketJobs, string(k), &job); err != nil {
				return err
			}
			if queueName != "" && job.QueueName != queueName {
				return nil
			}
			switch job.Status {
			case types.JobWaiting:
				stats.Waiting++
			case types.JobExecuting:
				stats.Executing++
			case types.JobPaused:
				stats.Paused++
			case types.JobDelayed:
				stats.Delayed++
			case types.JobFailed:
				stats.Failed++
			}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobSuccess).ForEach(func(k, v []byte) error {
			if queueName != "" {
				var job types.SucceededJob
				if err := getJSON(tx, bucketJobSuccess, string(k), &job); err != nil {
					return err
				}
				if job.QueueName != queueName {
					return nil
				}
			}
			stats.Succeeded++
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketJobFailure).ForEach(func(k, v []byte) error {
			if queueName != "" {
				var job types.FailedJob
				if err := getJSON(tx, bucketJobFailure, string(k), &job); err != nil {
					return err
				}
				if job.QueueName != queueName {
					return nil
				}
			}
			stats.Rejected++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
