package storage

import (
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

func (s *BoltStore) CreateSchedule(sched *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()
		sched.CreatedAt = now
		sched.UpdatedAt = now
		return putJSON(tx, bucketSchedules, sched.ID, sched)
	})
}

func (s *BoltStore) UpdateSchedule(sched *types.Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing types.Schedule
		if err := getJSON(tx, bucketSchedules, sched.ID, &existing); err != nil {
			return fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
		sched.CreatedAt = existing.CreatedAt
		sched.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketSchedules, sched.ID, sched)
	})
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var sched types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSchedules, id, &sched)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &sched, nil
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sched types.Schedule
			if err := getJSON(tx, bucketSchedules, string(k), &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

func scheduleExecKey(scheduleID string, startedAt time.Time, id string) string {
	return fmt.Sprintf("%s/%019d/%s", scheduleID, startedAt.UTC().UnixNano(), id)
}

func (s *BoltStore) CreateScheduleExecution(exec *types.ScheduleExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if exec.StartedAt.IsZero() {
			exec.StartedAt = time.Now().UTC()
		}
		return putJSON(tx, bucketScheduleExecs, scheduleExecKey(exec.ScheduleID, exec.StartedAt, exec.ID), exec)
	})
}

func (s *BoltStore) UpdateScheduleExecution(exec *types.ScheduleExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := scheduleExecKey(exec.ScheduleID, exec.StartedAt, exec.ID)
		if tx.Bucket(bucketScheduleExecs).Get([]byte(key)) == nil {
			return fmt.Errorf("schedule execution %s: %w", exec.ID, ErrNotFound)
		}
		return putJSON(tx, bucketScheduleExecs, key, exec)
	})
}

func (s *BoltStore) GetScheduleExecution(id string) (*types.ScheduleExecution, error) {
	var found *types.ScheduleExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScheduleExecs).ForEach(func(k, v []byte) error {
			var exec types.ScheduleExecution
			if err := getJSON(tx, bucketScheduleExecs, string(k), &exec); err != nil {
				return err
			}
			if exec.ID == id {
				found = &exec
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("schedule execution %s: %w", id, ErrNotFound)
	}
	return found, nil
}

// ListScheduleExecutions returns a schedule's trigger history, newest first.
func (s *BoltStore) ListScheduleExecutions(scheduleID string, page Page) ([]*types.ScheduleExecution, error) {
	var execs []*types.ScheduleExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(bucketScheduleExecs), []byte(scheduleID+"/"), func(k, v []byte) error {
			var exec types.ScheduleExecution
			if err := getJSON(tx, bucketScheduleExecs, string(k), &exec); err != nil {
				return err
			}
			execs = append(execs, &exec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// prefix scan yields oldest first; history reads newest first
	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
	return paginate(execs, page), nil
}

func (s *BoltStore) CountRunningExecutions(scheduleID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(bucketScheduleExecs), []byte(scheduleID+"/"), func(k, v []byte) error {
			var exec types.ScheduleExecution
			if err := getJSON(tx, bucketScheduleExecs, string(k), &exec); err != nil {
				return err
			}
			if exec.Status == types.ScheduleExecRunning {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) CleanupOldExecutions(before time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScheduleExecs)

		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var exec types.ScheduleExecution
			if err := getJSON(tx, bucketScheduleExecs, string(k), &exec); err != nil {
				return err
			}
			if exec.Status != types.ScheduleExecRunning && exec.StartedAt.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				doomed = append(doomed, key)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, k := range doomed {
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
