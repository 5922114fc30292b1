package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

func execLogKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%019d/%s", ts.UTC().UnixNano(), id))
}

func createExecLogInTxn(tx *bolt.Tx, entry *types.ExecutionLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	key := execLogKey(entry.Timestamp, entry.ID)
	if err := putJSON(tx, bucketExecLogs, string(key), entry); err != nil {
		return err
	}
	if entry.WorkflowInstanceID != "" {
		wfKey := entry.WorkflowInstanceID + "/" + string(key)
		if err := tx.Bucket(bucketExecLogsByWf).Put([]byte(wfKey), key); err != nil {
			return err
		}
	}
	if entry.NodeInstanceID != "" {
		nodeKey := entry.NodeInstanceID + "/" + string(key)
		if err := tx.Bucket(bucketExecLogsByNode).Put([]byte(nodeKey), key); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) CreateExecutionLog(entry *types.ExecutionLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createExecLogInTxn(tx, entry)
	})
}

func (s *BoltStore) CreateExecutionLogs(entries []*types.ExecutionLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, entry := range entries {
			if err := createExecLogInTxn(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) FindLogsByWorkflowInstanceID(workflowInstanceID string, page Page) ([]*types.ExecutionLog, error) {
	return s.scanLogIndex(bucketExecLogsByWf, workflowInstanceID, page)
}

func (s *BoltStore) FindLogsByNodeInstanceID(nodeInstanceID string, page Page) ([]*types.ExecutionLog, error) {
	return s.scanLogIndex(bucketExecLogsByNode, nodeInstanceID, page)
}

func (s *BoltStore) scanLogIndex(indexBucket []byte, prefix string, page Page) ([]*types.ExecutionLog, error) {
	var entries []*types.ExecutionLog
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(indexBucket), []byte(prefix+"/"), func(k, v []byte) error {
			var entry types.ExecutionLog
			if err := getJSON(tx, bucketExecLogs, string(v), &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(entries, page), nil
}

func (s *BoltStore) FindLogsByLevel(level types.LogLevel, page Page) ([]*types.ExecutionLog, error) {
	var entries []*types.ExecutionLog
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecLogs).ForEach(func(k, v []byte) error {
			var entry types.ExecutionLog
			if err := getJSON(tx, bucketExecLogs, string(k), &entry); err != nil {
				return err
			}
			if entry.Level == level {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginate(entries, page), nil
}

// DeleteExpiredLogs removes every entry older than the cutoff, including its
// index rows. The timestamp-prefixed key makes this a bounded range scan.
func (s *BoltStore) DeleteExpiredLogs(before time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecLogs)
		cutoff := []byte(fmt.Sprintf("%019d", before.UTC().UnixNano()))

		var doomed []*types.ExecutionLog
		var keys [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			var entry types.ExecutionLog
			if err := getJSON(tx, bucketExecLogs, string(k), &entry); err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			doomed = append(doomed, &entry)
			_ = v
		}

		for i, k := range keys {
			entry := doomed[i]
			if err := b.Delete(k); err != nil {
				return err
			}
			if entry.WorkflowInstanceID != "" {
				if err := tx.Bucket(bucketExecLogsByWf).Delete([]byte(entry.WorkflowInstanceID + "/" + string(k))); err != nil {
					return err
				}
			}
			if entry.NodeInstanceID != "" {
				if err := tx.Bucket(bucketExecLogsByNode).Delete([]byte(entry.NodeInstanceID + "/" + string(k))); err != nil {
					return err
				}
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
