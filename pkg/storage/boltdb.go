package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDefinitions       = []byte("definitions")
	bucketDefinitionsByName = []byte("definitions_by_name") // name/version -> id
	bucketActiveDefinitions = []byte("definitions_active")  // name -> id
	bucketInstances         = []byte("workflow_instances")
	bucketNodeInstances     = []byte("node_instances")
	bucketNodesByInstance   = []byte("nodes_by_instance") // wfInstID/nodeInstID -> nodeInstID
	bucketChildIndex        = []byte("node_child_index")  // wfInstID/parent/childIndex -> nodeInstID
	bucketJobs              = []byte("queue_jobs")
	bucketJobOrder          = []byte("queue_job_order") // invPriority/createdAt/id -> id
	bucketJobSuccess        = []byte("queue_success")
	bucketJobFailure        = []byte("queue_failure")
	bucketLocks             = []byte("locks")
	bucketExecLogs          = []byte("execution_logs") // ts/id -> entry
	bucketExecLogsByWf      = []byte("execution_logs_by_workflow")
	bucketExecLogsByNode    = []byte("execution_logs_by_node")
	bucketSchedules         = []byte("schedules")
	bucketScheduleExecs     = []byte("schedule_executions") // scheduleID/startedAt/id -> exec
)

// BoltStore implements Store using bbolt. bbolt serializes all writing
// transactions, which is what makes the lock upsert and the job claim
// single atomic statements.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "loom.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDefinitions,
			bucketDefinitionsByName,
			bucketActiveDefinitions,
			bucketInstances,
			bucketNodeInstances,
			bucketNodesByInstance,
			bucketChildIndex,
			bucketJobs,
			bucketJobOrder,
			bucketJobSuccess,
			bucketJobFailure,
			bucketLocks,
			bucketExecLogs,
			bucketExecLogsByWf,
			bucketExecLogsByNode,
			bucketSchedules,
			bucketScheduleExecs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// putJSON marshals v and stores it under key in bucket.
func putJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// getJSON loads key from bucket into v. Returns ErrNotFound on a miss.
func getJSON(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// orderKey materializes the canonical waiting-job triple as a sortable key:
// ascending byte order over the key equals
// (priority desc, createdAt asc, id asc) over the job. The priority segment
// is a big-endian encoding whose byte order is the reverse of the signed
// numeric order, so negative and very large priorities sort correctly.
func orderKey(priority int, createdAt time.Time, id string) []byte {
	inv := ^(uint64(int64(priority)) ^ (1 << 63))
	key := make([]byte, 0, 8+1+19+1+len(id))
	key = binary.BigEndian.AppendUint64(key, inv)
	key = append(key, '/')
	key = append(key, []byte(fmt.Sprintf("%019d", createdAt.UTC().UnixNano()))...)
	key = append(key, '/')
	key = append(key, id...)
	return key
}

// childKey indexes a sub-node under its parent for ordered child scans.
func childKey(workflowInstanceID, parentNodeID string, childIndex int, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%010d/%s", workflowInstanceID, parentNodeID, childIndex, id))
}

// nameVersionKey indexes a definition version under its name.
func nameVersionKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", name, version))
}

func prefixScan(b *bolt.Bucket, prefix []byte, fn func(k, v []byte) error) error {
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
