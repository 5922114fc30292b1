package storage

import (
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

// validInstanceTransitions is the guarded transition table for workflow
// instances. Terminal statuses have no entries: nothing leaves them.
var validInstanceTransitions = map[types.WorkflowStatus][]types.WorkflowStatus{
	types.WorkflowPending:     {types.WorkflowRunning, types.WorkflowCancelled},
	types.WorkflowRunning:     {types.WorkflowPaused, types.WorkflowCompleted, types.WorkflowFailed, types.WorkflowCancelled, types.WorkflowInterrupted},
	types.WorkflowPaused:      {types.WorkflowRunning, types.WorkflowCancelled},
	types.WorkflowInterrupted: {types.WorkflowRunning, types.WorkflowFailed, types.WorkflowCancelled},
}

func instanceTransitionAllowed(from, to types.WorkflowStatus) bool {
	if from == to {
		return true
	}
	for _, s := range validInstanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s *BoltStore) CreateInstance(inst *types.WorkflowInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()
		inst.CreatedAt = now
		inst.UpdatedAt = now
		return putJSON(tx, bucketInstances, inst.ID, inst)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketInstances, id, &inst)
	})
	if err != nil {
		return nil, fmt.Errorf("workflow instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *BoltStore) UpdateInstance(inst *types.WorkflowInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing types.WorkflowInstance
		if err := getJSON(tx, bucketInstances, inst.ID, &existing); err != nil {
			return fmt.Errorf("workflow instance %s: %w", inst.ID, err)
		}
		if !instanceTransitionAllowed(existing.Status, inst.Status) {
			return fmt.Errorf("invalid instance transition %s -> %s", existing.Status, inst.Status)
		}
		inst.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketInstances, inst.ID, inst)
	})
}

// UpdateInstanceStatus applies a guarded status transition and returns the
// stored record. Terminal statuses reject all further transitions.
func (s *BoltStore) UpdateInstanceStatus(id string, status types.WorkflowStatus, errorMessage string) (*types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketInstances, id, &inst); err != nil {
			return fmt.Errorf("workflow instance %s: %w", id, err)
		}
		if !instanceTransitionAllowed(inst.Status, status) {
			return fmt.Errorf("invalid instance transition %s -> %s", inst.Status, status)
		}
		now := time.Now().UTC()
		inst.Status = status
		inst.UpdatedAt = now
		if errorMessage != "" {
			inst.ErrorMessage = errorMessage
		}
		if status == types.WorkflowRunning && inst.StartedAt == nil {
			inst.StartedAt = &now
		}
		if status.Terminal() {
			inst.CompletedAt = &now
		}
		return putJSON(tx, bucketInstances, id, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) GetWorkflowInstances(filter InstanceFilter, page Page) ([]*types.WorkflowInstance, error) {
	var all []*types.WorkflowInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.WorkflowInstance
			if err := getJSON(tx, bucketInstances, string(k), &inst); err != nil {
				return err
			}
			if filter.DefinitionID != "" && inst.DefinitionID != filter.DefinitionID {
				return nil
			}
			if filter.Name != "" && inst.Name != filter.Name {
				return nil
			}
			if filter.Status != "" && inst.Status != filter.Status {
				return nil
			}
			if !filter.Since.IsZero() && inst.CreatedAt.Before(filter.Since) {
				return nil
			}
			all = append(all, &inst)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, page), nil
}

func (s *BoltStore) FindInstancesByStatus(status types.WorkflowStatus) ([]*types.WorkflowInstance, error) {
	return s.GetWorkflowInstances(InstanceFilter{Status: status}, Page{})
}

// DeleteInstance removes an instance and all of its node instances.
// Used only by retention.
func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketNodesByInstance)
		nodes := tx.Bucket(bucketNodeInstances)
		children := tx.Bucket(bucketChildIndex)

		var nodeIDs []string
		if err := prefixScan(idx, []byte(id+"/"), func(k, v []byte) error {
			nodeIDs = append(nodeIDs, string(v))
			return nil
		}); err != nil {
			return err
		}
		for _, nid := range nodeIDs {
			if err := nodes.Delete([]byte(nid)); err != nil {
				return err
			}
			if err := idx.Delete([]byte(id + "/" + nid)); err != nil {
				return err
			}
		}
		var childKeys [][]byte
		if err := prefixScan(children, []byte(id+"/"), func(k, v []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			childKeys = append(childKeys, key)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range childKeys {
			if err := children.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}
