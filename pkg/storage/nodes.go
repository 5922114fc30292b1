package storage

import (
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

func createNodeInTxn(tx *bolt.Tx, node *types.NodeInstance) error {
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	if node.ParentNodeID != "" {
		// (workflowInstanceID, parentNodeID, childIndex) is unique for sub-nodes
		ck := []byte(fmt.Sprintf("%s/%s/%010d", node.WorkflowInstanceID, node.ParentNodeID, node.ChildIndex))
		idx := tx.Bucket(bucketChildIndex)
		if existing := idx.Get(ck); existing != nil {
			return fmt.Errorf("child node at index %d already exists under %s", node.ChildIndex, node.ParentNodeID)
		}
		if err := idx.Put(ck, []byte(node.ID)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketNodesByInstance).Put(
		[]byte(node.WorkflowInstanceID+"/"+node.ID), []byte(node.ID)); err != nil {
		return err
	}
	return putJSON(tx, bucketNodeInstances, node.ID, node)
}

func (s *BoltStore) CreateNodeInstance(node *types.NodeInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return createNodeInTxn(tx, node)
	})
}

func (s *BoltStore) CreateNodeInstances(nodes []*types.NodeInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, node := range nodes {
			if err := createNodeInTxn(tx, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateChildNodesTxn is the loop fan-out: all children plus the parent's
// loop progress flip commit in one transaction, or none of it does.
// Children that already exist at their (parent, childIndex) slot are skipped
// so a re-run after a crash is idempotent.
func (s *BoltStore) CreateChildNodesTxn(parentInstanceID string, children []*types.NodeInstance, progress *types.LoopProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var parent types.NodeInstance
		if err := getJSON(tx, bucketNodeInstances, parentInstanceID, &parent); err != nil {
			return fmt.Errorf("parent node instance %s: %w", parentInstanceID, err)
		}

		idx := tx.Bucket(bucketChildIndex)
		for _, child := range children {
			ck := []byte(fmt.Sprintf("%s/%s/%010d", child.WorkflowInstanceID, child.ParentNodeID, child.ChildIndex))
			if idx.Get(ck) != nil {
				continue
			}
			if err := createNodeInTxn(tx, child); err != nil {
				return err
			}
		}

		parent.LoopProgress = progress
		parent.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketNodeInstances, parent.ID, &parent)
	})
}

func (s *BoltStore) GetNodeInstance(id string) (*types.NodeInstance, error) {
	var node types.NodeInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketNodeInstances, id, &node)
	})
	if err != nil {
		return nil, fmt.Errorf("node instance %s: %w", id, err)
	}
	return &node, nil
}

func (s *BoltStore) UpdateNodeInstance(node *types.NodeInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing types.NodeInstance
		if err := getJSON(tx, bucketNodeInstances, node.ID, &existing); err != nil {
			return fmt.Errorf("node instance %s: %w", node.ID, err)
		}
		node.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketNodeInstances, node.ID, node)
	})
}

// UpdateNodeStatus transitions a node instance. Terminal nodes accept only
// error-metadata enrichment, never a status change.
func (s *BoltStore) UpdateNodeStatus(id string, status types.NodeStatus, errorMessage string, errorDetails []byte) (*types.NodeInstance, error) {
	var node types.NodeInstance
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketNodeInstances, id, &node); err != nil {
			return fmt.Errorf("node instance %s: %w", id, err)
		}
		if node.Status.Terminal() && node.Status != status {
			return fmt.Errorf("node %s is terminal (%s), cannot transition to %s", id, node.Status, status)
		}
		now := time.Now().UTC()
		node.Status = status
		node.UpdatedAt = now
		if errorMessage != "" {
			node.ErrorMessage = errorMessage
		}
		if len(errorDetails) > 0 {
			node.ErrorDetails = errorDetails
		}
		if status == types.NodeRunning && node.StartedAt == nil {
			node.StartedAt = &now
		}
		if status.Terminal() && node.CompletedAt == nil {
			node.CompletedAt = &now
		}
		return putJSON(tx, bucketNodeInstances, id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) UpdateNodeResult(id string, result []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var node types.NodeInstance
		if err := getJSON(tx, bucketNodeInstances, id, &node); err != nil {
			return fmt.Errorf("node instance %s: %w", id, err)
		}
		node.Result = result
		node.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketNodeInstances, id, &node)
	})
}

func (s *BoltStore) UpdateLoopProgress(id string, progress *types.LoopProgress) (*types.NodeInstance, error) {
	var node types.NodeInstance
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketNodeInstances, id, &node); err != nil {
			return fmt.Errorf("node instance %s: %w", id, err)
		}
		node.LoopProgress = progress
		node.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketNodeInstances, id, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// FindNodeInstance returns the top-level node instance for a graph position.
// Sub-nodes (non-empty parent) never match.
func (s *BoltStore) FindNodeInstance(workflowInstanceID, nodeID string) (*types.NodeInstance, error) {
	nodes, err := s.ListNodeInstances(workflowInstanceID)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.NodeID == nodeID && node.ParentNodeID == "" {
			return node, nil
		}
	}
	return nil, fmt.Errorf("node instance for %s/%s: %w", workflowInstanceID, nodeID, ErrNotFound)
}

func (s *BoltStore) ListNodeInstances(workflowInstanceID string) ([]*types.NodeInstance, error) {
	var nodes []*types.NodeInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(bucketNodesByInstance), []byte(workflowInstanceID+"/"), func(k, v []byte) error {
			var node types.NodeInstance
			if err := getJSON(tx, bucketNodeInstances, string(v), &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes)
	return nodes, nil
}

// FindChildNodes returns the direct children of a node instance, ordered by
// (childIndex, id).
func (s *BoltStore) FindChildNodes(parentInstanceID string) ([]*types.NodeInstance, error) {
	parent, err := s.GetNodeInstance(parentInstanceID)
	if err != nil {
		return nil, err
	}
	var nodes []*types.NodeInstance
	err = s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(parent.WorkflowInstanceID + "/" + parentInstanceID + "/")
		return prefixScan(tx.Bucket(bucketChildIndex), prefix, func(k, v []byte) error {
			var node types.NodeInstance
			if err := getJSON(tx, bucketNodeInstances, string(v), &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// FindAllChildNodes returns the full sub-tree below a node instance,
// breadth-first, cycle-safe, ordered by (childIndex, id) at each level.
func (s *BoltStore) FindAllChildNodes(parentInstanceID string) ([]*types.NodeInstance, error) {
	seen := map[string]bool{parentInstanceID: true}
	var all []*types.NodeInstance
	frontier := []string{parentInstanceID}
	for len(frontier) > 0 {
		next := []string{}
		for _, id := range frontier {
			children, err := s.FindChildNodes(id)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if seen[child.ID] {
					continue
				}
				seen[child.ID] = true
				all = append(all, child)
				next = append(next, child.ID)
			}
		}
		frontier = next
	}
	return all, nil
}

func (s *BoltStore) FindPendingChildNodes(parentInstanceID string) ([]*types.NodeInstance, error) {
	children, err := s.FindChildNodes(parentInstanceID)
	if err != nil {
		return nil, err
	}
	var pending []*types.NodeInstance
	for _, child := range children {
		if child.Status == types.NodePending || child.Status == types.NodeFailedRetry {
			pending = append(pending, child)
		}
	}
	return pending, nil
}

func (s *BoltStore) FindNodesByStatus(workflowInstanceID string, status types.NodeStatus) ([]*types.NodeInstance, error) {
	nodes, err := s.ListNodeInstances(workflowInstanceID)
	if err != nil {
		return nil, err
	}
	var matched []*types.NodeInstance
	for _, node := range nodes {
		if node.Status == status {
			matched = append(matched, node)
		}
	}
	return matched, nil
}

func sortNodes(nodes []*types.NodeInstance) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ChildIndex != nodes[j].ChildIndex {
			return nodes[i].ChildIndex < nodes[j].ChildIndex
		}
		if !nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].ID < nodes[j].ID
	})
}
