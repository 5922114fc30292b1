package storage

import (
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
)

// CreateDefinition persists a new definition version. If the definition is
// flagged Active it becomes the active version for its name in the same
// transaction.
func (s *BoltStore) CreateDefinition(def *types.WorkflowDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketDefinitionsByName)
		key := nameVersionKey(def.Name, def.Version)
		if idx.Get(key) != nil {
			return fmt.Errorf("definition %s version %d already exists", def.Name, def.Version)
		}

		now := time.Now().UTC()
		def.CreatedAt = now
		def.UpdatedAt = now

		if err := putJSON(tx, bucketDefinitions, def.ID, def); err != nil {
			return err
		}
		if err := idx.Put(key, []byte(def.ID)); err != nil {
			return err
		}
		if def.Active {
			return activateInTxn(tx, def.Name, def.ID)
		}
		return nil
	})
}

// UpdateDefinition rewrites a stored definition in place. Version and name
// are immutable; use CreateDefinition for a new version.
func (s *BoltStore) UpdateDefinition(def *types.WorkflowDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var existing types.WorkflowDefinition
		if err := getJSON(tx, bucketDefinitions, def.ID, &existing); err != nil {
			return fmt.Errorf("definition %s: %w", def.ID, err)
		}
		if existing.Name != def.Name || existing.Version != def.Version {
			return fmt.Errorf("definition name/version are immutable")
		}
		def.CreatedAt = existing.CreatedAt
		def.UpdatedAt = time.Now().UTC()
		return putJSON(tx, bucketDefinitions, def.ID, def)
	})
}

func (s *BoltStore) GetDefinition(id string) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDefinitions, id, &def)
	})
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", id, err)
	}
	return &def, nil
}

func (s *BoltStore) GetDefinitionByNameAndVersion(name string, version int) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDefinitionsByName).Get(nameVersionKey(name, version))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketDefinitions, string(id), &def)
	})
	if err != nil {
		return nil, fmt.Errorf("definition %s v%d: %w", name, version, err)
	}
	return &def, nil
}

// GetActiveDefinitionByName resolves the single active version of a name.
func (s *BoltStore) GetActiveDefinitionByName(name string) (*types.WorkflowDefinition, error) {
	var def types.WorkflowDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketActiveDefinitions).Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx, bucketDefinitions, string(id), &def)
	})
	if err != nil {
		return nil, fmt.Errorf("active definition %s: %w", name, err)
	}
	return &def, nil
}

func (s *BoltStore) ListDefinitionVersions(name string) ([]*types.WorkflowDefinition, error) {
	var defs []*types.WorkflowDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return prefixScan(tx.Bucket(bucketDefinitionsByName), []byte(name+"/"), func(k, v []byte) error {
			var def types.WorkflowDefinition
			if err := getJSON(tx, bucketDefinitions, string(v), &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
	return defs, nil
}

// ActivateDefinitionVersion flips the active pointer atomically: the named
// version becomes active, every other version of the name becomes inactive.
func (s *BoltStore) ActivateDefinitionVersion(name string, version int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDefinitionsByName).Get(nameVersionKey(name, version))
		if id == nil {
			return fmt.Errorf("definition %s v%d: %w", name, version, ErrNotFound)
		}
		return activateInTxn(tx, name, string(id))
	})
}

func activateInTxn(tx *bolt.Tx, name, activeID string) error {
	err := prefixScan(tx.Bucket(bucketDefinitionsByName), []byte(name+"/"), func(k, v []byte) error {
		var def types.WorkflowDefinition
		if err := getJSON(tx, bucketDefinitions, string(v), &def); err != nil {
			return err
		}
		active := def.ID == activeID
		if def.Active != active {
			def.Active = active
			def.UpdatedAt = time.Now().UTC()
			if err := putJSON(tx, bucketDefinitions, def.ID, &def); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tx.Bucket(bucketActiveDefinitions).Put([]byte(name), []byte(activeID))
}
