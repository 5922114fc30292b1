package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

// DefinitionCache is a read-through accelerator for workflow definitions.
// The store stays authoritative: entries expire on a TTL and any write path
// invalidates the affected name.
type DefinitionCache struct {
	store storage.Store
	cache *gocache.Cache
}

// NewDefinitionCache creates a cache with the given TTL.
func NewDefinitionCache(store storage.Store, ttl time.Duration) *DefinitionCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &DefinitionCache{
		store: store,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// GetByID fetches a definition by id, serving from cache when possible.
func (c *DefinitionCache) GetByID(id string) (*types.WorkflowDefinition, error) {
	if v, ok := c.cache.Get("id/" + id); ok {
		return v.(*types.WorkflowDefinition), nil
	}
	def, err := c.store.GetDefinition(id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault("id/"+def.ID, def)
	return def, nil
}

// GetActiveByName fetches the active version of a name.
func (c *DefinitionCache) GetActiveByName(name string) (*types.WorkflowDefinition, error) {
	if v, ok := c.cache.Get("active/" + name); ok {
		return v.(*types.WorkflowDefinition), nil
	}
	def, err := c.store.GetActiveDefinitionByName(name)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault("active/"+name, def)
	c.cache.SetDefault("id/"+def.ID, def)
	return def, nil
}

// Invalidate drops cached entries for a definition and its name.
func (c *DefinitionCache) Invalidate(id, name string) {
	if id != "" {
		c.cache.Delete("id/" + id)
	}
	if name != "" {
		c.cache.Delete("active/" + name)
	}
}

// Flush empties the cache.
func (c *DefinitionCache) Flush() {
	c.cache.Flush()
}
