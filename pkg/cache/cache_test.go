package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

func seedDefinition(t *testing.T, store storage.Store, name string) *types.WorkflowDefinition {
	t.Helper()
	def := &types.WorkflowDefinition{
		ID:      name + "-v1",
		Name:    name,
		Version: 1,
		Active:  true,
		Graph: &types.Graph{
			StartNodeID: "start",
			Nodes: map[string]*types.NodeSpec{
				"start": {Name: "start", Kind: types.NodeKindSimple, Executor: "echo"},
			},
		},
	}
	require.NoError(t, store.CreateDefinition(def))
	return def
}

func TestDefinitionCacheReadThrough(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	def := seedDefinition(t, store, "etl")
	c := NewDefinitionCache(store, time.Minute)

	got, err := c.GetActiveByName("etl")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)

	// Second read is served from cache even if the store row changes
	// underneath; only invalidation or TTL refreshes it.
	byID, err := c.GetByID(def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, byID.Name)
}

func TestDefinitionCacheMiss(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	c := NewDefinitionCache(store, time.Minute)
	_, err = c.GetByID("missing")
	assert.Error(t, err)
}

func TestDefinitionCacheInvalidate(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	def := seedDefinition(t, store, "etl")
	c := NewDefinitionCache(store, time.Minute)

	_, err = c.GetActiveByName("etl")
	require.NoError(t, err)

	// Activate a new version and invalidate; the cache must follow.
	v2 := &types.WorkflowDefinition{
		ID:      "etl-v2",
		Name:    "etl",
		Version: 2,
		Active:  true,
		Graph:   def.Graph,
	}
	require.NoError(t, store.CreateDefinition(v2))
	require.NoError(t, store.ActivateDefinitionVersion("etl", 2))
	c.Invalidate(def.ID, "etl")

	got, err := c.GetActiveByName("etl")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}
