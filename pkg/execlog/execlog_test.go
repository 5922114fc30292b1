package execlog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/types"
)

func newTestWriter(t *testing.T) (*Writer, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewWriter(store), store
}

func TestWriterAppendsAndQueries(t *testing.T) {
	w, _ := newTestWriter(t)

	w.Info("wf-1", "node-1", "node_start", "node started")
	w.Error("wf-1", "node-1", "node_failed", "boom", json.RawMessage(`{"code":"BOOM"}`))
	w.Info("wf-2", "", "workflow_start", "other instance")

	byWf, err := w.ByWorkflow("wf-1", storage.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byWf, 2)

	byNode, err := w.ByNode("node-1", storage.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	errs, err := w.ByLevel(types.LogError, storage.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Message)
	assert.Equal(t, "node_failed", errs[0].Phase)
}

func TestWriterPagination(t *testing.T) {
	w, _ := newTestWriter(t)

	for i := 0; i < 5; i++ {
		w.Info("wf-1", "", "tick", "entry")
	}

	page1, err := w.ByWorkflow("wf-1", storage.Page{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := w.ByWorkflow("wf-1", storage.Page{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestWriterDeleteExpired(t *testing.T) {
	w, _ := newTestWriter(t)

	w.Info("wf-1", "", "tick", "old enough")
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	w.Info("wf-1", "", "tick", "fresh")

	n, err := w.DeleteExpired(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := w.ByWorkflow("wf-1", storage.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].Message)
}
