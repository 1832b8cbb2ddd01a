package cache_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
)

func newLeaf(key string) *page.Page {
	p := page.New(page.InvalidID, true)
	p.Keys = [][]byte{[]byte(key)}
	return p
}

func TestPutGetAndDirty(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 4, zap.NewNop())
	require.NoError(t, err)

	c.Put(page.ID(1), newLeaf("a"))
	got, err := c.Get(page.ID(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a")}, got.Keys)

	require.Len(t, c.DirtyPages(), 1)
	c.ClearDirty(page.ID(1))
	require.Len(t, c.DirtyPages(), 0)
}

func TestEvictionWritesBackDirtyTail(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 2, zap.NewNop())
	require.NoError(t, err)

	c.Put(page.ID(1), newLeaf("a"))
	c.Put(page.ID(2), newLeaf("b"))
	// Over capacity: evicts id 1 (LRU tail), which is dirty, so it must be
	// written back to the content store before the slot is reused.
	c.Put(page.ID(3), newLeaf("c"))

	require.Equal(t, 2, c.Len())
	require.Equal(t, 1, store.BlobCount())
}

func TestFlushAllClearsDirtyAndIsIdempotent(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 8, zap.NewNop())
	require.NoError(t, err)

	c.Put(page.ID(1), newLeaf("a"))
	c.Put(page.ID(2), newLeaf("b"))
	require.Len(t, c.DirtyPages(), 2)

	require.NoError(t, c.FlushAll())
	require.Len(t, c.DirtyPages(), 0)
	require.Equal(t, 2, store.BlobCount())

	// Second call with no intervening writes must be a no-op.
	require.NoError(t, c.FlushAll())
	require.Equal(t, 2, store.BlobCount())
}

func TestGetMissLoadsFromStore(t *testing.T) {
	store := cas.New(zap.NewNop())
	id, err := store.Store(newLeaf("x"))
	require.NoError(t, err)

	c, err := cache.New(store, 4, zap.NewNop())
	require.NoError(t, err)

	got, err := c.Get(id)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x")}, got.Keys)
}
