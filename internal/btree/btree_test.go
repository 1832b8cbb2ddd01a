package btree_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/btree"
	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/txn"
	"github.com/hashleaf/hashleaf/internal/wal"
	"github.com/hashleaf/hashleaf/internal/writer"
)

// newTestTree wires a fresh, in-memory tree of the kind engine.Open
// assembles, with m as its max keys per node.
func newTestTree(t *testing.T, m int) *btree.Tree[int64, string] {
	t.Helper()
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 1024, zap.NewNop())
	require.NoError(t, err)
	w := writer.New(writer.Defaults(), store, c, zap.NewNop())
	t.Cleanup(w.Stop)
	alloc := txn.New()
	wm, err := wal.Open(t.TempDir(), wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { wm.Close() })

	deps := btree.Deps{Cache: c, Store: store, Writer: w, WAL: wm}
	tree, err := btree.New[int64, string](deps, btree.Int64Key{}, btree.FixedStringValue{MaxWidth: 32}, m, page.InvalidID, zap.NewNop())
	require.NoError(t, err)
	return tree
}

// TestLeafSplitSeparatorScenario inserts 1,2,3,4 in order with M=3, which
// splits the root leaf (separator 2), and checks that every inserted key is
// still found after the split and an absent key is not.
func TestLeafSplitSeparatorScenario(t *testing.T) {
	tree := newTestTree(t, 3)
	for _, k := range []int64{1, 2, 3, 4} {
		require.NoError(t, tree.Insert(k, "v"))
	}
	for _, k := range []int64{1, 2, 3, 4} {
		v, ok, err := tree.Search(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v", v)
	}
	_, ok, err := tree.Search(5)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestInsertOverwritesInPlace checks that re-inserting an existing key
// overwrites its value rather than erroring or appending a duplicate.
func TestInsertOverwritesInPlace(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Insert(int64(7), "first"))
	require.NoError(t, tree.Insert(int64(7), "second"))
	v, ok, err := tree.Search(int64(7))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", v)
}

// TestManyInsertsSearchRoundTrip checks that every inserted key is found
// and absent keys are not, across enough inserts to force several splits.
func TestManyInsertsSearchRoundTrip(t *testing.T) {
	tree := newTestTree(t, 3)
	const n = 100
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tree.Insert(i, "x"))
	}
	for i := int64(1); i <= n; i++ {
		_, ok, err := tree.Search(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d should be present", i)
	}
	_, ok, err := tree.Search(int64(n + 1))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestDeleteRemovesKey checks the simple single-leaf case: delete on a
// tree that never split just removes the key from its one leaf.
func TestDeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t, 8)
	for _, k := range []int64{1, 2, 3} {
		require.NoError(t, tree.Insert(k, "v"))
	}
	require.NoError(t, tree.Delete(int64(2)))
	_, ok, err := tree.Search(int64(2))
	require.NoError(t, err)
	require.False(t, ok)

	for _, k := range []int64{1, 3} {
		_, ok, err := tree.Search(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

// TestDeleteMissingKeyReturnsErrNotFound checks that deleting an absent
// key fails without mutating the tree.
func TestDeleteMissingKeyReturnsErrNotFound(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Insert(int64(1), "v"))
	err := tree.Delete(int64(99))
	require.ErrorIs(t, err, btree.ErrNotFound)
}

// TestDeleteDownToEmptyTree exercises root collapse: deleting every key
// out of a tree that grew tall enough to split must still leave every
// remaining key reachable, and the tree must end up empty with no error.
func TestDeleteDownToEmptyTree(t *testing.T) {
	tree := newTestTree(t, 3)
	const n = 50
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tree.Insert(i, "v"))
	}
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tree.Delete(i))
		for j := i + 1; j <= n; j++ {
			_, ok, err := tree.Search(j)
			require.NoError(t, err)
			require.True(t, ok, "key %d should survive deleting up through %d", j, i)
		}
	}
	_, ok, err := tree.Search(int64(1))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestDeleteTriggersMergeAcrossSubtrees forces borrow/merge underflow
// handling by deleting a run of keys concentrated in one half of a tree
// wide enough to have split internal nodes, then re-checks every
// surviving key.
func TestDeleteTriggersMergeAcrossSubtrees(t *testing.T) {
	tree := newTestTree(t, 3)
	const n = 30
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tree.Insert(i, "v"))
	}
	for i := int64(1); i <= 15; i++ {
		require.NoError(t, tree.Delete(i))
	}
	for i := int64(1); i <= 15; i++ {
		_, ok, err := tree.Search(i)
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i := int64(16); i <= n; i++ {
		v, ok, err := tree.Search(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v", v)
	}
}

// TestDedupViaContentStore checks that re-inserting the same key/value
// pair does not grow the content store, since the resulting leaf page is
// byte-identical to one already stored.
func TestDedupViaContentStore(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 1024, zap.NewNop())
	require.NoError(t, err)
	w := writer.New(writer.Defaults(), store, c, zap.NewNop())
	defer w.Stop()
	alloc := txn.New()
	wm, err := wal.Open(t.TempDir(), wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)
	defer wm.Close()

	deps := btree.Deps{Cache: c, Store: store, Writer: w, WAL: wm}
	tree, err := btree.New[int64, string](deps, btree.Int64Key{}, btree.FixedStringValue{MaxWidth: 16}, 8, page.InvalidID, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, tree.Insert(int64(1), "same"))
	before := store.BlobCount()
	require.NoError(t, tree.Insert(int64(1), "same"))
	w.WaitForEmpty()
	require.Equal(t, before, store.BlobCount())
}
