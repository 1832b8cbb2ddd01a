package writer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/writer"
)

func newLeaf(key string) *page.Page {
	p := page.New(page.InvalidID, true)
	p.Keys = [][]byte{[]byte(key)}
	return p
}

func TestEnqueueDrainsAndClearsDirty(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 16, zap.NewNop())
	require.NoError(t, err)

	q := writer.New(writer.Config{
		MaxQueueSize: 16,
		Workers:      2,
		MaxBatchSize: 4,
		BatchTimeout: 5 * time.Millisecond,
	}, store, c, zap.NewNop())
	defer q.Stop()

	c.Put(page.ID(1), newLeaf("a"))
	require.NoError(t, q.Enqueue(page.ID(1), newLeaf("a")))

	q.Flush()
	require.Equal(t, 1, store.BlobCount())
	require.Empty(t, c.DirtyPages())
}

func TestBackpressureReturnsErrQueueFull(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 16, zap.NewNop())
	require.NoError(t, err)

	q := writer.New(writer.Config{
		MaxQueueSize: 1,
		Workers:      0, // falls back to the default of 2 workers
		MaxBatchSize: 1,
		BatchTimeout: time.Hour,
	}, store, c, zap.NewNop())
	defer q.Stop()

	require.NoError(t, q.Enqueue(page.ID(1), newLeaf("a")))
	// A worker may drain the single slot before the second Enqueue, so that
	// call may succeed (the contract is "no blocking", not "always full");
	// when it does fail, the error must be ErrQueueFull.
	err = q.Enqueue(page.ID(2), newLeaf("b"))
	if err != nil {
		require.ErrorIs(t, err, writer.ErrQueueFull)
	}
}

func TestStopDrainsPending(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 16, zap.NewNop())
	require.NoError(t, err)

	q := writer.New(writer.Config{
		MaxQueueSize: 16,
		Workers:      2,
		MaxBatchSize: 10,
		BatchTimeout: 10 * time.Millisecond,
	}, store, c, zap.NewNop())

	c.Put(page.ID(1), newLeaf("a"))
	require.NoError(t, q.Enqueue(page.ID(1), newLeaf("a")))
	q.Stop()

	require.Equal(t, 1, store.BlobCount())
	require.ErrorIs(t, q.Enqueue(page.ID(2), newLeaf("b")), writer.ErrStopped)
}
