package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/btree"
	"github.com/hashleaf/hashleaf/internal/engine"
)

func open(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.Open(engine.Config{
		DataDir:        t.TempDir(),
		MaxKeysPerNode: 4,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestInsertSearchDelete(t *testing.T) {
	e := open(t)

	require.NoError(t, e.Insert(1, "one"))
	require.NoError(t, e.Insert(2, "two"))

	v, ok, err := e.Search(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", v)

	require.NoError(t, e.Delete(1))
	_, ok, err = e.Search(1)
	require.NoError(t, err)
	require.False(t, ok)

	err = e.Delete(int64(999))
	require.ErrorIs(t, err, btree.ErrNotFound)
}

func TestCheckpointSucceeds(t *testing.T) {
	e := open(t)
	require.NoError(t, e.Insert(1, "one"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Checkpoint(ctx))

	stats := e.Stats()
	require.Greater(t, stats.LastCheckpointLSN, uint64(0))
	require.True(t, stats.SchedulerHealthy)
}

// TestReplayAfterRestart checks the crash-recovery scenario: data
// inserted before a close must be visible again after re-opening the
// same data directory, entirely through WAL replay.
func TestReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()

	e1, err := engine.Open(engine.Config{DataDir: dir, MaxKeysPerNode: 4}, zap.NewNop())
	require.NoError(t, err)
	for i := int64(1); i <= 20; i++ {
		require.NoError(t, e1.Insert(i, "v"))
	}
	require.NoError(t, e1.Close())

	e2, err := engine.Open(engine.Config{DataDir: dir, MaxKeysPerNode: 4}, zap.NewNop())
	require.NoError(t, err)
	defer e2.Close()

	for i := int64(1); i <= 20; i++ {
		v, ok, err := e2.Search(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d should survive restart", i)
		require.Equal(t, "v", v)
	}
}

func TestStatsReportsDedup(t *testing.T) {
	e := open(t)
	require.NoError(t, e.Insert(1, "same"))
	before := e.Stats().BlobCount
	require.NoError(t, e.Insert(1, "same"))
	require.Eventually(t, func() bool {
		return e.Stats().BlobCount == before
	}, time.Second, 5*time.Millisecond)
}
