package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cache"
	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/checkpoint"
	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/scheduler"
	"github.com/hashleaf/hashleaf/internal/txn"
	"github.com/hashleaf/hashleaf/internal/wal"
)

func TestRunNowFlushesAndCheckpoints(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 64, zap.NewNop())
	require.NoError(t, err)

	alloc := txn.New()
	wm, err := wal.Open(t.TempDir(), wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)
	defer wm.Close()

	p := page.New(page.InvalidID, true)
	p.Keys = [][]byte{[]byte("k")}
	p.Data = []byte("v")
	id, err := store.Store(p)
	require.NoError(t, err)
	c.Put(id, p)

	sched := scheduler.New(scheduler.Config{Workers: 2, PromoteInterval: 50 * time.Millisecond}, zap.NewNop())
	defer sched.Stop()

	coord, err := checkpoint.New(checkpoint.Config{PollInterval: 10 * time.Millisecond}, c, wm, sched, zap.NewNop())
	require.NoError(t, err)
	coord.Start()
	defer coord.Stop()

	jobID := coord.RunNow()
	require.Eventually(t, func() bool {
		st, ok := sched.Status(jobID)
		return ok && st == scheduler.Succeeded
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, c.DirtyPages())
	require.Greater(t, uint64(wm.LastCheckpointLSN()), uint64(0))
}

// TestVersionPruneJobSucceedsBeforeFirstCheckpoint checks that, with the
// coordinator started and no checkpoint taken yet, a version-prune job
// scheduled on the same scheduler runs and succeeds.
func TestVersionPruneJobSucceedsBeforeFirstCheckpoint(t *testing.T) {
	store := cas.New(zap.NewNop())
	c, err := cache.New(store, 64, zap.NewNop())
	require.NoError(t, err)

	alloc := txn.New()
	wm, err := wal.Open(t.TempDir(), wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)
	defer wm.Close()

	sched := scheduler.New(scheduler.Config{Workers: 1, PromoteInterval: 50 * time.Millisecond}, zap.NewNop())
	defer sched.Stop()

	coord, err := checkpoint.New(checkpoint.Config{PollInterval: 10 * time.Millisecond}, c, wm, sched, zap.NewNop())
	require.NoError(t, err)
	coord.Start()
	defer coord.Stop()

	id := sched.ScheduleVersionPrune(func(ctx context.Context) bool {
		return true
	})
	require.Eventually(t, func() bool {
		st, ok := sched.Status(id)
		return ok && st == scheduler.Succeeded
	}, time.Second, 5*time.Millisecond)
}
