package wal_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/page"
	"github.com/hashleaf/hashleaf/internal/txn"
	"github.com/hashleaf/hashleaf/internal/wal"
)

type fakeHandlers struct {
	inserts []string
	deletes []string
	updates []string
}

func (f *fakeHandlers) OnInsert(pageID page.ID, key, payload []byte) error {
	f.inserts = append(f.inserts, string(key)+"="+string(payload))
	return nil
}
func (f *fakeHandlers) OnDelete(pageID page.ID, key []byte) error {
	f.deletes = append(f.deletes, string(key))
	return nil
}
func (f *fakeHandlers) OnUpdate(pageID page.ID, key, oldPayload, newPayload []byte) error {
	f.updates = append(f.updates, string(key)+":"+string(oldPayload)+"->"+string(newPayload))
	return nil
}

func open(t *testing.T) (*wal.Manager, *txn.Allocator) {
	t.Helper()
	alloc := txn.New()
	m, err := wal.Open(t.TempDir(), wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)
	return m, alloc
}

func TestCommittedRecordsReplay(t *testing.T) {
	m, _ := open(t)
	defer m.Close()

	id := m.BeginTransaction()
	_, err := m.LogInsert(id, page.ID(1), []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(id))

	h := &fakeHandlers{}
	require.NoError(t, m.Replay(0, h))
	require.Equal(t, []string{"k1=v1"}, h.inserts)
}

func TestUncommittedRecordsAreNotReplayed(t *testing.T) {
	m, _ := open(t)
	defer m.Close()

	id := m.BeginTransaction()
	_, err := m.LogInsert(id, page.ID(1), []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, m.Abort(id))

	h := &fakeHandlers{}
	require.NoError(t, m.Replay(0, h))
	require.Empty(t, h.inserts)
}

func TestCheckpointAndTruncate(t *testing.T) {
	m, _ := open(t)
	defer m.Close()

	id := m.BeginTransaction()
	_, err := m.LogInsert(id, page.ID(1), []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(id))

	lsn, err := m.WriteCheckpoint()
	require.NoError(t, err)
	require.Equal(t, lsn, m.LastCheckpointLSN())

	require.NoError(t, m.Truncate(lsn+1))
}

func TestReplayAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	alloc := txn.New()
	m1, err := wal.Open(dir, wal.DefaultConfig(), alloc, zap.NewNop())
	require.NoError(t, err)

	id := m1.BeginTransaction()
	_, err = m1.LogInsert(id, page.ID(1), []byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, m1.Commit(id))
	require.NoError(t, m1.Close())

	alloc2 := txn.New()
	m2, err := wal.Open(dir, wal.DefaultConfig(), alloc2, zap.NewNop())
	require.NoError(t, err)
	defer m2.Close()

	h := &fakeHandlers{}
	require.NoError(t, m2.Replay(0, h))
	require.Equal(t, []string{"a=1"}, h.inserts)
}

func TestUpdateRecordRoundTrip(t *testing.T) {
	m, _ := open(t)
	defer m.Close()

	id := m.BeginTransaction()
	_, err := m.LogUpdate(id, page.ID(2), []byte("k"), []byte("old"), []byte("new"))
	require.NoError(t, err)
	require.NoError(t, m.Commit(id))

	h := &fakeHandlers{}
	require.NoError(t, m.Replay(0, h))
	require.Equal(t, []string{"k:old->new"}, h.updates)
}
