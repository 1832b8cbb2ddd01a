package cas_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hashleaf/hashleaf/internal/cas"
	"github.com/hashleaf/hashleaf/internal/page"
)

func leaf(keys ...string) *page.Page {
	p := page.New(page.InvalidID, true)
	for _, k := range keys {
		p.Keys = append(p.Keys, []byte(k))
	}
	return p
}

func TestStoreDedup(t *testing.T) {
	s := cas.New(zap.NewNop())

	id1, err := s.Store(leaf("a", "b"))
	require.NoError(t, err)
	id2, err := s.Store(leaf("a", "b"))
	require.NoError(t, err)
	require.Equal(t, id1, id2, "identical content must dedup to the same page_id")
	require.Equal(t, 1, s.BlobCount())

	id3, err := s.Store(leaf("a", "c"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
	require.Equal(t, 2, s.BlobCount())
}

func TestGetRoundTrip(t *testing.T) {
	s := cas.New(zap.NewNop())
	id, err := s.Store(leaf("x", "y", "z"))
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y"), []byte("z")}, got.Keys)
}

func TestGetNotFound(t *testing.T) {
	s := cas.New(zap.NewNop())
	_, err := s.Get(page.ID(999))
	require.ErrorIs(t, err, cas.ErrNotFound)
}

func TestDiskPersistence(t *testing.T) {
	dir := t.TempDir()
	s, err := cas.NewDisk(dir, zap.NewNop())
	require.NoError(t, err)

	id, err := s.Store(leaf("k1"))
	require.NoError(t, err)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("k1")}, got.Keys)
}

func TestHasContentAndIDForContent(t *testing.T) {
	s := cas.New(zap.NewNop())
	p := leaf("dup")
	has, err := s.HasContent(p)
	require.NoError(t, err)
	require.False(t, has)

	id, err := s.Store(p)
	require.NoError(t, err)

	has, err = s.HasContent(p)
	require.NoError(t, err)
	require.True(t, has)

	gotID, ok, err := s.IDForContent(p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, gotID)
}
