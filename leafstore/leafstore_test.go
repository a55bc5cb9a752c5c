package leafstore

import (
	"path/filepath"
	"testing"

	"github.com/nxbroker/rangekv/core"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, namespaces ...core.Namespace) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.Namespaces = namespaces
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	err := s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
	})
	require.NoError(t, err)

	v, ok, err := s.Get(core.DefaultNamespace, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestStore_DeleteTombstonesThenGetMiss(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
	}))
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationDelete, Namespace: core.DefaultNamespace, Key: []byte("a")},
	}))

	_, ok, err := s.Get(core.DefaultNamespace, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	tombs, err := s.TombstoneCount(core.DefaultNamespace)
	require.NoError(t, err)
	require.Equal(t, 1, tombs)
}

func TestStore_DeleteRangeTombstonesAllInBounds(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("b"), Value: []byte("2")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("c"), Value: []byte("3")},
	}))
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationDeleteRange, Namespace: core.DefaultNamespace, RangeStart: []byte("a"), RangeEnd: []byte("c")},
	}))

	_, ok, _ := s.Get(core.DefaultNamespace, []byte("a"))
	require.False(t, ok)
	_, ok, _ = s.Get(core.DefaultNamespace, []byte("b"))
	require.False(t, ok)
	v, ok, _ := s.Get(core.DefaultNamespace, []byte("c"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)
}

func TestStore_CompactRangePurgesTombstones(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("b"), Value: []byte("2")},
	}))
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationDelete, Namespace: core.DefaultNamespace, Key: []byte("a")},
	}))

	purged, err := s.CompactRange(core.DefaultNamespace, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	tombs, err := s.TombstoneCount(core.DefaultNamespace)
	require.NoError(t, err)
	require.Equal(t, 0, tombs)

	keys, err := s.KeyCount(core.DefaultNamespace)
	require.NoError(t, err)
	require.Equal(t, 1, keys)
}

func TestStore_FlushAndReopenReplaysLiveKeysOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ns-store")
	opts := DefaultOptions()
	s, err := Open(dir, opts)
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("b"), Value: []byte("2")},
	}))
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationDelete, Namespace: core.DefaultNamespace, Key: []byte("a")},
	}))
	require.NoError(t, s.Flush(true))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, opts)
	require.NoError(t, err)

	_, ok, err := reopened.Get(core.DefaultNamespace, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok, "tombstoned key must not survive a flush/reopen round trip")

	v, ok, err := reopened.Get(core.DefaultNamespace, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestStore_CheckpointIsIndependentlyOpenable(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
	}))

	ckptDir := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, s.Checkpoint(ckptDir))

	ro, err := OpenReadOnly(ckptDir, nil, DefaultOptions())
	require.NoError(t, err)

	v, ok, err := ro.Get(core.DefaultNamespace, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, err = ro.CompactRange(core.DefaultNamespace, nil, nil)
	require.Error(t, err, "read-only stores must reject mutation")
}

func TestStore_MultipleNamespacesAreIsolated(t *testing.T) {
	s := openTestStore(t, core.Namespace("retained"))
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("k"), Value: []byte("default")},
		{Kind: core.MutationPut, Namespace: core.Namespace("retained"), Key: []byte("k"), Value: []byte("retained")},
	}))

	v, _, _ := s.Get(core.DefaultNamespace, []byte("k"))
	require.Equal(t, []byte("default"), v)
	v, _, _ = s.Get(core.Namespace("retained"), []byte("k"))
	require.Equal(t, []byte("retained"), v)

	_, _, err := s.Get(core.Namespace("unknown"), []byte("k"))
	require.Error(t, err)
}

func TestIterator_SeekAndNavigate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("c"), Value: []byte("3")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("e"), Value: []byte("5")},
	}))

	it, err := s.Iterator(core.DefaultNamespace, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Seek([]byte("b")))
	require.Equal(t, []byte("c"), it.Key())

	require.True(t, it.Next())
	require.Equal(t, []byte("e"), it.Key())
	require.False(t, it.Next())
	require.False(t, it.Valid())

	require.True(t, it.SeekForPrev([]byte("d")))
	require.Equal(t, []byte("c"), it.Key())

	require.True(t, it.Prev())
	require.Equal(t, []byte("a"), it.Key())
	require.False(t, it.Prev())
}

func TestIterator_HonorsBounds(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("b"), Value: []byte("2")},
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("c"), Value: []byte("3")},
	}))

	it, err := s.Iterator(core.DefaultNamespace, []byte("b"), []byte("c"))
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.SeekFirst())
	require.Equal(t, []byte("b"), it.Key())
	require.False(t, it.Next())
}
