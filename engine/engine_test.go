package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nxbroker/rangekv/core"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.DataRoot == "" {
		opts.DataRoot = t.TempDir()
	}
	if opts.CheckpointRoot == "" {
		opts.CheckpointRoot = t.TempDir()
	}
	if len(opts.Namespaces) == 0 {
		opts.Namespaces = []core.Namespace{"default"}
	}
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start("test"))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

// S1: a value put in a batch is visible via Get once the batch ends.
func TestEngine_PutThenGet(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")

	id, err := e.StartBatch()
	require.NoError(t, err)
	require.NoError(t, e.Put(id, ns, []byte("a"), []byte("1")))
	require.NoError(t, e.EndBatch(id))

	v, ok, err := e.Get(ns, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

// S2: a checkpoint freezes a point-in-time view; later writes are invisible
// to it, and reads against the live store still see them.
func TestEngine_CheckpointIsolatesLaterWrites(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")

	require.NoError(t, e.DoPut(ns, []byte("a"), []byte("before")))
	require.NoError(t, e.Checkpoint("cp1"))
	require.NoError(t, e.DoPut(ns, []byte("a"), []byte("after")))

	v, ok, err := e.CheckpointGet("cp1", ns, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("before"), v)

	v, ok, err = e.Get(ns, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("after"), v)
}

func TestEngine_CheckpointGetMissingCheckpoint(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := e.CheckpointGet("nope", core.Namespace("default"), []byte("a"))
	require.Error(t, err)
}

// S3: a Key Range's delete-heavy traffic crosses the tombstone trigger and
// reaches the compaction scheduler without the caller invoking compaction
// directly.
func TestEngine_KeyRangeTriggersCompactionHint(t *testing.T) {
	e := newTestEngine(t, Options{
		CompactMinTombstoneKeys: 3,
		CompactTombstonePercent: 0,
	})
	ns := core.Namespace("default")
	rng, err := e.NewKeyRange(ns, nil, nil)
	require.NoError(t, err)

	id, err := e.StartBatch()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Put(id, ns, key, []byte("v")))
	}
	require.NoError(t, e.EndBatch(id))

	id2, err := e.StartBatch()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Delete(id2, ns, key))
	}
	require.NoError(t, e.EndBatch(id2))

	require.Eventually(t, func() bool {
		_, tombstoneCount, _ := rng.Counters()
		return tombstoneCount == 0
	}, time.Second, 5*time.Millisecond, "expected the range's tombstone counter to reset once a hint fires")
}

// S6: Stop drains background services and closes the leaf store; a second
// Start is refused and calls against a stopped engine report NotStarted.
func TestEngine_StopDrainsAndRefusesRestart(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")
	require.NoError(t, e.DoPut(ns, []byte("a"), []byte("1")))

	require.NoError(t, e.Stop())
	require.Equal(t, StateStopped, e.State())

	require.ErrorIs(t, e.Start(), ErrAlreadyStarted)

	_, _, err := e.Get(ns, []byte("a"))
	require.Error(t, err)
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
}

// A second engine started against a dataRoot that another live engine still
// holds must fail fast rather than open a second set of segment handles
// onto the same files.
func TestEngine_SecondStartAgainstSameDataRootFails(t *testing.T) {
	dataRoot := t.TempDir()
	checkpointRoot := t.TempDir()
	e1 := newTestEngine(t, Options{DataRoot: dataRoot, CheckpointRoot: checkpointRoot})

	e2, err := New(Options{DataRoot: dataRoot, CheckpointRoot: t.TempDir(), Namespaces: []core.Namespace{"default"}})
	require.NoError(t, err)
	require.Error(t, e2.Start())

	require.NoError(t, e1.Stop())

	e3, err := New(Options{DataRoot: dataRoot, CheckpointRoot: t.TempDir(), Namespaces: []core.Namespace{"default"}})
	require.NoError(t, err)
	require.NoError(t, e3.Start())
	require.NoError(t, e3.Stop())
}

func TestEngine_IdentityIsStableAcrossRestartsOfTheSameDataRoot(t *testing.T) {
	dataRoot := t.TempDir()
	checkpointRoot := t.TempDir()

	e1 := newTestEngine(t, Options{DataRoot: dataRoot, CheckpointRoot: checkpointRoot})
	id1, err := e1.ID()
	require.NoError(t, err)
	require.NoError(t, e1.Stop())

	e2, err := New(Options{DataRoot: dataRoot, CheckpointRoot: checkpointRoot, Namespaces: []core.Namespace{"default"}})
	require.NoError(t, err)
	require.NoError(t, e2.Start())
	defer e2.Stop()

	id2, err := e2.ID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestEngine_OverrideIdentityTakesPrecedence(t *testing.T) {
	dataRoot := t.TempDir()
	e := newTestEngine(t, Options{DataRoot: dataRoot, OverrideIdentity: "fixed-identity"})
	id, err := e.ID()
	require.NoError(t, err)
	require.Equal(t, "fixed-identity", id)
}

func TestEngine_AbortBatchDiscardsMutations(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")

	id, err := e.StartBatch()
	require.NoError(t, err)
	require.NoError(t, e.Put(id, ns, []byte("a"), []byte("1")))
	require.NoError(t, e.AbortBatch(id))

	_, ok, err := e.Get(ns, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngine_GCOnceRemovesUnreferencedCheckpoint(t *testing.T) {
	e := newTestEngine(t, Options{
		GCIntervalSec:   1,
		CheckpointCheck: func(string) bool { return false },
	})
	require.NoError(t, e.Checkpoint("cp1"))

	has, err := e.HasCheckpoint("cp1")
	require.NoError(t, err)
	require.True(t, has)

	time.Sleep(600 * time.Millisecond)
	e.gcOnce()

	has, err = e.HasCheckpoint("cp1")
	require.NoError(t, err)
	require.False(t, has)
}

func TestEngine_GCKeepsCheckpointsTheCallerStillReferences(t *testing.T) {
	e := newTestEngine(t, Options{
		GCIntervalSec:   1,
		CheckpointCheck: func(string) bool { return true },
	})
	require.NoError(t, e.Checkpoint("cp1"))

	time.Sleep(600 * time.Millisecond)
	e.gcOnce()

	has, err := e.HasCheckpoint("cp1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestEngine_RangeForFindsContainingRange(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")
	_, err := e.NewKeyRange(ns, []byte("a"), []byte("m"))
	require.NoError(t, err)

	_, ok := e.RangeFor(ns, []byte("b"))
	require.True(t, ok)

	_, ok = e.RangeFor(ns, []byte("z"))
	require.False(t, ok)
}

func TestEngine_IteratorScansInsertedKeys(t *testing.T) {
	e := newTestEngine(t, Options{})
	ns := core.Namespace("default")
	id, err := e.StartBatch()
	require.NoError(t, err)
	require.NoError(t, e.Put(id, ns, []byte("a"), []byte("1")))
	require.NoError(t, e.Put(id, ns, []byte("b"), []byte("2")))
	require.NoError(t, e.EndBatch(id))

	it, err := e.Iterator(ns, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.SeekFirst())
	require.Equal(t, []byte("a"), it.Key())
	require.True(t, it.Next())
	require.Equal(t, []byte("b"), it.Key())
	require.False(t, it.Next())
}
