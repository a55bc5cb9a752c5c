package iterator

import (
	"testing"
	"time"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/leafstore"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	calls []struct {
		ns         core.Namespace
		start, end []byte
	}
}

func (s *recordingSink) SubmitHint(ns core.Namespace, start, end []byte) {
	s.calls = append(s.calls, struct {
		ns         core.Namespace
		start, end []byte
	}{ns, start, end})
}

// slowLeafIterator wraps a real leafstore.Iterator but sleeps inside seek
// calls to exceed LatencyThreshold, simulating a degraded leaf store.
type slowLeafIterator struct {
	*leafstore.Iterator
	sleep time.Duration
}

func (s *slowLeafIterator) SeekFirst() bool {
	time.Sleep(s.sleep)
	return s.Iterator.SeekFirst()
}

func (s *slowLeafIterator) Seek(target []byte) bool {
	time.Sleep(s.sleep)
	return s.Iterator.Seek(target)
}

func openTestLeafIterator(t *testing.T) *leafstore.Iterator {
	t.Helper()
	s, err := leafstore.Open(t.TempDir(), leafstore.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch([]core.Mutation{
		{Kind: core.MutationPut, Namespace: core.DefaultNamespace, Key: []byte("a"), Value: []byte("1")},
	}))
	it, err := s.Iterator(core.DefaultNamespace, nil, nil)
	require.NoError(t, err)
	return it
}

func TestIterator_DelegatesNavigation(t *testing.T) {
	leaf := openTestLeafIterator(t)
	sink := &recordingSink{}
	it, err := New(leaf, core.DefaultNamespace, nil, nil, sink)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.SeekFirst())
	require.Equal(t, []byte("a"), it.Key())
	require.Equal(t, []byte("1"), it.Value())
	require.False(t, it.Next())
}

func TestIterator_FastSeeksNeverSubmitHint(t *testing.T) {
	leaf := openTestLeafIterator(t)
	sink := &recordingSink{}
	it, err := New(leaf, core.DefaultNamespace, []byte("a"), []byte("z"), sink)
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < windowSize*2; i++ {
		it.SeekFirst()
	}
	require.Empty(t, sink.calls)
}

func TestIterator_SustainedSlowSeeksSubmitHint(t *testing.T) {
	leaf := openTestLeafIterator(t)
	slow := &slowLeafIterator{Iterator: leaf, sleep: 15 * time.Millisecond}
	sink := &recordingSink{}
	it, err := New(slow, core.DefaultNamespace, []byte("a"), []byte("z"), sink)
	require.NoError(t, err)
	defer it.Close()

	for i := 0; i < windowSize; i++ {
		it.SeekFirst()
	}
	require.NotEmpty(t, sink.calls)
	require.Equal(t, core.DefaultNamespace, sink.calls[0].ns)
	require.Equal(t, []byte("a"), sink.calls[0].start)
	require.Equal(t, []byte("z"), sink.calls[0].end)
}

func TestIterator_LatencyPercentileTracksMeasurements(t *testing.T) {
	leaf := openTestLeafIterator(t)
	it, err := New(leaf, core.DefaultNamespace, nil, nil, nil)
	require.NoError(t, err)
	defer it.Close()

	require.Equal(t, float64(0), it.LatencyPercentile(50))
	it.SeekFirst()
	require.GreaterOrEqual(t, it.LatencyPercentile(50), float64(0))
}
