package checkpointcache

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nxbroker/rangekv/leafstore"
	"github.com/stretchr/testify/require"
)

func openCounterOpener(t *testing.T, opens *atomic.Int64) Opener {
	t.Helper()
	return func(id string) (*leafstore.Store, error) {
		opens.Add(1)
		return leafstore.Open(t.TempDir(), leafstore.DefaultOptions())
	}
}

func TestCache_MissThenHitOpensOnce(t *testing.T) {
	var opens atomic.Int64
	c := New(time.Minute, openCounterOpener(t, &opens))

	s1, err := c.Get("ckpt-1")
	require.NoError(t, err)
	s2, err := c.Get("ckpt-1")
	require.NoError(t, err)

	require.Same(t, s1, s2)
	require.Equal(t, int64(1), opens.Load())
}

func TestCache_DistinctIDsOpenIndependently(t *testing.T) {
	var opens atomic.Int64
	c := New(time.Minute, openCounterOpener(t, &opens))

	_, err := c.Get("ckpt-1")
	require.NoError(t, err)
	_, err = c.Get("ckpt-2")
	require.NoError(t, err)

	require.Equal(t, int64(2), opens.Load())
	require.Equal(t, 2, c.Len())
}

func TestCache_InvalidateRemovesEntry(t *testing.T) {
	var opens atomic.Int64
	c := New(time.Minute, openCounterOpener(t, &opens))

	_, err := c.Get("ckpt-1")
	require.NoError(t, err)
	c.Invalidate("ckpt-1")
	require.Equal(t, 0, c.Len())

	_, err = c.Get("ckpt-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), opens.Load())
}

func TestCache_InvalidateAllClearsEverything(t *testing.T) {
	var opens atomic.Int64
	c := New(time.Minute, openCounterOpener(t, &opens))

	for i := 0; i < 3; i++ {
		_, err := c.Get(fmt.Sprintf("ckpt-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())

	c.InvalidateAll()
	require.Equal(t, 0, c.Len())
}

func TestCache_OpenerErrorPropagates(t *testing.T) {
	c := New(time.Minute, func(id string) (*leafstore.Store, error) {
		return nil, fmt.Errorf("boom")
	})

	_, err := c.Get("ckpt-1")
	require.Error(t, err)
	require.Equal(t, 0, c.Len())
}

func TestCache_StopInvalidatesEverythingAndStopsSweep(t *testing.T) {
	var opens atomic.Int64
	c := New(time.Minute, openCounterOpener(t, &opens))
	c.Start()

	_, err := c.Get("ckpt-1")
	require.NoError(t, err)

	c.Stop()
	require.Equal(t, 0, c.Len())
}
