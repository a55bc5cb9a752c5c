package compaction

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nxbroker/rangekv/core"
)

func countingCompactFn(t *testing.T, calls *atomic.Int64) CompactFunc {
	t.Helper()
	return func(ctx context.Context, ns core.Namespace, start, end []byte) error {
		calls.Add(1)
		return nil
	}
}

func TestScheduler_SubmitHintDispatchesACompaction(t *testing.T) {
	var calls atomic.Int64
	s := New(countingCompactFn(t, &calls), nil, slog.Default())
	s.Start()
	defer s.Stop()

	s.SubmitHint(core.DefaultNamespace, []byte("a"), []byte("m"))

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_OverlappingHintsCoalesceIntoOneCompaction(t *testing.T) {
	var calls atomic.Int64
	s := New(countingCompactFn(t, &calls), nil, slog.Default())
	s.Start()
	defer s.Stop()

	s.SubmitHint(core.DefaultNamespace, []byte("a"), []byte("g"))
	s.SubmitHint(core.DefaultNamespace, []byte("f"), []byte("m"))

	require.Eventually(t, func() bool {
		return calls.Load() >= 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), calls.Load())
}

func TestScheduler_SubmitHintAfterStopIsDropped(t *testing.T) {
	var calls atomic.Int64
	s := New(countingCompactFn(t, &calls), nil, slog.Default())
	s.Start()
	s.Stop()

	s.SubmitHint(core.DefaultNamespace, []byte("a"), []byte("m"))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, calls.Load())
}

// TestScheduler_StopDrainsBacklogWithoutPanicking exercises the case where a
// backlog of hints is still pending when Stop runs: Stop must wait for the
// in-flight dispatch loop to notice the scheduler is no longer started and
// exit, rather than close the job channel out from under a dispatch pass
// still sending to it.
func TestScheduler_StopDrainsBacklogWithoutPanicking(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	compactFn := func(ctx context.Context, ns core.Namespace, start, end []byte) error {
		<-release
		calls.Add(1)
		return nil
	}
	s := New(compactFn, nil, slog.Default())
	s.Start()

	for i := 0; i < 20; i++ {
		lo := byte('a' + i)
		s.SubmitHint(core.DefaultNamespace, []byte{lo}, []byte{lo + 1})
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestScheduler_CompactIsANoOpWhenNotStarted(t *testing.T) {
	var calls atomic.Int64
	s := New(countingCompactFn(t, &calls), nil, slog.Default())
	s.Compact()
	time.Sleep(10 * time.Millisecond)
	require.Zero(t, calls.Load())
}
