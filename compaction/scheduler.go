// Package compaction implements the Compaction Scheduler (C5): it collects
// range-compaction hints from Key Ranges and latency-aware iterators,
// coalesces overlapping ranges per namespace, and drives them
// through a single background compaction worker.
package compaction

import (
	"context"
	"expvar"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nxbroker/rangekv/core"
)

// CompactFunc performs one synchronous range compaction against the leaf
// store. It is supplied by whatever owns the leaf store adapter (C1).
type CompactFunc func(ctx context.Context, ns core.Namespace, start, end []byte) error

type tripleKey struct {
	ns         core.Namespace
	start, end string
}

type future struct {
	done chan struct{}
	err  error
}

type job struct {
	ns         core.Namespace
	start, end []byte
	fut        *future
}

// Metrics is the subset of the engine's observability surface owned by the
// scheduler: compaction counts, in-flight gauge and duration.
type Metrics struct {
	CompactionCount     *expvar.Int
	CompactionsInFlight *expvar.Int
	CompactionDuration  *expvar.Map
}

func NewMetrics() *Metrics {
	return &Metrics{
		CompactionCount:     new(expvar.Int),
		CompactionsInFlight: new(expvar.Int),
		CompactionDuration:  new(expvar.Map).Init(),
	}
}

// Scheduler implements C5. It holds no user-visible lock: callers only ever
// call SubmitHint (from a Range or a LatencyIterator) or Compact (a manual
// drive, e.g. from a periodic task); everything else happens on the single
// worker goroutine started by Start.
type Scheduler struct {
	logger    *slog.Logger
	compactFn CompactFunc
	metrics   *Metrics

	started atomic.Bool // gates SubmitHint/Compact per the engine's lifecycle

	nsMu sync.Mutex
	ns   map[core.Namespace]*hintMap

	compacting atomic.Bool

	jobs       chan job
	workerWg   sync.WaitGroup
	dispatchWg sync.WaitGroup // in-flight kick() goroutines; Stop waits on this before closing jobs

	pendingMu sync.Mutex
	pending   map[tripleKey]*future
}

// New constructs a Scheduler. compactFn is invoked by the single background
// worker for every coalesced range.
func New(compactFn CompactFunc, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:    logger,
		compactFn: compactFn,
		metrics:   metrics,
		ns:        make(map[core.Namespace]*hintMap),
		jobs:      make(chan job, 256),
		pending:   make(map[tripleKey]*future),
	}
}

// Start begins the single compaction worker goroutine and marks the
// scheduler as accepting hints. Called from the engine's Started transition.
func (s *Scheduler) Start() {
	s.started.Store(true)
	s.workerWg.Add(1)
	go s.runWorker()
}

// Stop stops accepting new hints, waits for any in-flight kick() dispatch
// loop to notice and exit, then drains every queued and in-flight
// compaction job to completion (swallowing their errors) and returns once
// the worker goroutine has exited. Waiting on dispatchWg before closing
// jobs keeps a dispatch pass that is still running from sending on the
// channel after it is closed.
func (s *Scheduler) Stop() {
	s.started.Store(false)
	s.dispatchWg.Wait()
	close(s.jobs)
	s.workerWg.Wait()
}

// SubmitHint implements keyrange.HintSink and the latency iterator's hint
// path. Hints against a not-started scheduler are silently dropped;
// submission itself never fails.
func (s *Scheduler) SubmitHint(ns core.Namespace, start, end []byte) {
	if !s.started.Load() {
		return
	}
	s.hintsFor(ns).submit(start, end)
	s.kick()
}

func (s *Scheduler) hintsFor(ns core.Namespace) *hintMap {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	h, ok := s.ns[ns]
	if !ok {
		h = newHintMap()
		s.ns[ns] = h
	}
	return h
}

func (s *Scheduler) anyPending() bool {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	for _, h := range s.ns {
		if !h.empty() {
			return true
		}
	}
	return false
}

// Compact manually drives a dispatch pass, e.g. from a periodic caller. It
// is a no-op once the scheduler is stopped.
func (s *Scheduler) Compact() {
	if !s.started.Load() {
		return
	}
	s.kick()
}

// kick attempts the idle->running transition and, on success, runs dispatch
// passes until no namespace has pending hints, folded into a loop instead of
// recursively re-kicking itself. Every pass re-checks started, mirroring the
// reference's per-recursion state check, so a backlog still pending at
// shutdown is abandoned rather than dispatched against a scheduler that Stop
// is in the middle of tearing down.
func (s *Scheduler) kick() {
	if !s.compacting.CompareAndSwap(false, true) {
		return // a dispatch pass is already running; it will re-check on exit.
	}
	s.dispatchWg.Add(1)
	go func() {
		defer s.dispatchWg.Done()
		for {
			if !s.started.Load() {
				s.compacting.Store(false)
				return
			}
			s.dispatchOnce()
			if !s.anyPending() {
				s.compacting.Store(false)
				return
			}
			// New hints landed while we were dispatching (or fusing left a
			// remainder because nothing could run); loop within the same
			// running window instead of flipping idle and racing a fresh kick.
		}
	}()
}

// dispatchOnce runs one poll/coalesce/emit pass for every namespace that
// currently has pending hints, and waits for everything emitted in this pass
// before returning.
func (s *Scheduler) dispatchOnce() {
	s.nsMu.Lock()
	snapshot := make(map[core.Namespace]*hintMap, len(s.ns))
	for ns, h := range s.ns {
		snapshot[ns] = h
	}
	s.nsMu.Unlock()

	var wg sync.WaitGroup
	for ns, h := range snapshot {
		entries := h.drainSorted()
		if len(entries) == 0 {
			continue
		}
		for _, r := range coalesce(entries) {
			s.emit(ns, r.start, r.end, &wg)
		}
	}
	wg.Wait()
}

// coalescedRange is one fused interval ready to compact.
type coalescedRange struct {
	start []byte
	end   []byte // nil == unbounded
}

// coalesce fuses overlapping entries within a single sorted snapshot: the
// result's intervals never overlap and their union equals the union of the
// input. Entries that only touch (one's end equals the next's start) stay
// separate.
func coalesce(entries []hintEntry) []coalescedRange {
	if len(entries) == 0 {
		return nil
	}
	result := make([]coalescedRange, 0, len(entries))
	curStart := entries[0].start
	curEnd := entries[0].end

	for i := 1; i < len(entries); i++ {
		next := entries[i]
		if curEnd.unbounded || startCompare(string(next.start), string(curEnd.key)) < 0 {
			curEnd = wider(curEnd, next.end)
			continue
		}
		result = append(result, coalescedRange{start: curStart, end: endOf(curEnd)})
		curStart = next.start
		curEnd = next.end
	}
	result = append(result, coalescedRange{start: curStart, end: endOf(curEnd)})
	return result
}

func endOf(b bound) []byte {
	if b.unbounded {
		return nil
	}
	return b.key
}

// emit enqueues one coalesced range for compaction, deduplicating
// concurrently-requested identical (ns, start, end) triples onto a single
// future.
func (s *Scheduler) emit(ns core.Namespace, start, end []byte, wg *sync.WaitGroup) {
	key := tripleKey{ns: ns, start: string(start), end: string(end)}

	s.pendingMu.Lock()
	if fut, ok := s.pending[key]; ok {
		s.pendingMu.Unlock()
		wg.Add(1)
		go func() { defer wg.Done(); <-fut.done }()
		return
	}
	fut := &future{done: make(chan struct{})}
	s.pending[key] = fut
	s.pendingMu.Unlock()

	wg.Add(1)
	s.jobs <- job{ns: ns, start: start, end: end, fut: fut}
	go func() { defer wg.Done(); <-fut.done }()
}

// runWorker is the single dedicated compaction-executing goroutine: at most
// one compaction runs at a time. It drains the job queue until Stop closes
// it, so Stop's drain waits out any backlog as well as the job currently
// executing.
func (s *Scheduler) runWorker() {
	defer s.workerWg.Done()
	for j := range s.jobs {
		s.runOne(j)
	}
}

func (s *Scheduler) runOne(j job) {
	s.metrics.CompactionsInFlight.Add(1)
	start := time.Now()
	err := s.compactFn(context.Background(), j.ns, j.start, j.end)
	elapsed := time.Since(start)
	s.metrics.CompactionsInFlight.Add(-1)
	s.metrics.CompactionCount.Add(1)
	s.metrics.CompactionDuration.AddFloat(string(j.ns), elapsed.Seconds())

	if err != nil {
		s.logger.Error("compaction failed", "namespace", j.ns, "start", string(j.start), "end", string(j.end), "error", err)
	}

	s.pendingMu.Lock()
	delete(s.pending, tripleKey{ns: j.ns, start: string(j.start), end: string(j.end)})
	s.pendingMu.Unlock()

	j.fut.err = err
	close(j.fut.done)
}
