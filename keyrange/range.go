// Package keyrange implements the Key Range (C2): a logical half-open
// [start, end) cursor within a namespace that accumulates write statistics
// across in-flight batches and decides when to arm a compaction hint.
package keyrange

import (
	"sync"
	"sync/atomic"

	"github.com/nxbroker/rangekv/core"
)

// ID identifies one Key Range for the lifetime of the engine that created it.
type ID uint64

// HintSink receives compaction hints emitted when a Range's tombstone or
// delete-range activity crosses the configured thresholds. The Compaction
// Scheduler implements this.
type HintSink interface {
	SubmitHint(ns core.Namespace, start, end []byte)
}

// Triggers configures the tombstone-ratio compaction trigger.
type Triggers struct {
	MinTombstoneKeys int64
	TombstonePercent float64
}

// DefaultTriggers returns the documented production defaults.
func DefaultTriggers() Triggers {
	return Triggers{MinTombstoneKeys: 200000, TombstonePercent: 0.3}
}

// delta accumulates one in-flight batch's contribution to a Range, using
// atomics so concurrent Record* calls from the same batch never race.
type delta struct {
	put  atomic.Int64
	tomb atomic.Int64
	rng  atomic.Int64
}

// Range is a Key Range (C2): a logical cursor over [start, end) in one
// namespace, tracking committed statistics and in-flight batch deltas.
type Range struct {
	id        ID
	namespace core.Namespace
	start     []byte // nil == unbounded below
	end       []byte // nil == unbounded above

	keyCount         atomic.Int64
	tombstoneCount   atomic.Int64
	deleteRangeCount atomic.Int64

	mu       sync.Mutex
	inflight map[core.BatchID]*delta

	triggers Triggers
	sink     HintSink
}

// NewRange constructs a Range over [start, end) in namespace ns. end == nil
// means unbounded above.
func NewRange(id ID, ns core.Namespace, start, end []byte, triggers Triggers, sink HintSink) *Range {
	return &Range{
		id:        id,
		namespace: ns,
		start:     start,
		end:       end,
		inflight:  make(map[core.BatchID]*delta),
		triggers:  triggers,
		sink:      sink,
	}
}

func (r *Range) ID() ID                  { return r.id }
func (r *Range) Namespace() core.Namespace { return r.namespace }
func (r *Range) Start() []byte           { return r.start }
func (r *Range) End() []byte             { return r.end }

// Counters returns the current committed aggregate counters. Exposed for
// tests and observability; not part of the public engine surface.
func (r *Range) Counters() (keyCount, tombstoneCount, deleteRangeCount int64) {
	return r.keyCount.Load(), r.tombstoneCount.Load(), r.deleteRangeCount.Load()
}

func (r *Range) deltaFor(batchID core.BatchID) *delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.inflight[batchID]
	if !ok {
		d = &delta{}
		r.inflight[batchID] = d
	}
	return d
}

// RecordPut increments the batch's put-delta. Put also counts toward
// tombstoneCount on commit, since it rewrites/single-deletes the key at the
// leaf store.
func (r *Range) RecordPut(batchID core.BatchID) {
	d := r.deltaFor(batchID)
	d.put.Add(1)
	d.tomb.Add(1)
}

// RecordInsert increments the batch's put-delta only; an Insert promises the
// key is absent, so it contributes no tombstone.
func (r *Range) RecordInsert(batchID core.BatchID) {
	r.deltaFor(batchID).put.Add(1)
}

// RecordDelete increments the batch's tombstone-delta.
func (r *Range) RecordDelete(batchID core.BatchID) {
	r.deltaFor(batchID).tomb.Add(1)
}

// RecordDeleteRange increments the batch's delete-range-delta.
func (r *Range) RecordDeleteRange(batchID core.BatchID) {
	r.deltaFor(batchID).rng.Add(1)
}

// EndBatch folds batchID's delta into the aggregate counters and evaluates
// the compaction trigger. Folding a batch id with no recorded mutations is a
// harmless no-op.
func (r *Range) EndBatch(batchID core.BatchID) {
	r.mu.Lock()
	d, ok := r.inflight[batchID]
	if ok {
		delete(r.inflight, batchID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.keyCount.Add(d.put.Load())
	r.tombstoneCount.Add(d.tomb.Load())
	r.deleteRangeCount.Add(d.rng.Load())

	r.evaluateTrigger()
}

// AbortBatch drops batchID's delta without folding it into the aggregates.
func (r *Range) AbortBatch(batchID core.BatchID) {
	r.mu.Lock()
	delete(r.inflight, batchID)
	r.mu.Unlock()
}

// evaluateTrigger fires if any delete-range has landed in this Range's
// history, or if the tombstone count both exceeds the absolute floor and the
// tombstone ratio crosses the configured threshold. On fire, the three
// counters reset to zero so a subsequent trigger requires fresh batches to
// accrue.
func (r *Range) evaluateTrigger() {
	t := r.tombstoneCount.Load()
	k := r.keyCount.Load()
	rc := r.deleteRangeCount.Load()

	fire := rc > 0
	if !fire && t > r.triggers.MinTombstoneKeys {
		ratio := float64(t) / float64(t+k)
		fire = ratio >= r.triggers.TombstonePercent
	}
	if !fire {
		return
	}

	r.keyCount.Store(0)
	r.tombstoneCount.Store(0)
	r.deleteRangeCount.Store(0)

	if r.sink != nil {
		r.sink.SubmitHint(r.namespace, r.start, r.end)
	}
}
