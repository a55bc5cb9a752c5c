// Package batch implements the Write Batch (C3): an atomic group of
// mutations spanning one or more Key Ranges, committed or aborted as a
// unit, with per-Range write statistics folded in on success.
package batch

import (
	"fmt"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/keyrange"
	"github.com/nxbroker/rangekv/leafstore"
)

// RangeLocator resolves the Key Range that owns a given key or that a
// delete-range mutation's start key falls within. The engine facade
// implements this over its live set of Ranges.
type RangeLocator interface {
	RangeFor(ns core.Namespace, key []byte) (*keyrange.Range, bool)
}

// LeafStore is the subset of leafstore.Store a Write Batch needs: applying
// the final mutation list, and opening an iterator to resolve an open
// delete-range endpoint at commit time.
type LeafStore interface {
	WriteBatch(muts []core.Mutation) error
	Iterator(ns core.Namespace, start, end []byte) (*leafstore.Iterator, error)
}

// pendingRange is a DeleteRange call awaiting endpoint resolution at End().
type pendingRange struct {
	mutIndex int // index into b.mutations
	owner    *keyrange.Range
}

// Batch is one Write Batch: open until End or Abort closes it. Not safe for
// concurrent use by multiple goroutines.
type Batch struct {
	id      core.BatchID
	locator RangeLocator
	store   LeafStore

	mutations []core.Mutation
	touched   map[*keyrange.Range]struct{}
	pending   []pendingRange
	closed    bool
}

// New opens a Write Batch identified by id.
func New(id core.BatchID, locator RangeLocator, store LeafStore) *Batch {
	return &Batch{
		id:      id,
		locator: locator,
		store:   store,
		touched: make(map[*keyrange.Range]struct{}),
	}
}

// ID returns the batch's identifier.
func (b *Batch) ID() core.BatchID { return b.id }

func (b *Batch) touch(r *keyrange.Range) {
	if r != nil {
		b.touched[r] = struct{}{}
	}
}

// Put queues an upsert. The leaf store applies this as a plain overwrite;
// the Key Range still records it as both a put and a tombstone event, since
// an overwrite retires whatever value previously occupied the key exactly as
// a delete-then-put would.
func (b *Batch) Put(ns core.Namespace, key, value []byte) {
	if r, ok := b.locator.RangeFor(ns, key); ok {
		r.RecordPut(b.id)
		b.touch(r)
	}
	b.mutations = append(b.mutations, core.Mutation{
		Kind: core.MutationPut, Namespace: ns, Key: key, Value: value,
	})
}

// Insert queues a put the caller promises is against an absent key.
// Violating that promise (invariant R2) is the caller's bug; this leaf
// store's implementation overwrites rather than rejecting, so it never
// silently corrupts its own counters.
func (b *Batch) Insert(ns core.Namespace, key, value []byte) {
	if r, ok := b.locator.RangeFor(ns, key); ok {
		r.RecordInsert(b.id)
		b.touch(r)
	}
	b.mutations = append(b.mutations, core.Mutation{
		Kind: core.MutationInsert, Namespace: ns, Key: key, Value: value,
	})
}

// Delete queues a tombstone for key.
func (b *Batch) Delete(ns core.Namespace, key []byte) {
	if r, ok := b.locator.RangeFor(ns, key); ok {
		r.RecordDelete(b.id)
		b.touch(r)
	}
	b.mutations = append(b.mutations, core.Mutation{
		Kind: core.MutationDelete, Namespace: ns, Key: key,
	})
}

// DeleteRange queues a tombstone sweep over [start, end). A nil end defers
// resolution to End(), which seeks the owning Range's actual key bounds
// rather than assuming the Range's own declared end. An open-ended call
// defers its owning Range's delete-range count too, until resolvePending
// knows whether it resolves to an actual range or drops as a no-op.
func (b *Batch) DeleteRange(ns core.Namespace, start, end []byte) {
	r, _ := b.locator.RangeFor(ns, start)
	b.touch(r)
	idx := len(b.mutations)
	b.mutations = append(b.mutations, core.Mutation{
		Kind: core.MutationDeleteRange, Namespace: ns, RangeStart: start, RangeEnd: end,
	})
	if end == nil {
		b.pending = append(b.pending, pendingRange{mutIndex: idx, owner: r})
		return
	}
	if r != nil {
		r.RecordDeleteRange(b.id)
	}
}

// successor returns the smallest key strictly greater than k, used to turn
// an inclusive "delete through the last existing key" into this engine's
// half-open range convention.
func successor(k []byte) []byte {
	s := make([]byte, len(k)+1)
	copy(s, k)
	return s
}

// resolvePending fills in any delete-range mutation whose end was left open,
// by seeking the owning Range's actual last key within [start, range.End()).
// A delete-range whose Range holds no key in bounds is dropped entirely
// (becomes a no-op), rather than sent to the leaf store as an empty range,
// and its owning Range's delete-range count is never touched. Only a
// mutation that resolves to an actual, non-empty range folds into its
// owning Range's counter, so only delete-range operations that actually
// reach the leaf store count toward (and fire) that Range's trigger.
func (b *Batch) resolvePending() error {
	if len(b.pending) == 0 {
		return nil
	}
	drop := make(map[int]bool, len(b.pending))
	for _, p := range b.pending {
		m := &b.mutations[p.mutIndex]
		if p.owner == nil {
			drop[p.mutIndex] = true
			continue
		}
		it, err := b.store.Iterator(m.Namespace, m.RangeStart, p.owner.End())
		if err != nil {
			return fmt.Errorf("batch: resolve delete-range endpoint: %w", err)
		}
		if !it.SeekLast() {
			it.Close()
			drop[p.mutIndex] = true
			continue
		}
		m.RangeEnd = successor(it.Key())
		it.Close()
		p.owner.RecordDeleteRange(b.id)
	}
	if len(drop) == 0 {
		return nil
	}
	kept := make([]core.Mutation, 0, len(b.mutations)-len(drop))
	for i, m := range b.mutations {
		if !drop[i] {
			kept = append(kept, m)
		}
	}
	b.mutations = kept
	return nil
}

// End closes the batch. If it recorded no mutations, every touched Range is
// aborted (a no-op, since nothing was touched) and End succeeds trivially.
// Otherwise the resolved mutation list commits to the leaf store; on success
// every touched Range's delta folds into its aggregate counters via
// EndBatch, on failure every touched Range's delta is dropped via AbortBatch
// and the error is returned.
func (b *Batch) End() error {
	if b.closed {
		return fmt.Errorf("batch: already closed")
	}
	b.closed = true

	if len(b.mutations) == 0 {
		for r := range b.touched {
			r.AbortBatch(b.id)
		}
		return nil
	}

	if err := b.resolvePending(); err != nil {
		for r := range b.touched {
			r.AbortBatch(b.id)
		}
		return err
	}

	if err := b.store.WriteBatch(b.mutations); err != nil {
		for r := range b.touched {
			r.AbortBatch(b.id)
		}
		return fmt.Errorf("batch: commit: %w", err)
	}

	for r := range b.touched {
		r.EndBatch(b.id)
	}
	return nil
}

// Abort closes the batch without committing anything; every touched Range's
// delta is dropped.
func (b *Batch) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.touched {
		r.AbortBatch(b.id)
	}
}
