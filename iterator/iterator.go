// Package iterator implements the Latency-Aware Iterator (C6): a leaf
// iterator wrapper that times every seek-class call, keeps a short running
// window for immediate hint submission, and a longer-lived t-digest for
// distribution observability.
package iterator

import (
	"fmt"
	"time"

	"github.com/caio/go-tdigest/v4"
	"github.com/nxbroker/rangekv/core"
)

// windowSize is the number of recent seek-class latencies kept for the
// running-average threshold check.
const windowSize = 10

// LatencyThreshold is the smoothed-average seek latency, in nanoseconds,
// above which a compaction hint is submitted for the iterator's declared
// [start, end).
const LatencyThreshold = 10 * time.Millisecond

// HintSink receives the compaction hint emitted on threshold breach. The
// Compaction Scheduler implements this.
type HintSink interface {
	SubmitHint(ns core.Namespace, start, end []byte)
}

// LeafIterator is the subset of leafstore.Iterator this wrapper needs.
// leafstore.Iterator satisfies it structurally.
type LeafIterator interface {
	SeekFirst() bool
	SeekLast() bool
	Seek(target []byte) bool
	SeekForPrev(target []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Refresh()
	Close() error
}

// Iterator is the Latency-Aware Iterator (C6). Not safe for concurrent use
// by multiple goroutines, matching its delegate.
type Iterator struct {
	delegate LeafIterator
	ns       core.Namespace
	start    []byte
	end      []byte
	sink     HintSink

	window [windowSize]int64
	count  int
	total  int64

	digest *tdigest.TDigest
}

// New wraps delegate with latency measurement, submitting hints to sink for
// ns's [start, end) on threshold breach.
func New(delegate LeafIterator, ns core.Namespace, start, end []byte, sink HintSink) (*Iterator, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("iterator: new t-digest: %w", err)
	}
	return &Iterator{
		delegate: delegate,
		ns:       ns,
		start:    start,
		end:      end,
		sink:     sink,
		digest:   td,
	}, nil
}

// measure times fn, folds the latency into the running window and the
// t-digest, and submits a compaction hint if the smoothed average exceeds
// LatencyThreshold.
func (it *Iterator) measure(fn func() bool) bool {
	startedAt := time.Now()
	result := fn()
	latency := time.Since(startedAt)

	idx := it.count % windowSize
	dropped := it.window[idx]
	it.window[idx] = int64(latency)
	it.count++
	it.total += int64(latency) - dropped

	denom := it.count
	if denom > windowSize {
		denom = windowSize
	}
	estimate := it.total / int64(denom)

	_ = it.digest.AddWeighted(float64(latency), 1)

	if estimate > int64(LatencyThreshold) && it.sink != nil {
		it.sink.SubmitHint(it.ns, it.start, it.end)
	}
	return result
}

// SeekFirst positions at the smallest key in range; measured.
func (it *Iterator) SeekFirst() bool { return it.measure(it.delegate.SeekFirst) }

// SeekLast positions at the largest key in range; measured.
func (it *Iterator) SeekLast() bool { return it.measure(it.delegate.SeekLast) }

// Seek positions at the smallest key >= target; measured.
func (it *Iterator) Seek(target []byte) bool {
	return it.measure(func() bool { return it.delegate.Seek(target) })
}

// SeekForPrev positions at the largest key <= target; measured.
func (it *Iterator) SeekForPrev(target []byte) bool {
	return it.measure(func() bool { return it.delegate.SeekForPrev(target) })
}

// Next advances forward; not measured, matching the reference's choice to
// time only the seek-class operations that can trigger an expensive skip
// over tombstoned or out-of-range entries.
func (it *Iterator) Next() bool { return it.delegate.Next() }

// Prev moves backward; not measured, for the same reason as Next.
func (it *Iterator) Prev() bool { return it.delegate.Prev() }

// Valid reports whether the iterator sits on a record.
func (it *Iterator) Valid() bool { return it.delegate.Valid() }

// Key returns the current record's key.
func (it *Iterator) Key() []byte { return it.delegate.Key() }

// Value returns the current record's value.
func (it *Iterator) Value() []byte { return it.delegate.Value() }

// Refresh re-takes the delegate's snapshot; not measured.
func (it *Iterator) Refresh() { it.delegate.Refresh() }

// Close releases the delegate.
func (it *Iterator) Close() error { return it.delegate.Close() }

// LatencyPercentile returns the t-digest's estimate of the qth percentile
// (0-100) of measured seek-class latencies, in nanoseconds. Returns 0 if no
// measurement has been recorded yet.
func (it *Iterator) LatencyPercentile(q float64) float64 {
	if it.digest.Count() == 0 {
		return 0
	}
	return it.digest.Quantile(q / 100.0)
}
