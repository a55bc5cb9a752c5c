package leafstore

import (
	"sort"
)

// Iterator is the Latency-Aware Iterator's underlying leaf cursor (C1's half
// of C6): a point-in-time snapshot over [start, end) in one namespace, taken
// at construction and re-taken only by Refresh. Between refreshes, scans do
// not observe concurrent writes. Not safe for concurrent use by multiple
// goroutines.
type Iterator struct {
	h       *nsHandle
	records []segmentRecord
	start   []byte
	end     []byte
	pos     int // index of the current record, or len(records)/-1 when invalid
	valid   bool
}

func newIterator(h *nsHandle, start, end []byte) *Iterator {
	return &Iterator{
		h:       h,
		records: h.snapshot(start, end),
		start:   start,
		end:     end,
		pos:     -1,
	}
}

// Refresh re-takes the snapshot over the iterator's declared [start, end),
// preserving the current key's position if it still exists in the refreshed
// view, otherwise invalidating the iterator.
func (it *Iterator) Refresh() {
	var currentKey []byte
	if it.Valid() {
		currentKey = append([]byte{}, it.Key()...)
	}
	it.records = it.h.snapshot(it.start, it.end)
	if currentKey == nil {
		it.valid = false
		it.pos = -1
		return
	}
	it.Seek(currentKey)
}

// SeekFirst positions the iterator at the smallest key in range.
func (it *Iterator) SeekFirst() bool {
	if len(it.records) == 0 {
		it.valid = false
		return false
	}
	it.pos = 0
	it.valid = true
	return true
}

// SeekLast positions the iterator at the largest key in range.
func (it *Iterator) SeekLast() bool {
	if len(it.records) == 0 {
		it.valid = false
		return false
	}
	it.pos = len(it.records) - 1
	it.valid = true
	return true
}

// Seek positions the iterator at the smallest key >= target, or invalidates
// it if none exists.
func (it *Iterator) Seek(target []byte) bool {
	idx := sort.Search(len(it.records), func(i int) bool {
		return string(it.records[i].key) >= string(target)
	})
	if idx >= len(it.records) {
		it.valid = false
		return false
	}
	it.pos = idx
	it.valid = true
	return true
}

// SeekForPrev positions the iterator at the largest key <= target, or
// invalidates it if none exists.
func (it *Iterator) SeekForPrev(target []byte) bool {
	idx := sort.Search(len(it.records), func(i int) bool {
		return string(it.records[i].key) > string(target)
	})
	idx--
	if idx < 0 {
		it.valid = false
		return false
	}
	it.pos = idx
	it.valid = true
	return true
}

// Next advances to the next key, in ascending order. Returns false once
// past the last record.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.pos++
	if it.pos >= len(it.records) {
		it.valid = false
		return false
	}
	return true
}

// Prev moves to the previous key, in ascending order. Returns false once
// before the first record.
func (it *Iterator) Prev() bool {
	if !it.valid {
		return false
	}
	it.pos--
	if it.pos < 0 {
		it.valid = false
		return false
	}
	return true
}

// Valid reports whether the iterator currently sits on a record.
func (it *Iterator) Valid() bool {
	return it.valid && it.pos >= 0 && it.pos < len(it.records)
}

// Key returns the current record's key. Call it only while Valid(): it
// indexes the snapshot directly, so an out-of-range position panics.
func (it *Iterator) Key() []byte {
	return it.records[it.pos].key
}

// Value returns the current record's value.
func (it *Iterator) Value() []byte {
	return it.records[it.pos].value
}

// Len returns the number of records in the snapshot, regardless of cursor
// position. Used by approximate-size estimation shortcuts.
func (it *Iterator) Len() int {
	return len(it.records)
}

// Close releases the iterator. The snapshot holds no external resources
// (locks, file handles), so Close is a no-op kept for lifecycle symmetry
// with callers that defer it unconditionally.
func (it *Iterator) Close() error {
	it.valid = false
	return nil
}
