package compaction

import (
	"strings"

	"github.com/INLOpen/skiplist"
)

// bound is an explicit unbounded marker for a hint's end, resolving the
// sentinel collision between "no key" and "no bound": only hint map *keys*
// (starts) use the empty string to mean "no lower bound"; the *value* half
// of the pair is always this explicit struct.
type bound struct {
	key       []byte
	unbounded bool
}

func boundOf(end []byte) bound {
	if end == nil {
		return bound{unbounded: true}
	}
	return bound{key: end}
}

// narrower returns the tighter of two bounds: unbounded beats any concrete
// key, and otherwise the smaller key wins.
func narrower(a, b bound) bound {
	if a.unbounded || b.unbounded {
		return bound{unbounded: true}
	}
	if strings.Compare(string(a.key), string(b.key)) <= 0 {
		return a
	}
	return b
}

// wider returns the loosest of two bounds, used when fusing overlapping
// hints during coalescing.
func wider(a, b bound) bound {
	if a.unbounded || b.unbounded {
		return bound{unbounded: true}
	}
	if strings.Compare(string(a.key), string(b.key)) >= 0 {
		return a
	}
	return b
}

func startCompare(a, b string) int { return strings.Compare(a, b) }

// hintEntry pairs a resolved start key (empty string == unbounded below)
// with its end bound, produced when draining a namespace's hint map.
type hintEntry struct {
	start []byte // nil/empty == unbounded below
	end   bound
}

// hintMap is the per-namespace ordered map of pending compaction hints,
// keyed by start and kept in lexicographic order by a skiplist so the
// coalescing pass can walk entries in ascending order without an extra sort.
type hintMap struct {
	list *skiplist.SkipList[string, bound]
}

func newHintMap() *hintMap {
	return &hintMap{list: skiplist.NewWithComparator[string, bound](startCompare)}
}

// submit narrows the bound if an entry already exists at this exact start,
// otherwise inserts fresh.
func (h *hintMap) submit(start []byte, end []byte) {
	key := string(start)
	newEnd := boundOf(end)

	if node, ok := h.list.Seek(key); ok && node.Key() == key {
		h.list.Insert(key, narrower(node.Value(), newEnd))
		return
	}
	h.list.Insert(key, newEnd)
}

// drainSorted removes every entry from the map and returns them in
// ascending start order, leaving the map empty for new submissions.
func (h *hintMap) drainSorted() []hintEntry {
	entries := make([]hintEntry, 0, h.list.Len())
	it := h.list.NewIterator()
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		var startBytes []byte
		if k != "" {
			startBytes = []byte(k)
		}
		entries = append(entries, hintEntry{start: startBytes, end: it.Value()})
	}
	h.list = skiplist.NewWithComparator[string, bound](startCompare)
	return entries
}

func (h *hintMap) empty() bool {
	return h.list.Len() == 0
}
