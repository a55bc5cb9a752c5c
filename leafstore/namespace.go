package leafstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/INLOpen/skiplist"
	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/filter"
	"github.com/nxbroker/rangekv/sys"
)

const segmentMagic = "RKV1"

// memRecord is the memtable's value type. A tombstoned record keeps its key
// in the skiplist rather than removing it, since only Insert/Seek/Range/Len
// are confirmed against the skiplist this engine builds on; there is no
// assumed delete-by-key operation. CompactRange is what actually drops
// tombstoned records, by rebuilding the memtable from a filtered traversal.
type memRecord struct {
	value     []byte
	tombstone bool
}

// nsHandle is one namespace's live state: an in-memory ordered table backed
// by a skiplist (the authoritative source for Get/iteration), a bloom
// filter over its keys, and the on-disk segment file it is flushed to.
//
// This leaf store has no multi-level LSM structure: each namespace is one
// flushed segment file, rewritten wholesale on flush/checkpoint. Tombstones
// accumulate in the memtable (persist leaves them out of the segment) until a
// range compaction physically purges them; see Store.CompactRange.
type nsHandle struct {
	ns          core.Namespace
	dir         string
	segmentPath string
	compressor  core.Compressor

	mu     sync.RWMutex
	mem    *skiplist.SkipList[string, *memRecord]
	filter *filter.BloomFilter
	size   int64 // approximate live (non-tombstone) byte size
}

func keyCompare(a, b string) int { return strings.Compare(a, b) }

func newNsHandle(dir string, ns core.Namespace, compressor core.Compressor, bloomElements uint64, bloomFPRate float64) (*nsHandle, error) {
	bf, err := filter.NewBloomFilter(bloomElements, bloomFPRate)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: new bloom filter: %w", ns, err)
	}
	h := &nsHandle{
		ns:          ns,
		dir:         dir,
		segmentPath: filepath.Join(dir, "segment.dat"),
		compressor:  compressor,
		mem:         skiplist.NewWithComparator[string, *memRecord](keyCompare),
		filter:      bf,
	}
	if err := sys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("namespace %q: mkdir: %w", ns, err)
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// load replays the namespace's segment file, if any, into the memtable and
// rebuilds the bloom filter over its live keys. Segment files never persist
// tombstones (persist filters them out), so every replayed record is live.
func (h *nsHandle) load() error {
	data, err := sys.ReadFile(h.segmentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("namespace %q: read segment: %w", h.ns, err)
	}
	records, err := decodeSegment(data, h.compressor)
	if err != nil {
		return fmt.Errorf("namespace %q: decode segment: %w", h.ns, err)
	}
	for _, r := range records {
		h.mem.Insert(string(r.key), &memRecord{value: r.value})
		h.filter.Add(r.key)
		h.size += int64(len(r.key) + len(r.value))
	}
	return nil
}

type segmentRecord struct {
	key   []byte
	value []byte
}

// persist rewrites the namespace's segment file from its current live
// (non-tombstone) in-memory state. Uses a write-temp-then-rename sequence so
// a crash mid-write never leaves a half-written segment in place.
func (h *nsHandle) persist() error {
	h.mu.RLock()
	records := make([]segmentRecord, 0, h.mem.Len())
	h.mem.Range(func(key string, rec *memRecord) bool {
		if !rec.tombstone {
			records = append(records, segmentRecord{key: []byte(key), value: rec.value})
		}
		return true
	})
	h.mu.RUnlock()

	encoded, err := encodeSegment(records, h.compressor)
	if err != nil {
		return fmt.Errorf("namespace %q: encode segment: %w", h.ns, err)
	}

	tmpPath := h.segmentPath + ".tmp"
	if err := sys.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return fmt.Errorf("namespace %q: write segment temp: %w", h.ns, err)
	}
	if err := sys.Rename(tmpPath, h.segmentPath); err != nil {
		_ = sys.Remove(tmpPath)
		return fmt.Errorf("namespace %q: rename segment: %w", h.ns, err)
	}
	return nil
}

func encodeSegment(records []segmentRecord, compressor core.Compressor) ([]byte, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)

	countBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(countBuf, uint64(len(records)))
	buf.Write(countBuf[:n])
	for _, r := range records {
		writeLenPrefixed(buf, r.key)
		writeLenPrefixed(buf, r.value)
	}

	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := compressor.CompressTo(compressed, buf.Bytes()); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(segmentMagic)+1+compressed.Len())
	out = append(out, segmentMagic...)
	out = append(out, byte(compressor.Type()))
	out = append(out, compressed.Bytes()...)
	return out, nil
}

func decodeSegment(data []byte, fallbackCompressor core.Compressor) ([]segmentRecord, error) {
	if len(data) < len(segmentMagic)+1 {
		return nil, fmt.Errorf("segment too short")
	}
	if string(data[:len(segmentMagic)]) != segmentMagic {
		return nil, fmt.Errorf("bad segment magic")
	}
	ctype := core.CompressionType(data[len(segmentMagic)])
	compressor, err := GetCompressor(ctype)
	if err != nil {
		compressor = fallbackCompressor
	}
	rc, err := compressor.Decompress(data[len(segmentMagic)+1:])
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	r := &byteReader{b: raw}
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	records := make([]segmentRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		key, err := r.lenPrefixed()
		if err != nil {
			return nil, err
		}
		value, err := r.lenPrefixed()
		if err != nil {
			return nil, err
		}
		records = append(records, segmentRecord{key: key, value: value})
	}
	return records, nil
}

func writeLenPrefixed(buf interface{ Write([]byte) (int, error) }, b []byte) {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

// byteReader is a minimal cursor over an in-memory segment payload.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.b[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("malformed varint at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) lenPrefixed() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.b) {
		return nil, fmt.Errorf("truncated segment payload")
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

// get returns the current value for key, reporting false if key is absent or
// tombstoned.
func (h *nsHandle) get(key []byte) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node, ok := h.mem.Seek(string(key))
	if !ok || node.Key() != string(key) || node.Value().tombstone {
		return nil, false
	}
	return node.Value().value, true
}

// mayExist is a probabilistic membership check: it may return true for a
// tombstoned or never-written key, but never false for a live one.
func (h *nsHandle) mayExist(key []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.filter.Contains(key)
}

// applyPut upserts key -> value, tracking the approximate live-size delta.
func (h *nsHandle) applyPut(key, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.mem.Insert(string(key), &memRecord{value: value})
	h.filter.Add(key)
	if old != nil && !old.Value().tombstone {
		h.size -= int64(len(key) + len(old.Value().value))
	}
	h.size += int64(len(key) + len(value))
}

// applyDelete marks key tombstoned in place. The key's skiplist slot is kept
// so no assumed delete-by-key skiplist operation is needed; CompactRange is
// what eventually drops it.
func (h *nsHandle) applyDelete(key []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	node, ok := h.mem.Seek(string(key))
	if !ok || node.Key() != string(key) || node.Value().tombstone {
		h.mem.Insert(string(key), &memRecord{tombstone: true})
		return
	}
	h.size -= int64(len(key) + len(node.Value().value))
	h.mem.Insert(string(key), &memRecord{tombstone: true})
}

// applyDeleteRange tombstones every live key in [start, end). A nil
// start/end means unbounded on that side.
func (h *nsHandle) applyDeleteRange(start, end []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var toTombstone []string
	h.mem.Range(func(key string, rec *memRecord) bool {
		if start != nil && key < string(start) {
			return true
		}
		if end != nil && key >= string(end) {
			return true
		}
		if !rec.tombstone {
			toTombstone = append(toTombstone, key)
			h.size -= int64(len(key) + len(rec.value))
		}
		return true
	})
	for _, k := range toTombstone {
		h.mem.Insert(k, &memRecord{tombstone: true})
	}
}

// compactRange physically drops tombstoned keys within [start, end) from the
// memtable by rebuilding it from a filtered traversal (the same
// rebuild-via-Range pattern the compaction hint map uses, rather than an
// assumed delete-by-key skiplist operation). Returns the number of
// tombstones purged.
func (h *nsHandle) compactRange(start, end []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh := skiplist.NewWithComparator[string, *memRecord](keyCompare)
	purged := 0
	h.mem.Range(func(key string, rec *memRecord) bool {
		inRange := (start == nil || key >= string(start)) && (end == nil || key < string(end))
		if inRange && rec.tombstone {
			purged++
			return true
		}
		fresh.Insert(key, rec)
		return true
	})
	h.mem = fresh
	return purged
}

// snapshot returns a sorted copy of every live key/value pair within
// [start, end), used both by iterators and by approximate-size estimation.
func (h *nsHandle) snapshot(start, end []byte) []segmentRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []segmentRecord
	h.mem.Range(func(key string, rec *memRecord) bool {
		if start != nil && key < string(start) {
			return true
		}
		if end != nil && key >= string(end) {
			return true
		}
		if !rec.tombstone {
			out = append(out, segmentRecord{key: []byte(key), value: rec.value})
		}
		return true
	})
	return out
}

func (h *nsHandle) approximateSize(start, end []byte) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if start == nil && end == nil {
		return h.size
	}
	var total int64
	h.mem.Range(func(key string, rec *memRecord) bool {
		if start != nil && key < string(start) {
			return true
		}
		if end != nil && key >= string(end) {
			return true
		}
		if !rec.tombstone {
			total += int64(len(key) + len(rec.value))
		}
		return true
	})
	return total
}

// keyCount returns the number of live (non-tombstone) keys.
func (h *nsHandle) keyCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	h.mem.Range(func(_ string, rec *memRecord) bool {
		if !rec.tombstone {
			n++
		}
		return true
	})
	return n
}

// tombstoneCount returns the number of tombstoned keys currently held in the
// memtable, awaiting a compaction pass to purge them.
func (h *nsHandle) tombstoneCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	h.mem.Range(func(_ string, rec *memRecord) bool {
		if rec.tombstone {
			n++
		}
		return true
	})
	return n
}

// approximateAdvance walks n live keys forward from start (inclusive) and
// reports the key landed on, for callers doing approximate keyspace
// sharding without paying for a full range scan plus count.
func (h *nsHandle) approximateAdvance(start []byte, n int) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := 0
	var found []byte
	ok := false
	h.mem.Range(func(key string, rec *memRecord) bool {
		if start != nil && key < string(start) {
			return true
		}
		if rec.tombstone {
			return true
		}
		if idx == n {
			found = []byte(key)
			ok = true
			return false
		}
		idx++
		return true
	})
	return found, ok
}
