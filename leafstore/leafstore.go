// Package leafstore implements the Leaf Store Adapter (C1): the namespaced,
// range-aware embedded key/value engine that sits beneath everything else in
// this module. One Store owns one or more nsHandle instances, one per
// namespace, each an independent skiplist memtable backed by its own segment
// file on disk.
package leafstore

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/sys"
)

// lockRetries and lockRetryInterval bound how long Open waits for another
// process's exclusive hold on dataRoot before giving up.
const (
	lockRetries       = 20
	lockRetryInterval = 50 * time.Millisecond
)

// Options configures a Store at Open time.
type Options struct {
	Namespaces    []core.Namespace
	Compression   core.CompressionType
	BloomElements uint64
	BloomFPRate   float64
	ReadOnly      bool
}

// DefaultOptions returns production defaults: no compression, a bloom filter
// sized for a modest namespace, 1% false positive rate.
func DefaultOptions() Options {
	return Options{
		Compression:   core.CompressionNone,
		BloomElements: 100000,
		BloomFPRate:   0.01,
	}
}

// Store is the Leaf Store Adapter: a namespaced, range-aware embedded
// key/value engine. Namespaces are fixed at Open time; Store does not support
// adding a namespace to an already-open instance.
type Store struct {
	dir      string
	opts     Options
	readOnly bool

	mu sync.RWMutex
	ns map[core.Namespace]*nsHandle

	unlock func() error
}

// Open opens (creating if absent) a Store rooted at dir, with one handle per
// namespace in opts.Namespaces plus the mandatory default namespace. A
// writable Store takes an exclusive lock on dir for the lifetime of the
// Store, so a second process (or a second Open call in the same process)
// against the same dataRoot fails fast instead of silently corrupting the
// other's segment files. Read-only Stores, which back checkpoint views, do
// not lock: a checkpoint directory is only ever written once, by
// Store.Checkpoint, before any OpenReadOnly call sees it.
func Open(dir string, opts Options) (*Store, error) {
	if err := sys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("leafstore: mkdir %s: %w", dir, err)
	}

	var unlock func() error
	if !opts.ReadOnly {
		release, err := sys.AcquireFileLock(filepath.Join(dir, ".rangekv"), lockRetries, lockRetryInterval, sys.DefaultLockStaleTTL)
		if err != nil {
			return nil, fmt.Errorf("leafstore: acquire lock on %s: %w", dir, err)
		}
		unlock = release
	}

	compressor, err := GetCompressor(opts.Compression)
	if err != nil {
		if unlock != nil {
			_ = unlock()
		}
		return nil, fmt.Errorf("leafstore: %w", err)
	}

	namespaces := core.OrderNamespaces(opts.Namespaces)
	s := &Store{
		dir:      dir,
		opts:     opts,
		readOnly: opts.ReadOnly,
		ns:       make(map[core.Namespace]*nsHandle, len(namespaces)),
		unlock:   unlock,
	}
	for _, n := range namespaces {
		h, err := newNsHandle(filepath.Join(dir, string(n)), n, compressor, opts.BloomElements, opts.BloomFPRate)
		if err != nil {
			if unlock != nil {
				_ = unlock()
			}
			return nil, fmt.Errorf("leafstore: open namespace %q: %w", n, err)
		}
		s.ns[n] = h
	}
	return s, nil
}

// OpenReadOnly opens a Store over an existing on-disk layout (typically a
// checkpoint directory) without permitting mutation. WriteBatch, Flush and
// CompactRange all fail against a read-only Store.
func OpenReadOnly(dir string, namespaces []core.Namespace, opts Options) (*Store, error) {
	opts.Namespaces = namespaces
	opts.ReadOnly = true
	return Open(dir, opts)
}

func (s *Store) handle(ns core.Namespace) (*nsHandle, error) {
	s.mu.RLock()
	h, ok := s.ns[ns]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("leafstore: unknown namespace %q", ns)
	}
	return h, nil
}

// Get returns the current value for key in ns.
func (s *Store) Get(ns core.Namespace, key []byte) ([]byte, bool, error) {
	h, err := s.handle(ns)
	if err != nil {
		return nil, false, err
	}
	v, ok := h.get(key)
	return v, ok, nil
}

// MayExist is a cheap, possibly false-positive membership probe: it never
// returns false for a key that Get would find, but may return true for an
// absent one.
func (s *Store) MayExist(ns core.Namespace, key []byte) (bool, error) {
	h, err := s.handle(ns)
	if err != nil {
		return false, err
	}
	return h.mayExist(key), nil
}

// WriteBatch atomically applies every mutation in muts against this Store.
// "Atomic" here means the full batch is applied to each namespace's memtable
// before WriteBatch returns; there is no multi-namespace two-phase commit,
// since a namespace handle's own mutex already serializes its mutations.
// Every mutation's namespace and kind are checked before any is applied, so
// a batch rejected for either leaves the store untouched.
func (s *Store) WriteBatch(muts []core.Mutation) error {
	if s.readOnly {
		return fmt.Errorf("leafstore: write batch against read-only store")
	}
	handles := make([]*nsHandle, len(muts))
	for i, m := range muts {
		h, err := s.handle(m.Namespace)
		if err != nil {
			return err
		}
		switch m.Kind {
		case core.MutationPut, core.MutationInsert, core.MutationDelete, core.MutationDeleteRange:
		default:
			return fmt.Errorf("leafstore: unknown mutation kind %d", m.Kind)
		}
		handles[i] = h
	}
	for i, m := range muts {
		h := handles[i]
		switch m.Kind {
		case core.MutationPut, core.MutationInsert:
			h.applyPut(m.Key, m.Value)
		case core.MutationDelete:
			h.applyDelete(m.Key)
		case core.MutationDeleteRange:
			h.applyDeleteRange(m.RangeStart, m.RangeEnd)
		}
	}
	return nil
}

// ApproximateSize estimates the live byte size of [start, end) in ns. A nil
// start and nil end request the whole namespace's tracked size, which is
// maintained incrementally rather than recomputed.
func (s *Store) ApproximateSize(ns core.Namespace, start, end []byte) (int64, error) {
	h, err := s.handle(ns)
	if err != nil {
		return 0, err
	}
	return h.approximateSize(start, end), nil
}

// CompactRange purges tombstoned keys within [start, end) of ns from the
// memtable and rewrites the namespace's segment file to reflect the result.
// Returns the number of tombstones purged.
func (s *Store) CompactRange(ns core.Namespace, start, end []byte) (int, error) {
	if s.readOnly {
		return 0, fmt.Errorf("leafstore: compact against read-only store")
	}
	h, err := s.handle(ns)
	if err != nil {
		return 0, err
	}
	purged := h.compactRange(start, end)
	if err := h.persist(); err != nil {
		return purged, err
	}
	return purged, nil
}

// Flush rewrites every namespace's segment file from its current in-memory
// state. waitForFlush is accepted for interface symmetry with the reference
// engine's async/sync flush modes; this implementation's flush is always
// synchronous, so the flag has no effect beyond documenting intent at the
// call site.
func (s *Store) Flush(waitForFlush bool) error {
	if s.readOnly {
		return fmt.Errorf("leafstore: flush against read-only store")
	}
	s.mu.RLock()
	handles := make([]*nsHandle, 0, len(s.ns))
	for _, h := range s.ns {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	for _, h := range handles {
		if err := h.persist(); err != nil {
			return err
		}
	}
	return nil
}

// FlushWAL is a no-op: this leaf store has no separate write-ahead log, since
// every mutation lands directly in the namespace's in-memory skiplist and
// Flush is what makes it durable. Accepted for interface symmetry with
// engines that do keep one.
func (s *Store) FlushWAL(sync bool) error {
	return nil
}

// Checkpoint writes an immutable, read-only-openable copy of every
// namespace's current state under dir. Each namespace gets its own
// subdirectory, mirroring Store's own on-disk layout, so Checkpoint's output
// can later be passed straight to OpenReadOnly.
func (s *Store) Checkpoint(dir string) error {
	s.mu.RLock()
	handles := make(map[core.Namespace]*nsHandle, len(s.ns))
	for n, h := range s.ns {
		handles[n] = h
	}
	s.mu.RUnlock()

	for n, h := range handles {
		nsDir := filepath.Join(dir, string(n))
		if err := sys.MkdirAll(nsDir, 0o755); err != nil {
			return fmt.Errorf("leafstore: checkpoint mkdir %s: %w", nsDir, err)
		}
		records := h.snapshot(nil, nil)
		encoded, err := encodeSegment(records, h.compressor)
		if err != nil {
			return fmt.Errorf("leafstore: checkpoint encode %q: %w", n, err)
		}
		if err := sys.WriteFile(filepath.Join(nsDir, "segment.dat"), encoded, 0o644); err != nil {
			return fmt.Errorf("leafstore: checkpoint write %q: %w", n, err)
		}
	}
	return nil
}

// Close releases Store's resources. The leaf store keeps no open file
// handles between calls (each persist/load is a full read or write), so the
// only resource to release is a writable Store's exclusive lock on dir.
func (s *Store) Close() error {
	if s.unlock != nil {
		return s.unlock()
	}
	return nil
}

// Namespaces returns the Store's configured namespaces in canonical order
// (default namespace first).
func (s *Store) Namespaces() []core.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Namespace, 0, len(s.ns))
	for n := range s.ns {
		out = append(out, n)
	}
	return core.OrderNamespaces(out)
}

// KeyCount returns the number of live keys in ns, for observability and
// tests.
func (s *Store) KeyCount(ns core.Namespace) (int, error) {
	h, err := s.handle(ns)
	if err != nil {
		return 0, err
	}
	return h.keyCount(), nil
}

// TombstoneCount returns the number of tombstoned keys awaiting compaction
// in ns, for observability and tests.
func (s *Store) TombstoneCount(ns core.Namespace) (int, error) {
	h, err := s.handle(ns)
	if err != nil {
		return 0, err
	}
	return h.tombstoneCount(), nil
}

// Iterator returns a snapshot iterator over [start, end) in ns. See
// leafstore.Iterator for seek/navigation semantics.
func (s *Store) Iterator(ns core.Namespace, start, end []byte) (*Iterator, error) {
	h, err := s.handle(ns)
	if err != nil {
		return nil, err
	}
	return newIterator(h, start, end), nil
}

// ApproximateAdvance returns the key reached by walking n live keys forward
// from start (inclusive) in ns, and whether the namespace holds that many.
// A caller doing approximate keyspace sharding can use this to cut a
// namespace into roughly-equal slices without an exact count.
func (s *Store) ApproximateAdvance(ns core.Namespace, start []byte, n int) ([]byte, bool, error) {
	h, err := s.handle(ns)
	if err != nil {
		return nil, false, err
	}
	k, ok := h.approximateAdvance(start, n)
	return k, ok, nil
}
