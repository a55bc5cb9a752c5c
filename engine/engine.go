// Package engine implements the Engine Facade (C7): lifecycle, identity
// persistence, checkpoint garbage collection, batch id allocation and the
// public API surface the rest of the module is wired behind.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nxbroker/rangekv/batch"
	"github.com/nxbroker/rangekv/checkpointcache"
	"github.com/nxbroker/rangekv/compaction"
	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/iterator"
	"github.com/nxbroker/rangekv/keyrange"
	"github.com/nxbroker/rangekv/leafstore"
	"github.com/nxbroker/rangekv/sys"
)

// State is the engine's lifecycle state. Transitions are monotonic:
// Init -> Started -> Stopping -> Stopped. A stopped engine never restarts.
type State int32

const (
	StateInit State = iota
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted reports a second Start call on an engine that is
	// already Started, Stopping or Stopped.
	ErrAlreadyStarted = errors.New("engine: already started")
)

// CheckpointCheck decides, during garbage collection, whether a checkpoint
// id is still referenced by the caller and must be kept regardless of age.
type CheckpointCheck func(checkpointID string) bool

// Options configures an Engine at construction time.
type Options struct {
	DataRoot       string
	CheckpointRoot string
	Namespaces     []core.Namespace

	// OverrideIdentity, if non-empty, is written to OVERRIDEIDENTITY on
	// first creation of DataRoot and preferred over the native identity on
	// every subsequent load.
	OverrideIdentity string

	DisableWAL bool

	GCIntervalSec           int
	CompactMinTombstoneKeys int64
	CompactTombstonePercent float64

	Compression   core.CompressionType
	BloomElements uint64
	BloomFPRate   float64

	CheckpointTTL time.Duration

	// CheckpointCheck decides which checkpoints survive a GC pass. A nil
	// predicate is replaced by one that keeps every checkpoint, so GC then
	// deletes nothing.
	CheckpointCheck CheckpointCheck

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.GCIntervalSec <= 0 {
		o.GCIntervalSec = 300
	}
	if o.CompactMinTombstoneKeys <= 0 {
		o.CompactMinTombstoneKeys = 200000
	}
	if o.CompactTombstonePercent <= 0 {
		o.CompactTombstonePercent = 0.3
	}
	if o.BloomElements == 0 {
		o.BloomElements = 100000
	}
	if o.BloomFPRate <= 0 {
		o.BloomFPRate = 0.01
	}
	if o.CheckpointTTL <= 0 {
		o.CheckpointTTL = checkpointcache.DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
	if o.CheckpointCheck == nil {
		o.CheckpointCheck = func(string) bool { return true }
	}
}

// Engine is the Engine Facade (C7).
type Engine struct {
	opts Options

	state    atomic.Int32
	identity string

	leaf       *leafstore.Store
	namespaces []core.Namespace

	rangesMu sync.RWMutex
	ranges   map[keyrange.ID]*keyrange.Range
	rangeSeq atomic.Uint64

	batchesMu sync.Mutex
	batches   map[core.BatchID]*batch.Batch
	batchSeq  atomic.Uint64

	scheduler *compaction.Scheduler
	cpCache   *checkpointcache.Cache
	metrics   *Metrics

	gcStop chan struct{}
	gcWg   sync.WaitGroup

	logger *slog.Logger
	tracer trace.Tracer
}

// New constructs an Engine in the Init state. It performs no I/O; Start
// does the actual directory creation, identity load and background service
// startup.
func New(opts Options) (*Engine, error) {
	if opts.DataRoot == "" {
		return nil, fmt.Errorf("engine: DataRoot must be set")
	}
	if opts.CheckpointRoot == "" {
		return nil, fmt.Errorf("engine: CheckpointRoot must be set")
	}
	opts.setDefaults()
	e := &Engine{
		opts:       opts,
		namespaces: core.OrderNamespaces(opts.Namespaces),
		ranges:     make(map[keyrange.ID]*keyrange.Range),
		batches:    make(map[core.BatchID]*batch.Batch),
		logger:     opts.Logger.With("component", "engine"),
	}
	return e, nil
}

// Start opens the leaf store, loads (or creates) the engine identity, and
// starts the compaction scheduler, checkpoint cache and checkpoint GC loop.
// metricTags are threaded into every registered gauge/timer name and
// deregistered again, verbatim, on Stop.
func (e *Engine) Start(metricTags ...string) error {
	if !e.state.CompareAndSwap(int32(StateInit), int32(StateStarted)) {
		return ErrAlreadyStarted
	}

	e.tracer = e.opts.TracerProvider.Tracer("github.com/nxbroker/rangekv/engine")
	_, span := e.tracer.Start(context.Background(), "Engine.Start")
	defer span.End()

	if err := sys.MkdirAll(e.opts.DataRoot, 0o755); err != nil {
		return core.IOFailure("mkdir data root", err)
	}
	if err := sys.MkdirAll(e.opts.CheckpointRoot, 0o755); err != nil {
		return core.IOFailure("mkdir checkpoint root", err)
	}

	identity, err := loadIdentity(e.opts.DataRoot, e.opts.OverrideIdentity)
	if err != nil {
		return err
	}
	e.identity = identity

	leaf, err := leafstore.Open(e.opts.DataRoot, leafstore.Options{
		Namespaces:    e.namespaces,
		Compression:   e.opts.Compression,
		BloomElements: e.opts.BloomElements,
		BloomFPRate:   e.opts.BloomFPRate,
	})
	if err != nil {
		return core.Failure("open", err)
	}
	e.leaf = leaf

	e.metrics = newMetrics(metricTags, e.opts.DataRoot, e.opts.CheckpointRoot, e.logger)
	e.metrics.Start()

	e.scheduler = compaction.New(e.compactRange, compaction.NewMetrics(), e.opts.Logger.With("component", "scheduler"))
	e.scheduler.Start()

	e.cpCache = checkpointcache.New(e.opts.CheckpointTTL, e.openCheckpoint)
	e.cpCache.Start()

	e.gcStop = make(chan struct{})
	e.gcWg.Add(1)
	go e.gcLoop()

	e.logger.Info("engine started", "identity", identity, "data_root", e.opts.DataRoot, "namespaces", e.namespaces)
	span.SetAttributes(attribute.String("engine.identity", identity))
	return nil
}

// Stop drains and shuts down every background service in strict order:
// metric collection stopped, opened checkpoints invalidated, pending
// compactions joined, leaf store closed. It is idempotent past the first
// call and never permits a subsequent Start.
func (e *Engine) Stop() error {
	if !e.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) {
		return nil
	}

	_, span := e.tracer.Start(context.Background(), "Engine.Stop")
	defer span.End()

	if e.gcStop != nil {
		close(e.gcStop)
		e.gcWg.Wait()
	}
	if e.metrics != nil {
		e.metrics.Stop()
	}
	if e.cpCache != nil {
		e.cpCache.Stop()
	}
	if e.scheduler != nil {
		e.scheduler.Stop()
	}

	var closeErr error
	if e.leaf != nil {
		closeErr = e.leaf.Close()
	}

	e.state.Store(int32(StateStopped))
	e.logger.Info("engine stopped")
	return closeErr
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) checkStarted() error {
	if e.State() != StateStarted {
		return core.NotStarted("engine is not started")
	}
	return nil
}

// ID returns the engine's stable on-disk identity.
func (e *Engine) ID() (string, error) {
	if err := e.checkStarted(); err != nil {
		return "", err
	}
	return e.identity, nil
}

// NewKeyRange registers a new Key Range over [start, end) in ns, wired to
// this engine's compaction scheduler as its hint sink. end == nil means
// unbounded above.
func (e *Engine) NewKeyRange(ns core.Namespace, start, end []byte) (*keyrange.Range, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	id := keyrange.ID(e.rangeSeq.Add(1))
	triggers := keyrange.Triggers{
		MinTombstoneKeys: e.opts.CompactMinTombstoneKeys,
		TombstonePercent: e.opts.CompactTombstonePercent,
	}
	r := keyrange.NewRange(id, ns, start, end, triggers, e.scheduler)
	e.rangesMu.Lock()
	e.ranges[id] = r
	e.rangesMu.Unlock()
	return r, nil
}

// RangeFor implements batch.RangeLocator: it returns the first registered
// Key Range in ns whose [start, end) contains key. Overlapping Ranges are
// permitted by the data model; when more than one contains key, exactly one
// is credited with the mutation's statistics (map iteration order), since
// nothing in the core spec requires crediting more than one cursor for a
// single write.
func (e *Engine) RangeFor(ns core.Namespace, key []byte) (*keyrange.Range, bool) {
	e.rangesMu.RLock()
	defer e.rangesMu.RUnlock()
	for _, r := range e.ranges {
		if r.Namespace() != ns {
			continue
		}
		if withinRange(r, key) {
			return r, true
		}
	}
	return nil, false
}

func withinRange(r *keyrange.Range, key []byte) bool {
	start, end := r.Start(), r.End()
	if start != nil && core.CompareKeys(key, start) < 0 {
		return false
	}
	if end != nil && core.CompareKeys(key, end) >= 0 {
		return false
	}
	return true
}

// StartBatch opens a new Write Batch and returns its id.
func (e *Engine) StartBatch() (core.BatchID, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	id := core.BatchID(e.batchSeq.Add(1))
	b := batch.New(id, e, e.leaf)
	e.batchesMu.Lock()
	e.batches[id] = b
	e.batchesMu.Unlock()
	return id, nil
}

func (e *Engine) batchFor(id core.BatchID) (*batch.Batch, error) {
	e.batchesMu.Lock()
	defer e.batchesMu.Unlock()
	b, ok := e.batches[id]
	if !ok {
		return nil, fmt.Errorf("engine: unknown batch %d", id)
	}
	return b, nil
}

// Put queues an upsert against an open batch.
func (e *Engine) Put(id core.BatchID, ns core.Namespace, key, value []byte) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	b.Put(ns, key, value)
	return nil
}

// Insert queues a caller-promised-absent put against an open batch.
func (e *Engine) Insert(id core.BatchID, ns core.Namespace, key, value []byte) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	b.Insert(ns, key, value)
	return nil
}

// Delete queues a point delete against an open batch.
func (e *Engine) Delete(id core.BatchID, ns core.Namespace, key []byte) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	b.Delete(ns, key)
	return nil
}

// ClearSubRange queues a delete-range against an open batch. end == nil
// resolves to the Range's actual last key at commit time.
func (e *Engine) ClearSubRange(id core.BatchID, ns core.Namespace, start, end []byte) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	b.DeleteRange(ns, start, end)
	return nil
}

// EndBatch commits an open batch's mutations and removes it from the
// engine's tracking table regardless of outcome.
func (e *Engine) EndBatch(id core.BatchID) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	_, span := e.tracer.Start(context.Background(), "Engine.EndBatch", trace.WithAttributes(attribute.Int64("batch.id", int64(id))))
	defer span.End()

	endErr := b.End()

	e.batchesMu.Lock()
	delete(e.batches, id)
	e.batchesMu.Unlock()

	if endErr != nil {
		span.SetAttributes(attribute.Bool("batch.error", true))
	}
	return endErr
}

// AbortBatch discards an open batch's mutations and removes it from the
// engine's tracking table.
func (e *Engine) AbortBatch(id core.BatchID) error {
	b, err := e.batchFor(id)
	if err != nil {
		return err
	}
	b.Abort()
	e.batchesMu.Lock()
	delete(e.batches, id)
	e.batchesMu.Unlock()
	return nil
}

// doOnce runs fn against a fresh, single-use batch, ending it immediately.
// It underlies DoPut/DoInsert/DoDelete/DoClearSubRange, the direct
// mutation helpers that bypass the caller-visible batch id lifecycle for a
// single mutation.
func (e *Engine) doOnce(fn func(b *batch.Batch)) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	id := core.BatchID(e.batchSeq.Add(1))
	b := batch.New(id, e, e.leaf)
	fn(b)
	return b.End()
}

// DoPut is the direct-mutation-helper form of a single-key Put.
func (e *Engine) DoPut(ns core.Namespace, key, value []byte) error {
	return e.doOnce(func(b *batch.Batch) { b.Put(ns, key, value) })
}

// DoInsert is the direct-mutation-helper form of a single-key Insert.
func (e *Engine) DoInsert(ns core.Namespace, key, value []byte) error {
	return e.doOnce(func(b *batch.Batch) { b.Insert(ns, key, value) })
}

// DoDelete is the direct-mutation-helper form of a single-key Delete.
func (e *Engine) DoDelete(ns core.Namespace, key []byte) error {
	return e.doOnce(func(b *batch.Batch) { b.Delete(ns, key) })
}

// DoClearSubRange is the direct-mutation-helper form of a DeleteRange.
func (e *Engine) DoClearSubRange(ns core.Namespace, start, end []byte) error {
	return e.doOnce(func(b *batch.Batch) { b.DeleteRange(ns, start, end) })
}

// Get returns the current value for key in ns against the live store.
func (e *Engine) Get(ns core.Namespace, key []byte) ([]byte, bool, error) {
	if err := e.checkStarted(); err != nil {
		return nil, false, err
	}
	v, ok, err := e.leaf.Get(ns, key)
	if err != nil {
		return nil, false, core.Failure("get", err)
	}
	return v, ok, nil
}

// Exist is a possibly-false-positive membership probe against the live
// store: it never returns false for a key Get would find.
func (e *Engine) Exist(ns core.Namespace, key []byte) (bool, error) {
	if err := e.checkStarted(); err != nil {
		return false, err
	}
	ok, err := e.leaf.MayExist(ns, key)
	if err != nil {
		return false, core.Failure("mayExist", err)
	}
	return ok, nil
}

// ApproximateSize estimates the live byte size of [start, end) in ns
// against the live store.
func (e *Engine) ApproximateSize(ns core.Namespace, start, end []byte) (int64, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	sz, err := e.leaf.ApproximateSize(ns, start, end)
	if err != nil {
		return 0, core.Failure("approximateSize", err)
	}
	return sz, nil
}

// Iterator returns a latency-measuring range iterator over [start, end) in
// ns against the live store. Sustained slow seeks feed a compaction hint
// back into the scheduler.
func (e *Engine) Iterator(ns core.Namespace, start, end []byte) (*iterator.Iterator, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	it, err := e.leaf.Iterator(ns, start, end)
	if err != nil {
		return nil, core.Failure("iterator", err)
	}
	return iterator.New(it, ns, start, end, e.scheduler)
}

// Flush persists every namespace's in-memory state to disk.
func (e *Engine) Flush() error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	if err := e.leaf.Flush(true); err != nil {
		return core.Failure("flush", err)
	}
	return nil
}

// compactRange is the scheduler's CompactFunc, closing over the engine's
// leaf store.
func (e *Engine) compactRange(_ context.Context, ns core.Namespace, start, end []byte) error {
	_, err := e.leaf.CompactRange(ns, start, end)
	if err != nil {
		return core.Failure("compactRange", err)
	}
	return nil
}

// checkpointDir returns the on-disk directory for checkpoint id.
func (e *Engine) checkpointDir(id string) string {
	return filepath.Join(e.opts.CheckpointRoot, id)
}
