package engine

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/iterator"
	"github.com/nxbroker/rangekv/leafstore"
	"github.com/nxbroker/rangekv/sys"
)

// Checkpoint creates an immutable on-disk copy of the live store under id,
// preceded by a flush so the copy reflects every committed batch. Writing
// to a temporary directory and renaming it into place keeps a half-written
// checkpoint from ever being visible under its final id.
func (e *Engine) Checkpoint(id string) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	_, span := e.tracer.Start(context.Background(), "Engine.Checkpoint", trace.WithAttributes(attribute.String("checkpoint.id", id)))
	defer span.End()

	if err := e.leaf.Flush(true); err != nil {
		return core.Failure("flush", err)
	}

	dir := e.checkpointDir(id)
	tmp := dir + ".tmp"
	_ = sys.RemoveAll(tmp)
	if err := e.leaf.Checkpoint(tmp); err != nil {
		_ = sys.RemoveAll(tmp)
		return core.Failure("checkpoint", err)
	}
	_ = sys.RemoveAll(dir)
	if err := sys.Rename(tmp, dir); err != nil {
		return core.IOFailure("checkpoint rename", err)
	}
	e.cpCache.Invalidate(id)
	return nil
}

// HasCheckpoint reports whether id has an on-disk checkpoint directory.
func (e *Engine) HasCheckpoint(id string) (bool, error) {
	if err := e.checkStarted(); err != nil {
		return false, err
	}
	info, err := sys.Stat(e.checkpointDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, core.IOFailure("stat checkpoint", err)
	}
	return info.IsDir(), nil
}

// openCheckpoint is the checkpointcache.Opener: it opens a read-only leaf
// store view over checkpoint id's directory, using the same namespace
// order as the live engine so handles line up.
func (e *Engine) openCheckpoint(id string) (*leafstore.Store, error) {
	dir := e.checkpointDir(id)
	if _, err := sys.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, core.CheckpointNotFound(id)
		}
		return nil, core.IOFailure("stat checkpoint", err)
	}
	store, err := leafstore.OpenReadOnly(dir, e.namespaces, leafstore.Options{
		Compression:   e.opts.Compression,
		BloomElements: e.opts.BloomElements,
		BloomFPRate:   e.opts.BloomFPRate,
	})
	if err != nil {
		return nil, core.Failure("openReadOnly", err)
	}
	return store, nil
}

func (e *Engine) checkpointStore(id string) (*leafstore.Store, error) {
	return e.cpCache.Get(id)
}

// CheckpointGet returns the value for key in ns as of checkpoint id.
func (e *Engine) CheckpointGet(id string, ns core.Namespace, key []byte) ([]byte, bool, error) {
	if err := e.checkStarted(); err != nil {
		return nil, false, err
	}
	store, err := e.checkpointStore(id)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := store.Get(ns, key)
	if err != nil {
		return nil, false, core.Failure("checkpoint get", err)
	}
	return v, ok, nil
}

// CheckpointExist is Exist's checkpoint-scoped counterpart.
func (e *Engine) CheckpointExist(id string, ns core.Namespace, key []byte) (bool, error) {
	if err := e.checkStarted(); err != nil {
		return false, err
	}
	store, err := e.checkpointStore(id)
	if err != nil {
		return false, err
	}
	ok, err := store.MayExist(ns, key)
	if err != nil {
		return false, core.Failure("checkpoint mayExist", err)
	}
	return ok, nil
}

// CheckpointApproximateSize is ApproximateSize's checkpoint-scoped
// counterpart.
func (e *Engine) CheckpointApproximateSize(id string, ns core.Namespace, start, end []byte) (int64, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	store, err := e.checkpointStore(id)
	if err != nil {
		return 0, err
	}
	sz, err := store.ApproximateSize(ns, start, end)
	if err != nil {
		return 0, core.Failure("checkpoint approximateSize", err)
	}
	return sz, nil
}

// CheckpointIterator is Iterator's checkpoint-scoped counterpart. The
// returned iterator still measures seek latency and feeds hints back into
// the live scheduler, since scan cost against a checkpoint's read-only
// store is exactly the signal the scheduler is meant to react to.
func (e *Engine) CheckpointIterator(id string, ns core.Namespace, start, end []byte) (*iterator.Iterator, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	store, err := e.checkpointStore(id)
	if err != nil {
		return nil, err
	}
	it, err := store.Iterator(ns, start, end)
	if err != nil {
		return nil, core.Failure("checkpoint iterator", err)
	}
	return iterator.New(it, ns, start, end, e.scheduler)
}

// checkpointAge is the minimum age (half the GC interval) a checkpoint
// directory must reach before GC considers deleting it, so a checkpoint
// created moments ago and not yet observed by any caller is never swept.
func (e *Engine) checkpointAge() time.Duration {
	return time.Duration(e.opts.GCIntervalSec) * time.Second / 2
}
