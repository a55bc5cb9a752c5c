package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nxbroker/rangekv/core"
	"github.com/nxbroker/rangekv/sys"
)

// gcLoop periodically sweeps the checkpoint root, deleting checkpoints
// older than half the GC interval whose id the caller-supplied
// CheckpointCheck predicate no longer references. The minimum-age filter
// keeps a checkpoint that was just created, but not yet observed by any
// caller, from being swept out from under it.
func (e *Engine) gcLoop() {
	defer e.gcWg.Done()
	interval := time.Duration(e.opts.GCIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.gcStop:
			return
		case <-ticker.C:
			e.gcOnce()
		}
	}
}

// gcOnce runs a single GC pass. Tests in this package call it directly for a
// deterministic trigger instead of waiting on the ticker.
func (e *Engine) gcOnce() {
	entries, err := os.ReadDir(e.opts.CheckpointRoot)
	if err != nil {
		e.logger.Warn("checkpoint gc: list checkpoint root failed", "error", err)
		return
	}

	minAge := e.checkpointAge()
	now := time.Now()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < minAge {
			continue
		}
		if e.opts.CheckpointCheck(id) {
			continue
		}
		e.deleteCheckpoint(id)
	}
}

// deleteCheckpoint invalidates id's cached view and removes its directory,
// retrying transient filesystem failures with bounded backoff before
// giving up and logging.
func (e *Engine) deleteCheckpoint(id string) {
	e.logger.Debug("checkpoint gc: deleting checkpoint", "checkpoint_id", id)
	e.cpCache.Invalidate(id)

	dir := filepath.Join(e.opts.CheckpointRoot, id)
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, sys.RemoveAll(dir)
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		e.logger.Error("checkpoint gc: delete failed", "checkpoint_id", id, "error", core.IOFailure("remove checkpoint", err))
	}
}
