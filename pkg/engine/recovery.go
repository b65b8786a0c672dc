package engine

import (
	"sync/atomic"
	"time"

	"github.com/sanonone/genovec/pkg/metrics"
)

// Save writes a snapshot of the index to the engine's snapshot file and
// resets the write counter. The previous snapshot stays intact if it fails.
func (e *Engine) Save() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return e.saveSnapshotLocked()
}

func (e *Engine) saveSnapshotLocked() error {
	start := time.Now()
	dirty := atomic.LoadInt64(&e.dirtyCounter)
	if err := e.DB.Save(e.snapPath); err != nil {
		return err
	}
	// Writes that landed during the save stay counted.
	atomic.AddInt64(&e.dirtyCounter, -dirty)
	e.lastSaveTime = time.Now()

	elapsed := time.Since(start)
	metrics.SnapshotDuration.WithLabelValues("save").Observe(elapsed.Seconds())
	e.log.Info("snapshot saved", "path", e.snapPath, "vectors", e.DB.Len(), "elapsed", elapsed)
	return nil
}

// Load discards the in-memory index and reloads the snapshot file.
func (e *Engine) Load() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	start := time.Now()
	if err := e.DB.Load(e.snapPath); err != nil {
		return err
	}
	atomic.StoreInt64(&e.dirtyCounter, 0)
	e.lastSaveTime = time.Now()
	e.updateGauges()

	elapsed := time.Since(start)
	metrics.SnapshotDuration.WithLabelValues("load").Observe(elapsed.Seconds())
	e.log.Info("snapshot loaded", "path", e.snapPath, "vectors", e.DB.Len(), "elapsed", elapsed)
	return nil
}

// Compact drops deleted slots from the index. It counts as a write so the
// compacted layout reaches disk with the next snapshot.
func (e *Engine) Compact() error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	start := time.Now()
	before := e.DB.Stats().Tombstones
	if err := e.DB.Compact(); err != nil {
		return err
	}
	if before > 0 {
		e.markDirty(1)
	}

	elapsed := time.Since(start)
	metrics.SnapshotDuration.WithLabelValues("compact").Observe(elapsed.Seconds())
	e.log.Info("index compacted", "reclaimed", before, "vectors", e.DB.Len(), "elapsed", elapsed)
	return nil
}
