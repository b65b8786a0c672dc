// Package engine provides the high-level, embedded interface for GenoVec.
//
// It binds one in-memory index (core.DB) to a snapshot file in a data
// directory and runs the maintenance policies around it: periodic snapshots
// while there are unsaved writes, compaction once deletions pile up and
// incremental graph refinement.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data", 384)
//	e, err := engine.Open(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanonone/genovec/pkg/core"
	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/metrics"
)

// Options configures the Engine: where the index lives, its shape when it is
// created, and the automatic maintenance policies.
type Options struct {
	// DataDir is the directory holding the snapshot file.
	// It is created automatically if it does not exist.
	DataDir string

	// SnapshotFile is the snapshot name inside DataDir (default: "genovec.gvec").
	SnapshotFile string

	// Index is used to create the index when no snapshot exists. When one
	// exists its shape comes from the file and only the runtime fields apply;
	// a non-zero Index.Dimensions must then match the file.
	Index core.Options

	// AutoSaveInterval defines how much time must pass since the last save
	// before a new snapshot is triggered (if AutoSaveThreshold is also met).
	// Set to 0 to disable auto-saving.
	AutoSaveInterval time.Duration

	// AutoSaveThreshold defines how many write operations must occur
	// before a new snapshot is triggered.
	AutoSaveThreshold int64

	// CompactThreshold triggers a compaction when the share of deleted slots
	// exceeds it. Set to 0 to disable.
	CompactThreshold float64

	// RefineBatch is the number of nodes re-linked on each maintenance tick.
	// Set to 0 to disable.
	RefineBatch int

	// MaintenanceInterval defines how often compaction and refinement are checked.
	// Default: 10 seconds.
	MaintenanceInterval time.Duration

	// SaveOnClose writes a final snapshot on Close when there are unsaved writes.
	SaveOnClose bool

	// Logger receives engine events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns a standard configuration for an index of dimension dim.
//
// Defaults:
//   - SnapshotFile: "genovec.gvec"
//   - AutoSave: Every 60s if at least 1000 changes occurred
//   - Compaction: when 20% of the slots are deleted
//   - Refinement: 256 nodes every 10s
func DefaultOptions(dataDir string, dim int) Options {
	return Options{
		DataDir:             dataDir,
		SnapshotFile:        "genovec.gvec",
		Index:               core.DefaultOptions(dim),
		AutoSaveInterval:    60 * time.Second,
		AutoSaveThreshold:   1000,
		CompactThreshold:    0.2,
		RefineBatch:         256,
		MaintenanceInterval: 10 * time.Second,
		SaveOnClose:         true,
	}
}

// Engine is the main entry point for GenoVec.
// It coordinates the in-memory index and its snapshot file.
//
// Use Open() to initialize an Engine and Close() to shut it down gracefully.
type Engine struct {
	// DB is the underlying in-memory index.
	// While exported, it is recommended to use Engine methods (e.g., Add, Search)
	// so that writes are counted towards the auto-save policy.
	DB *core.DB

	opts     Options
	snapPath string
	log      *slog.Logger

	// dirtyCounter tracks the number of write operations since the last save.
	dirtyCounter int64
	lastSaveTime time.Time

	// adminMu serializes save, load and compaction.
	// Note: core.DB has its own lock for data access.
	adminMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open initializes a new Engine instance using the provided options.
//
// It creates DataDir if missing, loads the snapshot if one exists (otherwise
// creates an empty index from opts.Index) and starts the background tasks.
func Open(opts Options) (*Engine, error) {
	if opts.SnapshotFile == "" {
		opts.SnapshotFile = "genovec.gvec"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &Engine{
		opts:         opts,
		snapPath:     filepath.Join(opts.DataDir, opts.SnapshotFile),
		log:          opts.Logger,
		lastSaveTime: time.Now(),
		closed:       make(chan struct{}),
	}

	start := time.Now()
	switch _, err := os.Stat(e.snapPath); {
	case err == nil:
		db, err := core.Open(e.snapPath, opts.Index)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		if want := opts.Index.Dimensions; want != 0 && want != db.Dimensions() {
			return nil, fmt.Errorf("snapshot %s has dimension %d, configured %d", e.snapPath, db.Dimensions(), want)
		}
		e.DB = db
		metrics.SnapshotDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
	case errors.Is(err, os.ErrNotExist):
		db, err := core.New(opts.Index)
		if err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
		e.DB = db
	default:
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	backend, cpu := distance.KernelInfo()
	idx := e.DB.Options()
	e.log.Info("index opened",
		"path", e.snapPath,
		"vectors", e.DB.Len(),
		"dimensions", idx.Dimensions,
		"metric", idx.Metric,
		"quantization", idx.Quantization,
		"kernels", backend,
		"cpu", cpu,
		"elapsed", time.Since(start))
	e.updateGauges()

	if opts.AutoSaveInterval > 0 || opts.CompactThreshold > 0 || opts.RefineBatch > 0 {
		e.wg.Add(1)
		go e.backgroundTasks()
	}
	return e, nil
}

// Path returns the snapshot file of the engine.
func (e *Engine) Path() string { return e.snapPath }

// Close performs a clean shutdown of the Engine.
//
// It stops background maintenance tasks and, when SaveOnClose is set, writes a
// final snapshot if there are unsaved writes.
func (e *Engine) Close() error {
	var err error

	// Executes the block only once, even if called many times
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait() // Wait for background tasks

		if e.opts.SaveOnClose && e.Dirty() > 0 {
			err = e.Save()
		}
	})

	return err
}

// backgroundTasks handles automatic saving, compaction and refinement.
func (e *Engine) backgroundTasks() {
	defer e.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	// Use the configured value or a safe default if 0
	interval := e.opts.MaintenanceInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maintTicker := time.NewTicker(interval)
	defer maintTicker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkAutoSave()
		case <-maintTicker.C:
			e.checkMaintenance()
		}
	}
}

// checkAutoSave writes a snapshot when enough writes and enough time have
// accumulated since the last one.
func (e *Engine) checkAutoSave() {
	if e.opts.AutoSaveInterval <= 0 {
		return
	}
	dirty := atomic.LoadInt64(&e.dirtyCounter)
	if dirty == 0 || dirty < e.opts.AutoSaveThreshold {
		return
	}
	e.adminMu.Lock()
	due := time.Since(e.lastSaveTime) >= e.opts.AutoSaveInterval
	e.adminMu.Unlock()
	if !due {
		return
	}
	if err := e.Save(); err != nil {
		// Log error but continue (background task)
		e.log.Error("background snapshot failed", "error", err)
	}
}

// checkMaintenance compacts the arena when the tombstone ratio crosses the
// threshold and otherwise refines a slice of the graph.
func (e *Engine) checkMaintenance() {
	if e.opts.CompactThreshold > 0 && e.DB.TombstoneRatio() > e.opts.CompactThreshold {
		if err := e.Compact(); err != nil {
			e.log.Error("background compaction failed", "error", err)
		}
		return
	}
	if e.opts.RefineBatch > 0 {
		start := time.Now()
		if wrapped := e.DB.Refine(e.opts.RefineBatch, 0); wrapped {
			e.log.Debug("graph refinement pass completed")
		}
		metrics.SnapshotDuration.WithLabelValues("refine").Observe(time.Since(start).Seconds())
	}
}

// Dirty returns the number of writes since the last snapshot.
func (e *Engine) Dirty() int64 { return atomic.LoadInt64(&e.dirtyCounter) }

func (e *Engine) markDirty(n int) {
	atomic.AddInt64(&e.dirtyCounter, int64(n))
	e.updateGauges()
}

func (e *Engine) updateGauges() {
	live, deleted := e.DB.Counts()
	metrics.TotalVectors.Set(float64(live))
	metrics.Tombstones.Set(float64(deleted))
}
