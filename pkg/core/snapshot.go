package core

import (
	"fmt"

	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/store"
	"github.com/sanonone/genovec/pkg/persistence"
)

// Save writes the index to path atomically. Dead slots are kept so that a
// loaded index has the same slot numbering and answers queries identically.
func (db *DB) Save(path string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	snap, err := db.snapshotLocked()
	if err != nil {
		return err
	}
	if err := persistence.SaveFile(path, snap, db.opts.SnapshotCodec); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func (db *DB) snapshotLocked() (*persistence.Snapshot, error) {
	var codebook []byte
	if q := db.store.Quantizer(); q != nil {
		b, err := q.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode %s codebook: %w", q.Mode(), err)
		}
		codebook = b
	}

	layout := db.graph.Layout()
	slots := db.store.Slots()
	// A slot whose graph link failed exists only in the store.
	for len(layout.Levels) < slots {
		layout.Levels = append(layout.Levels, -1)
		layout.Links = append(layout.Links, nil)
	}

	out := make([]persistence.Slot, slots)
	for i := range out {
		slot := uint32(i)
		live := db.store.IsLive(slot)
		out[i] = persistence.Slot{ID: db.store.ID(slot), Live: live, Code: db.store.Code(slot)}
		if live {
			out[i].Metadata = db.store.Metadata(slot)
		}
	}

	cfg := db.graph.Config()
	return &persistence.Snapshot{
		Header: persistence.Header{
			Dim:            db.opts.Dimensions,
			Metric:         db.opts.Metric.ID(),
			Quantization:   db.opts.Quantization.ID(),
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
			Selection:      string(cfg.Selection),
			Seed:           cfg.Seed,
			Rerank:         db.opts.Rerank,
			Entry:          layout.Entry,
			Layers:         layout.MaxLevel + 1,
			Slots:          slots,
		},
		Graph:    layout,
		Codebook: codebook,
		Slots:    out,
	}, nil
}

// Load replaces the contents of the index with the snapshot at path. Shape
// options come from the file; runtime options such as Workers are kept. On
// error the index is unchanged.
func (db *DB) Load(path string) error {
	snap, err := persistence.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	db.mu.RLock()
	base := db.opts
	db.mu.RUnlock()

	opts, st, g, err := restore(snap, base)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.opts, db.store, db.graph = opts, st, g
	db.refineCursor = 0
	return nil
}

// Open loads the snapshot at path into a new index. base supplies the runtime
// options; its shape fields are overwritten by the file.
func Open(path string, base Options) (*DB, error) {
	snap, err := persistence.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	opts, st, g, err := restore(snap, base)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{opts: opts, store: st, graph: g}, nil
}

func restore(snap *persistence.Snapshot, base Options) (Options, *store.Store, *hnsw.Graph, error) {
	h := snap.Header
	metric, err := distance.MetricFromID(h.Metric)
	if err != nil {
		return Options{}, nil, nil, err
	}
	mode, err := quantization.ModeFromID(h.Quantization)
	if err != nil {
		return Options{}, nil, nil, err
	}

	opts := base
	opts.Dimensions = h.Dim
	opts.Metric = metric
	opts.Quantization = mode
	opts.Rerank = h.Rerank
	opts.HNSW = hnsw.Config{
		M:              h.M,
		EfConstruction: h.EfConstruction,
		EfSearch:       h.EfSearch,
		Selection:      hnsw.Selection(h.Selection),
		Seed:           h.Seed,
	}
	if err := opts.Validate(); err != nil {
		return Options{}, nil, nil, err
	}
	if mode != quantization.None && snap.Codebook == nil {
		return Options{}, nil, nil, fmt.Errorf("%s index without codebook: %w", mode, persistence.ErrCorrupt)
	}

	st, g, err := build(opts, snap.Codebook)
	if err != nil {
		return Options{}, nil, nil, err
	}
	for i, s := range snap.Slots {
		if _, err := st.Restore(s.ID, s.Live, s.Code, s.Metadata); err != nil {
			return Options{}, nil, nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}
	if err := g.Restore(snap.Graph); err != nil {
		return Options{}, nil, nil, err
	}
	if g.Len() != st.Len() {
		return Options{}, nil, nil, fmt.Errorf("graph holds %d nodes, store %d records: %w", g.Len(), st.Len(), persistence.ErrCorrupt)
	}
	return opts, st, g, nil
}

// Compact drops deleted records from the arena and renumbers the remaining
// slots densely. Search results are unchanged.
func (db *DB) Compact() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.store.Slots() == db.store.Len() {
		return nil
	}
	if err := db.validateLocked(); err != nil {
		return err
	}
	remap, err := db.graph.Compact()
	if err != nil {
		return err
	}
	for len(remap) < db.store.Slots() {
		remap = append(remap, -1)
	}
	if err := db.store.Compact(remap); err != nil {
		return err
	}
	db.refineCursor = 0
	return nil
}

// Refine re-links up to count nodes, resuming where the previous call stopped,
// and reports whether a full pass over the arena completed. ef <= 0 uses
// EfConstruction.
func (db *DB) Refine(count, ef int) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.refineCursor = db.graph.Refine(db.refineCursor, count, ef)
	return db.refineCursor == 0
}
