// Package core provides the fundamental data structures and logic for the GenoVec index.
//
// This file defines the DB struct, which ties together the HNSW graph, the
// vector store with its quantizer and the metadata index behind one
// reader/writer lock. Searches, lookups and statistics run under the read lock
// and may proceed concurrently; inserts, deletes, compaction, save and load
// hold the write lock for their whole mutation, so a node is never observed
// partially linked.
package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/store"
	"github.com/sanonone/genovec/pkg/core/types"
)

// Record is a vector with its id and metadata. An empty ID on insert is
// replaced by a generated UUID.
type Record struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata metadata.Metadata `json:"metadata,omitempty"`
}

// DB is an embedded vector index: one graph over one vector store.
type DB struct {
	mu    sync.RWMutex
	opts  Options
	store *store.Store
	graph *hnsw.Graph

	// refineCursor is the slot where the next Refine call resumes.
	refineCursor int
}

// New creates an empty index.
func New(opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	st, g, err := build(opts, nil)
	if err != nil {
		return nil, err
	}
	return &DB{opts: opts, store: st, graph: g}, nil
}

// build creates an empty store and graph for opts. When codebook is not nil
// it is loaded into the quantizer before the store sizes its codes.
func build(opts Options, codebook []byte) (*store.Store, *hnsw.Graph, error) {
	q, err := opts.newQuantizer()
	if err != nil {
		return nil, nil, err
	}
	if q != nil && codebook != nil {
		if err := q.UnmarshalBinary(codebook); err != nil {
			return nil, nil, fmt.Errorf("load %s codebook: %w", opts.Quantization, err)
		}
	}
	var storeOpts []store.Option
	if opts.Rerank > 0 {
		storeOpts = append(storeOpts, store.WithFullVectors())
	}
	st, err := store.New(opts.Dimensions, opts.Metric, q, storeOpts...)
	if err != nil {
		return nil, nil, err
	}
	g, err := hnsw.New(opts.HNSW, st)
	if err != nil {
		return nil, nil, err
	}
	return st, g, nil
}

// Options returns the options the index was built with.
func (db *DB) Options() Options {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.opts
}

// Dimensions returns the fixed vector dimension.
func (db *DB) Dimensions() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.opts.Dimensions
}

// Len returns the number of live records.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.store.Len()
}

// validateRecord checks dimension and metadata and assigns an id when missing.
func validateRecord(op string, dim int, rec *Record) error {
	if len(rec.Vector) != dim {
		return types.DimensionError(op, dim, len(rec.Vector))
	}
	if err := rec.Metadata.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return nil
}

// Add inserts one record and returns its id. Dimension mismatch, duplicate id
// and invalid metadata are ValidationErrors returned before any mutation. In
// scalar, product and binary modes (binary with a Hamming metric excepted) the
// codebook must have been trained first, by a previous AddBatch or Train;
// otherwise quantization.ErrNotTrained is returned.
func (db *DB) Add(rec Record) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := validateRecord("add", db.opts.Dimensions, &rec); err != nil {
		return "", err
	}
	if db.store.Contains(rec.ID) {
		return "", types.NewValidationError("add", types.ErrDuplicateID, "id %q", rec.ID)
	}
	code, err := db.store.Encode(rec.Vector)
	if err != nil {
		return "", fmt.Errorf("add %q: %w", rec.ID, err)
	}
	if err := db.insertLocked(rec, code); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// insertLocked appends the record to the store and links it into the graph.
func (db *DB) insertLocked(rec Record, code []byte) error {
	slot, err := db.store.Append(rec.ID, code, rec.Metadata.Clone())
	if err != nil {
		return err
	}
	if err := db.graph.Insert(slot, rec.Vector); err != nil {
		db.store.Remove(slot)
		return fmt.Errorf("link %q: %w", rec.ID, err)
	}
	return nil
}

// Train fits the quantizer codebook on samples. It is only valid on an empty,
// untrained index and is a no-op in mode none. A codebook fitted here or by
// AddBatch is never replaced; Train then fails with
// quantization.ErrAlreadyTrained.
func (db *DB) Train(samples [][]float32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, v := range samples {
		if len(v) != db.opts.Dimensions {
			return types.DimensionError(fmt.Sprintf("train sample %d", i), db.opts.Dimensions, len(v))
		}
	}
	return db.store.Train(samples)
}

// Trained reports whether vectors can be encoded without training first.
func (db *DB) Trained() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.store.Trained()
}

// Get returns the record stored under id. In quantized modes without Rerank
// the vector is the reconstruction of its code.
func (db *DB) Get(id string) (Record, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	slot, ok := db.store.Lookup(id)
	if !ok {
		return Record{}, false
	}
	return Record{
		ID:       id,
		Vector:   db.store.Vector(slot),
		Metadata: db.store.Metadata(slot).Clone(),
	}, true
}

// Delete removes id. It reports false, without error, when id is absent.
func (db *DB) Delete(id string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	slot, ok := db.store.Lookup(id)
	if !ok {
		return false
	}
	db.graph.Remove(slot)
	db.store.Remove(slot)
	return true
}

// Stats summarises the index.
func (db *DB) Stats() types.IndexStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cfg := db.graph.Config()
	return types.IndexStats{
		TotalVectors:     db.store.Len(),
		Dimensions:       db.opts.Dimensions,
		Metric:           string(db.opts.Metric),
		Quantization:     string(db.opts.Quantization),
		M:                cfg.M,
		EfConstruction:   cfg.EfConstruction,
		MaxLevel:         db.graph.MaxLevel(),
		Layers:           db.graph.LayerStats(),
		AvgEdgesPerNode:  db.graph.AvgEdgesPerNode(),
		Tombstones:       db.graph.Tombstones(),
		MemoryBytes:      db.graph.MemoryBytes() + db.store.MemoryBytes(),
		CompressionRatio: quantization.CompressionRatio(db.store.Quantizer()),
	}
}

// Counts returns the number of live records and of deleted slots not yet
// reclaimed by Compact, without walking the graph.
func (db *DB) Counts() (live, deleted int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.store.Len(), db.store.Slots() - db.store.Len()
}

// TombstoneRatio is the share of arena slots held by deleted records.
func (db *DB) TombstoneRatio() float64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	slots := db.store.Slots()
	if slots == 0 {
		return 0
	}
	return float64(slots-db.store.Len()) / float64(slots)
}

// Validate checks the graph invariants and its agreement with the store.
func (db *DB) Validate() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.validateLocked()
}

func (db *DB) validateLocked() error {
	if err := db.graph.Validate(); err != nil {
		return err
	}
	if db.graph.Len() != db.store.Len() {
		return types.Inconsistent("graph holds %d live nodes, store %d records", db.graph.Len(), db.store.Len())
	}
	if db.graph.Slots() > db.store.Slots() {
		return types.Inconsistent("graph arena has %d slots, store %d", db.graph.Slots(), db.store.Slots())
	}
	return nil
}
