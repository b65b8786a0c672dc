package core

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/store"
	"github.com/sanonone/genovec/pkg/core/types"
)

// AddBatch inserts records atomically with respect to validation: if any record
// has a wrong dimension, invalid metadata or an id that is duplicated within
// the batch or already stored, nothing is inserted. Validation and encoding run
// in parallel on up to Options.Workers goroutines without the write lock; the
// graph is then mutated sequentially under it. On an untrained scalar or
// product index the codebook is trained on the first TrainingSampleSize
// vectors of the batch. It returns the ids in input order.
func (db *DB) AddBatch(ctx context.Context, records []Record) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}
	db.mu.RLock()
	dim, workers, sample := db.opts.Dimensions, db.opts.Workers, db.opts.TrainingSampleSize
	st := db.store
	db.mu.RUnlock()

	recs := make([]Record, len(records))
	copy(recs, records)

	// Phase 1: validation and id generation.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range recs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := validateRecord(fmt.Sprintf("add_batch[%d]", i), dim, &recs[i]); err != nil {
				return err
			}
			recs[i].Metadata = recs[i].Metadata.Clone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	seen := make(map[string]int, len(recs))
	for i, rec := range recs {
		if j, dup := seen[rec.ID]; dup {
			return nil, types.NewValidationError("add_batch", types.ErrDuplicateID, "id %q at positions %d and %d", rec.ID, j, i)
		}
		seen[rec.ID] = i
	}

	// Phase 2: train the codebook once, on the first batch.
	if err := db.trainFromBatch(st, recs, sample); err != nil {
		return nil, err
	}

	// Phase 3: encoding. A trained codebook is never replaced, so it can be
	// read without the lock.
	codes, err := encodeAll(ctx, st, recs, workers)
	if err != nil {
		return nil, err
	}

	// Phase 4: sequential graph mutation.
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.store != st {
		// A Load replaced the index meanwhile; encode against the new one.
		if dim != db.opts.Dimensions {
			return nil, types.DimensionError("add_batch", db.opts.Dimensions, dim)
		}
		st = db.store
		if codes, err = encodeAll(ctx, st, recs, 1); err != nil {
			return nil, err
		}
	}
	for _, rec := range recs {
		if st.Contains(rec.ID) {
			return nil, types.NewValidationError("add_batch", types.ErrDuplicateID, "id %q", rec.ID)
		}
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		if err := db.insertLocked(rec, codes[i]); err != nil {
			return ids[:i], err
		}
		ids[i] = rec.ID
	}
	return ids, nil
}

func (db *DB) trainFromBatch(st *store.Store, recs []Record, sample int) error {
	db.mu.RLock()
	trained := st.Trained()
	db.mu.RUnlock()
	if trained {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.store != st || st.Trained() {
		return nil
	}
	if st.Slots() > 0 {
		return fmt.Errorf("add_batch: %w on a non-empty index", quantization.ErrNotTrained)
	}
	n := min(len(recs), sample)
	samples := make([][]float32, n)
	for i := range samples {
		samples[i] = recs[i].Vector
	}
	if err := st.Train(samples); err != nil {
		return fmt.Errorf("train %s codebook: %w", st.Mode(), err)
	}
	return nil
}

func encodeAll(ctx context.Context, st *store.Store, recs []Record, workers int) ([][]byte, error) {
	codes := make([][]byte, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range recs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			code, err := st.Encode(recs[i].Vector)
			if err != nil {
				return fmt.Errorf("encode %q: %w", recs[i].ID, err)
			}
			codes[i] = code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return codes, nil
}
