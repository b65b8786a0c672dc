// This file implements the data operations of the Engine. They wrap the core
// index calls with write accounting for the auto-save policy and metrics.
package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/sanonone/genovec/pkg/core"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/core/types"
	"github.com/sanonone/genovec/pkg/metrics"
)

// Add inserts one record and returns its id.
// See core.DB.Add for validation and training rules.
func (e *Engine) Add(rec core.Record) (string, error) {
	id, err := e.DB.Add(rec)
	if err != nil {
		return "", err
	}
	metrics.InsertsTotal.WithLabelValues("add").Inc()
	e.markDirty(1)
	return id, nil
}

// AddBatch inserts records, rejecting the whole batch on any validation error.
func (e *Engine) AddBatch(ctx context.Context, recs []core.Record) ([]string, error) {
	ids, err := e.DB.AddBatch(ctx, recs)
	if len(ids) > 0 {
		metrics.InsertsTotal.WithLabelValues("add_batch").Add(float64(len(ids)))
		e.markDirty(len(ids))
	}
	return ids, err
}

// Get returns the record stored under id and whether it exists.
func (e *Engine) Get(id string) (core.Record, bool) {
	return e.DB.Get(id)
}

// Delete removes id and reports whether it existed.
func (e *Engine) Delete(id string) bool {
	if !e.DB.Delete(id) {
		return false
	}
	metrics.DeletesTotal.Inc()
	e.markDirty(1)
	return true
}

// Search returns the k closest records to query. ef <= 0 selects the index
// default; filter may be nil.
func (e *Engine) Search(ctx context.Context, query []float32, k, ef int, filter map[string]any) ([]core.SearchResult, error) {
	f, err := metadata.ParseFilter(filter)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues(strconv.FormatBool(len(filter) > 0), "error").Inc()
		return nil, err
	}
	return e.Query(ctx, core.Query{Vector: query, K: k, Ef: max(ef, 0), Filter: f})
}

// Query runs a fully specified search.
func (e *Engine) Query(ctx context.Context, q core.Query) ([]core.SearchResult, error) {
	filtered := strconv.FormatBool(!q.Filter.Empty())
	start := time.Now()
	res, err := e.DB.Query(ctx, q)
	metrics.SearchDuration.WithLabelValues(filtered).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SearchesTotal.WithLabelValues(filtered, status).Inc()
	return res, err
}

// ExactSearch scores every matching record. It is the brute-force baseline
// for Search.
func (e *Engine) ExactSearch(query []float32, k int, filter map[string]any) ([]core.SearchResult, error) {
	return e.DB.ExactSearch(query, k, filter)
}

// Stats summarises the index.
func (e *Engine) Stats() types.IndexStats {
	return e.DB.Stats()
}

// Len returns the number of live records.
func (e *Engine) Len() int {
	return e.DB.Len()
}
