package core

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/core/types"
)

// Search returns the k records closest to query, closest first, using the
// default efSearch. filter may be nil; see SearchContext.
func (db *DB) Search(query []float32, k int, filter map[string]any) ([]SearchResult, error) {
	return db.SearchContext(context.Background(), query, k, 0, filter)
}

// SearchContext is Search with an explicit ef (0 selects the index default)
// and a context checked between the adaptive rounds of a filtered search.
//
// Filtered queries resolve the filter to the set of matching records first.
// When that set holds at most max(ef, ExactScanThreshold) records it is
// scanned exactly; otherwise the graph is traversed through every node while
// only matching ones are collected, doubling ef until k matches are found or
// ef covers the whole index.
//
// With Rerank set, the graph collects k*Rerank candidates under the quantized
// distance and the k closest by exact distance are returned.
func (db *DB) SearchContext(ctx context.Context, query []float32, k, ef int, filter map[string]any) ([]SearchResult, error) {
	f, err := metadata.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	return db.SearchFilter(ctx, query, k, ef, f)
}

// SearchResult is one match, ordered by ascending Distance. Metadata is copied
// under the same read lock as the search, so it always belongs to the record
// that matched even when a concurrent Delete follows.
type SearchResult struct {
	ID       string            `json:"id"`
	Distance float64           `json:"distance"`
	Metadata metadata.Metadata `json:"metadata,omitempty"`
	// Vector is set when Query.WithVectors asks for it. It has the precision
	// of Get.
	Vector []float32 `json:"vector,omitempty"`
}

// Query describes one search.
type Query struct {
	Vector []float32
	K      int
	// Ef is the candidate list size; 0 selects the index default.
	Ef     int
	Filter *metadata.Filter
	// WithVectors attaches the stored vector of every hit.
	WithVectors bool
}

// SearchFilter is SearchContext with a parsed filter.
func (db *DB) SearchFilter(ctx context.Context, query []float32, k, ef int, f *metadata.Filter) ([]SearchResult, error) {
	return db.Query(ctx, Query{Vector: query, K: k, Ef: ef, Filter: f})
}

// Query runs q. See SearchContext for the search strategy.
func (db *DB) Query(ctx context.Context, q Query) ([]SearchResult, error) {
	query, k, ef := q.Vector, q.K, q.Ef
	if k <= 0 {
		return nil, types.NewValidationError("search", types.ErrInvalidParameter, "k must be positive, got %d", k)
	}
	if ef < 0 {
		return nil, types.NewValidationError("search", types.ErrInvalidParameter, "ef must not be negative, got %d", ef)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if len(query) != db.opts.Dimensions {
		return nil, types.DimensionError("search", db.opts.Dimensions, len(query))
	}
	if ef == 0 {
		ef = db.opts.HNSW.EfSearch
	}
	if db.store.Len() == 0 {
		return []SearchResult{}, nil
	}

	var accept hnsw.AcceptFunc
	if !q.Filter.Empty() {
		allow := db.store.Resolve(q.Filter)
		if allow.IsEmpty() {
			return []SearchResult{}, nil
		}
		if allow.GetCardinality() <= uint64(max(ef, db.opts.ExactScanThreshold)) {
			return db.results(db.store.Scan(query, k, allow), q.WithVectors), nil
		}
		accept = allow.Contains
	}

	fetch := k
	if db.opts.Rerank > 0 && db.store.FullVectors() {
		fetch = k * db.opts.Rerank
	}
	hits, err := db.graph.Search(ctx, query, fetch, max(ef, fetch), accept)
	if err != nil {
		return nil, err
	}
	if fetch > k {
		hits = db.store.Rescore(query, hits)
		hits = hits[:min(k, len(hits))]
	}
	return db.results(hits, q.WithVectors), nil
}

// ExactSearch scores every matching record and returns the true k closest
// under the stored representation, or under the full vectors when Rerank
// keeps them. It is the baseline for recall checks.
func (db *DB) ExactSearch(query []float32, k int, filter map[string]any) ([]SearchResult, error) {
	f, err := metadata.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, types.NewValidationError("exact_search", types.ErrInvalidParameter, "k must be positive, got %d", k)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(query) != db.opts.Dimensions {
		return nil, types.DimensionError("exact_search", db.opts.Dimensions, len(query))
	}
	var allow *roaring.Bitmap
	if !f.Empty() {
		allow = db.store.Resolve(f)
	}
	return db.results(db.store.Scan(query, k, allow), false), nil
}

// results resolves hits to records. It must run under the read lock.
func (db *DB) results(hits []types.Candidate, withVectors bool) []SearchResult {
	out := make([]SearchResult, len(hits))
	for i, h := range hits {
		out[i] = SearchResult{
			ID:       db.store.ID(h.Id),
			Distance: h.Distance,
			Metadata: db.store.Metadata(h.Id).Clone(),
		}
		if withVectors {
			out[i].Vector = db.store.Vector(h.Id)
		}
	}
	return out
}
