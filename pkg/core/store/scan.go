package store

import (
	"container/heap"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sanonone/genovec/pkg/core/types"
)

// worstFirst is a max-heap on distance; among equal distances the highest
// slot is evicted first so results match the graph's tie-break.
type worstFirst []types.Candidate

func (h worstFirst) Len() int { return len(h) }
func (h worstFirst) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].Id > h[j].Id
}
func (h worstFirst) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)   { *h = append(*h, x.(types.Candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scan scores every slot of allow (every live slot when allow is nil) and
// returns the k closest in ascending order of distance, then slot. Distances
// are exact when the store keeps full vectors.
func (s *Store) Scan(query []float32, k int, allow *roaring.Bitmap) []types.Candidate {
	if k <= 0 {
		return []types.Candidate{}
	}
	if allow == nil {
		allow = s.live
	}
	score := s.exactScorer(query)
	h := make(worstFirst, 0, k+1)
	it := allow.Iterator()
	for it.HasNext() {
		slot := it.Next()
		if !s.live.Contains(slot) {
			continue
		}
		c := types.Candidate{Id: slot, Distance: score(slot)}
		if len(h) < k {
			heap.Push(&h, c)
			continue
		}
		if worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}
	out := []types.Candidate(h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

// worse reports whether a ranks after b.
func worse(a, b types.Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Id > b.Id
}
