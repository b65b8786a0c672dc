package hnsw

import (
	"container/heap"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Ties on distance are broken by slot so traversal order, and therefore the
// results, are deterministic for a given graph.
func closer(a, b types.Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Id < b.Id
}

// minHeap keeps the closest candidate on top. It holds the frontier of nodes
// still to be expanded.
type minHeap []types.Candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return closer(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *minHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *minHeap) pop() types.Candidate   { return heap.Pop(h).(types.Candidate) }

// maxHeap keeps the farthest candidate on top. It holds the best ef results so
// far; the root is the one to evict when a closer node is found.
type maxHeap []types.Candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return closer(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(types.Candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (h *maxHeap) push(c types.Candidate) { heap.Push(h, c) }
func (h *maxHeap) pop() types.Candidate   { return heap.Pop(h).(types.Candidate) }
func (h maxHeap) peek() types.Candidate   { return h[0] }

// sorted drains the heap into a slice ordered closest first.
func (h *maxHeap) sorted() []types.Candidate {
	out := make([]types.Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = h.pop()
	}
	return out
}

func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	return &h
}

func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	return &h
}
