package hnsw

import (
	"container/heap"
	"testing"

	"github.com/sanonone/genovec/pkg/core/types"
)

func TestMinHeapCorrectness(t *testing.T) {
	candidates := []types.Candidate{
		{Id: 1, Distance: 5.0},
		{Id: 4, Distance: 2.0},
		{Id: 3, Distance: 8.0},
		{Id: 2, Distance: 2.0},
	}

	h := new(minHeap)
	for _, c := range candidates {
		heap.Push(h, c)
	}

	// Equal distances come out lowest slot first.
	expected := []types.Candidate{{Id: 2, Distance: 2}, {Id: 4, Distance: 2}, {Id: 1, Distance: 5}, {Id: 3, Distance: 8}}
	for i, want := range expected {
		c := h.pop()
		if c != want {
			t.Errorf("MinHeap Pop %d: got %+v, want %+v", i, c, want)
		}
	}
}

func TestMaxHeapCorrectness(t *testing.T) {
	h := newMaxHeap(4)
	for _, c := range []types.Candidate{
		{Id: 1, Distance: 5.0},
		{Id: 2, Distance: 8.0},
		{Id: 3, Distance: 2.0},
		{Id: 4, Distance: 8.0},
	} {
		h.push(c)
	}

	if top := h.peek(); top.Id != 4 || top.Distance != 8 {
		t.Fatalf("MaxHeap peek: got %+v, want slot 4 at 8", top)
	}

	sorted := h.sorted()
	wantIDs := []uint32{3, 1, 2, 4}
	for i, id := range wantIDs {
		if sorted[i].Id != id {
			t.Errorf("sorted[%d]: got slot %d, want %d", i, sorted[i].Id, id)
		}
	}
	if h.Len() != 0 {
		t.Errorf("sorted should drain the heap, %d left", h.Len())
	}
}

func TestBitSet(t *testing.T) {
	bs := NewBitSet(10)
	if bs.TestAndAdd(3) {
		t.Error("bit 3 reported set before Add")
	}
	if !bs.TestAndAdd(3) {
		t.Error("bit 3 not reported set after Add")
	}
	bs.Add(1000) // grows
	if !bs.Has(1000) || bs.Has(999) {
		t.Error("grow lost or invented bits")
	}
	bs.Clear()
	if bs.Has(3) || bs.Has(1000) {
		t.Error("Clear left bits set")
	}
}
