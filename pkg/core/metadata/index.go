package metadata

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/btree"
)

// numEntry is a B-tree item of a numeric key: its value and the owning slot.
type numEntry struct {
	value float64
	slot  uint32
}

func numEntryLess(a, b numEntry) bool {
	if a.value != b.value {
		return a.value < b.value
	}
	// Equal values are kept distinct by slot.
	return a.slot < b.slot
}

// Index is the secondary index over slot metadata. String and bool values go
// to an inverted index of roaring bitmaps, numbers to one B-tree per key so
// range conditions are resolved without scanning. Index is not synchronized.
type Index struct {
	terms   map[string]map[Value]*roaring.Bitmap
	numbers map[string]*btree.BTreeG[numEntry]
}

func NewIndex() *Index {
	return &Index{
		terms:   make(map[string]map[Value]*roaring.Bitmap),
		numbers: make(map[string]*btree.BTreeG[numEntry]),
	}
}

// Add indexes the metadata of slot.
func (ix *Index) Add(slot uint32, md Metadata) {
	for key, v := range md {
		if v.IsNumber() {
			tree, ok := ix.numbers[key]
			if !ok {
				tree = btree.NewBTreeG[numEntry](numEntryLess)
				ix.numbers[key] = tree
			}
			tree.Set(numEntry{value: v.n, slot: slot})
			continue
		}
		values, ok := ix.terms[key]
		if !ok {
			values = make(map[Value]*roaring.Bitmap)
			ix.terms[key] = values
		}
		bm, ok := values[v]
		if !ok {
			bm = roaring.New()
			values[v] = bm
		}
		bm.Add(slot)
	}
}

// Remove drops slot from the postings of md.
func (ix *Index) Remove(slot uint32, md Metadata) {
	for key, v := range md {
		if v.IsNumber() {
			if tree, ok := ix.numbers[key]; ok {
				tree.Delete(numEntry{value: v.n, slot: slot})
				if tree.Len() == 0 {
					delete(ix.numbers, key)
				}
			}
			continue
		}
		values, ok := ix.terms[key]
		if !ok {
			continue
		}
		if bm, ok := values[v]; ok {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(values, v)
			}
		}
		if len(values) == 0 {
			delete(ix.terms, key)
		}
	}
}

// Reset empties the index.
func (ix *Index) Reset() {
	ix.terms = make(map[string]map[Value]*roaring.Bitmap)
	ix.numbers = make(map[string]*btree.BTreeG[numEntry])
}

// Resolve returns the slots of universe matching every condition of f.
// A nil filter resolves to a copy of universe.
func (ix *Index) Resolve(f *Filter, universe *roaring.Bitmap) *roaring.Bitmap {
	result := universe.Clone()
	for _, c := range f.Conditions() {
		var bm *roaring.Bitmap
		switch {
		case c.Op == OpEq:
			bm = ix.equal(c.Key, c.Value)
		case c.Op == OpIn:
			bm = roaring.New()
			for _, v := range c.Values {
				bm.Or(ix.equal(c.Key, v))
			}
		case c.Op == OpNe:
			bm = roaring.AndNot(universe, ix.equal(c.Key, c.Value))
		case c.Value.IsNumber():
			bm = ix.numericRange(c.Key, c.Op, c.Value.n)
		default:
			bm = ix.stringRange(c)
		}
		result.And(bm)
		if result.IsEmpty() {
			break
		}
	}
	return result
}

func (ix *Index) equal(key string, v Value) *roaring.Bitmap {
	if v.IsNumber() {
		return ix.numericRange(key, OpEq, v.n)
	}
	if bm, ok := ix.terms[key][v]; ok {
		return bm
	}
	return roaring.New()
}

func (ix *Index) numericRange(key string, op Op, pivot float64) *roaring.Bitmap {
	out := roaring.New()
	tree, ok := ix.numbers[key]
	if !ok {
		return out
	}
	switch op {
	case OpEq, OpGte:
		tree.Ascend(numEntry{value: pivot}, func(item numEntry) bool {
			if op == OpEq && item.value != pivot {
				return false
			}
			out.Add(item.slot)
			return true
		})
	case OpGt:
		tree.Ascend(numEntry{value: pivot, slot: math.MaxUint32}, func(item numEntry) bool {
			if item.value > pivot {
				out.Add(item.slot)
			}
			return true
		})
	case OpLt, OpLte:
		tree.Ascend(numEntry{value: math.Inf(-1)}, func(item numEntry) bool {
			if item.value > pivot || (op == OpLt && item.value == pivot) {
				return false
			}
			out.Add(item.slot)
			return true
		})
	}
	return out
}

func (ix *Index) stringRange(c Condition) *roaring.Bitmap {
	out := roaring.New()
	for v, bm := range ix.terms[c.Key] {
		cmp, ok := v.Compare(c.Value)
		if !ok {
			continue
		}
		if (c.Op == OpLt && cmp < 0) || (c.Op == OpLte && cmp <= 0) ||
			(c.Op == OpGt && cmp > 0) || (c.Op == OpGte && cmp >= 0) {
			out.Or(bm)
		}
	}
	return out
}

// MemoryBytes estimates the heap held by the postings and trees.
func (ix *Index) MemoryBytes() int64 {
	var total int64
	for key, values := range ix.terms {
		total += int64(len(key))
		for v, bm := range values {
			total += int64(len(v.s)) + 40 + int64(bm.GetSizeInBytes())
		}
	}
	for key, tree := range ix.numbers {
		total += int64(len(key)) + int64(tree.Len())*16
	}
	return total
}
