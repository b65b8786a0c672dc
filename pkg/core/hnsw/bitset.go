package hnsw

import "sync"

// BitSet tracks visited slots during a traversal.
type BitSet struct {
	buckets []uint64
}

func NewBitSet(initialCapacity uint32) *BitSet {
	numBuckets := (initialCapacity >> 6) + 1 // >> 6 == / 64
	return &BitSet{
		buckets: make([]uint64, numBuckets),
	}
}

func (bs *BitSet) grow(n uint32) {
	neededBuckets := (n >> 6) + 1
	if uint32(len(bs.buckets)) < neededBuckets {
		newBuckets := make([]uint64, neededBuckets)
		copy(newBuckets, bs.buckets)
		bs.buckets = newBuckets
	}
}

func (bs *BitSet) Add(n uint32) {
	bucketIndex := n >> 6
	if bucketIndex >= uint32(len(bs.buckets)) {
		bs.grow(n)
	}
	// n & 63 == n % 64
	bs.buckets[bucketIndex] |= 1 << (n & 63)
}

// TestAndAdd sets bit n and reports whether it was already set.
func (bs *BitSet) TestAndAdd(n uint32) bool {
	if bs.Has(n) {
		return true
	}
	bs.Add(n)
	return false
}

func (bs *BitSet) Has(n uint32) bool {
	bucketIndex := n >> 6
	if bucketIndex >= uint32(len(bs.buckets)) {
		return false
	}
	return bs.buckets[bucketIndex]&(1<<(n&63)) != 0
}

func (bs *BitSet) Clear() {
	clear(bs.buckets)
}

func (bs *BitSet) EnsureCapacity(maxVal uint32) {
	if uint32(len(bs.buckets)) < (maxVal>>6)+1 {
		bs.grow(maxVal)
	}
}

// visitedPool recycles BitSets across concurrent searches.
type visitedPool struct {
	pool sync.Pool
}

func (p *visitedPool) get(capacity int) *BitSet {
	if bs, ok := p.pool.Get().(*BitSet); ok {
		bs.EnsureCapacity(uint32(capacity))
		return bs
	}
	return NewBitSet(uint32(capacity))
}

func (p *visitedPool) put(bs *BitSet) {
	bs.Clear()
	p.pool.Put(bs)
}
