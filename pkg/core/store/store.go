// Package store owns the vectors and metadata addressed by arena slots.
//
// A Store is the distance space of the graph index: slot i of the store and
// node i of the graph describe the same record. Vectors are kept either raw
// (quantization mode none) or as fixed-size codes produced by a quantizer,
// optionally with the raw vectors alongside for exact rescoring.
// Slots are appended, tombstoned by Remove and renumbered by Compact; they are
// never reused. A Store is not synchronized.
package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/types"
)

// Store is a slot arena of vectors, ids and metadata.
type Store struct {
	dim    int
	metric distance.DistanceMetric
	distFn distance.DistanceFuncF32

	// quant is nil in mode none; raw then holds dim floats per slot.
	quant    quantization.Quantizer
	codeSize int
	raw      []float32
	codes    []byte
	// full keeps raw next to codes in a quantized store.
	full bool

	ids   []string
	meta  []metadata.Metadata
	byID  map[string]uint32
	live  *roaring.Bitmap
	index *metadata.Index
}

// Option configures a Store.
type Option func(*Store)

// WithFullVectors keeps the float32 vector of every slot next to its code so
// that Rescore and Scan can use exact distances. It has no effect on raw
// storage. The stored representation of a slot becomes its code followed by
// the little-endian vector.
func WithFullVectors() Option {
	return func(s *Store) { s.full = true }
}

// New creates an empty store. q may be nil for raw storage; otherwise its
// dimension and metric must match.
func New(dim int, metric distance.DistanceMetric, q quantization.Quantizer, opts ...Option) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("store dimension must be positive, got %d", dim)
	}
	fn, err := distance.GetFloat32Func(metric)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dim:    dim,
		metric: metric,
		distFn: fn,
		quant:  q,
		byID:   make(map[string]uint32),
		live:   roaring.New(),
		index:  metadata.NewIndex(),
	}
	if q != nil {
		if q.Dim() != dim {
			return nil, fmt.Errorf("quantizer dimension %d does not match store dimension %d", q.Dim(), dim)
		}
		s.codeSize = q.CodeSize()
		for _, opt := range opts {
			opt(s)
		}
	}
	return s, nil
}

func (s *Store) Dim() int                          { return s.dim }
func (s *Store) Metric() distance.DistanceMetric   { return s.metric }
func (s *Store) Quantizer() quantization.Quantizer { return s.quant }

// Len is the number of live records.
func (s *Store) Len() int { return len(s.byID) }

// Slots is the arena size, tombstones included.
func (s *Store) Slots() int { return len(s.ids) }

func (s *Store) IsLive(slot uint32) bool { return s.live.Contains(slot) }

// Metadata returns the metadata of slot. Callers must not modify it.
func (s *Store) Metadata(slot uint32) metadata.Metadata { return s.meta[slot] }

// Mode returns the quantization mode of the stored vectors.
func (s *Store) Mode() quantization.Mode {
	if s.quant == nil {
		return quantization.None
	}
	return s.quant.Mode()
}

// FullVectors reports whether exact vectors are available for every slot.
func (s *Store) FullVectors() bool { return s.quant == nil || s.full }

// Live returns the bitmap of live slots. Callers must not modify it.
func (s *Store) Live() *roaring.Bitmap { return s.live }

// Contains reports whether id is live.
func (s *Store) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Lookup returns the slot of a live id.
func (s *Store) Lookup(id string) (uint32, bool) {
	slot, ok := s.byID[id]
	return slot, ok
}

// ID returns the id stored at slot, empty for tombstones.
func (s *Store) ID(slot uint32) string { return s.ids[slot] }

// Encode turns v into the stored representation. It is safe to call
// concurrently as long as the quantizer is not being trained.
func (s *Store) Encode(v []float32) ([]byte, error) {
	if len(v) != s.dim {
		return nil, types.DimensionError("encode", s.dim, len(v))
	}
	if s.quant == nil {
		return encodeRaw(v), nil
	}
	code, err := s.quant.Encode(v)
	if err != nil || !s.full {
		return code, err
	}
	return append(code, encodeRaw(v)...), nil
}

// Train fits the quantizer on samples. It is only allowed once, while the
// arena is empty, since existing codes would not survive a new codebook.
func (s *Store) Train(samples [][]float32) error {
	if s.quant == nil {
		return nil
	}
	if s.quant.Trained() {
		return quantization.ErrAlreadyTrained
	}
	if len(s.ids) > 0 {
		return fmt.Errorf("cannot retrain quantizer of a store holding %d slots", len(s.ids))
	}
	return s.quant.Train(samples)
}

// Trained reports whether vectors can be encoded.
func (s *Store) Trained() bool { return s.quant == nil || s.quant.Trained() }

// Append stores a record under the next slot. code must come from Encode.
func (s *Store) Append(id string, code []byte, md metadata.Metadata) (uint32, error) {
	if id == "" {
		return 0, types.NewValidationError("insert", types.ErrInvalidParameter, "empty id")
	}
	if _, dup := s.byID[id]; dup {
		return 0, types.NewValidationError("insert", types.ErrDuplicateID, "id %q", id)
	}
	slot, err := s.push(id, code, md)
	if err != nil {
		return 0, err
	}
	s.byID[id] = slot
	s.live.Add(slot)
	s.index.Add(slot, md)
	return slot, nil
}

func (s *Store) push(id string, code []byte, md metadata.Metadata) (uint32, error) {
	if uint64(len(s.ids)) >= math.MaxUint32 {
		return 0, fmt.Errorf("slot arena is full")
	}
	if s.quant == nil {
		if len(code) != 4*s.dim {
			return 0, fmt.Errorf("raw vector has %d bytes, want %d", len(code), 4*s.dim)
		}
		s.appendRaw(code)
	} else {
		want := s.codeSize
		if s.full {
			want += 4 * s.dim
		}
		if len(code) != want {
			return 0, fmt.Errorf("code has %d bytes, want %d", len(code), want)
		}
		s.codes = append(s.codes, code[:s.codeSize]...)
		if s.full {
			s.appendRaw(code[s.codeSize:])
		}
	}
	slot := uint32(len(s.ids))
	s.ids = append(s.ids, id)
	s.meta = append(s.meta, md)
	return slot, nil
}

func (s *Store) appendRaw(b []byte) {
	for i := 0; i < s.dim; i++ {
		s.raw = append(s.raw, math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:])))
	}
}

// Restore appends a slot read back from a snapshot. Dead slots keep their
// vector so that the arena stays aligned with the graph.
func (s *Store) Restore(id string, live bool, code []byte, md metadata.Metadata) (uint32, error) {
	if !live {
		return s.push("", code, nil)
	}
	return s.Append(id, code, md)
}

// Remove tombstones slot. It reports false when the slot is not live.
func (s *Store) Remove(slot uint32) bool {
	if !s.live.Contains(slot) {
		return false
	}
	s.index.Remove(slot, s.meta[slot])
	delete(s.byID, s.ids[slot])
	s.live.Remove(slot)
	s.ids[slot] = ""
	s.meta[slot] = nil
	return true
}

// Vector returns the stored vector of slot, reconstructed from its code in
// quantized modes without full vectors.
func (s *Store) Vector(slot uint32) []float32 {
	if s.FullVectors() {
		out := make([]float32, s.dim)
		copy(out, s.rawAt(slot))
		return out
	}
	return s.quant.Decode(s.codeAt(slot))
}

// Code returns the stored bytes of slot; raw vectors are little-endian float32.
func (s *Store) Code(slot uint32) []byte {
	if s.quant == nil {
		return encodeRaw(s.rawAt(slot))
	}
	if s.full {
		out := make([]byte, 0, s.codeSize+4*s.dim)
		out = append(out, s.codeAt(slot)...)
		return append(out, encodeRaw(s.rawAt(slot))...)
	}
	return s.codeAt(slot)
}

func (s *Store) rawAt(slot uint32) []float32 {
	off := int(slot) * s.dim
	return s.raw[off : off+s.dim : off+s.dim]
}

func (s *Store) codeAt(slot uint32) []byte {
	off := int(slot) * s.codeSize
	return s.codes[off : off+s.codeSize : off+s.codeSize]
}

func encodeRaw(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
	}
	return out
}

// QueryScorer implements hnsw.Space.
func (s *Store) QueryScorer(query []float32) func(slot uint32) float64 {
	if s.quant == nil {
		fn := s.distFn
		return func(slot uint32) float64 {
			d, _ := fn(query, s.rawAt(slot))
			return d
		}
	}
	score := s.quant.NewScorer(query)
	return func(slot uint32) float64 {
		return score(s.codeAt(slot))
	}
}

// exactScorer scores slots by their full vectors when the store has them.
func (s *Store) exactScorer(query []float32) func(slot uint32) float64 {
	if !s.FullVectors() {
		return s.QueryScorer(query)
	}
	fn := s.distFn
	return func(slot uint32) float64 {
		d, _ := fn(query, s.rawAt(slot))
		return d
	}
}

// Rescore replaces the distances of cands with exact ones and sorts them by
// distance, then slot. Without full vectors cands is returned unchanged.
func (s *Store) Rescore(query []float32, cands []types.Candidate) []types.Candidate {
	if !s.FullVectors() {
		return cands
	}
	score := s.exactScorer(query)
	for i := range cands {
		cands[i].Distance = score(cands[i].Id)
	}
	sort.Slice(cands, func(i, j int) bool { return worse(cands[j], cands[i]) })
	return cands
}

// SlotDistance implements hnsw.Space.
func (s *Store) SlotDistance(a, b uint32) float64 {
	if s.quant == nil {
		d, _ := s.distFn(s.rawAt(a), s.rawAt(b))
		return d
	}
	return s.quant.CodeDistance(s.codeAt(a), s.codeAt(b))
}

// Resolve returns the live slots matching f.
func (s *Store) Resolve(f *metadata.Filter) *roaring.Bitmap {
	return s.index.Resolve(f, s.live)
}

// Compact renumbers the arena following remap, where remap[old] is the new
// slot or -1 for a dropped one. New slots must preserve the relative order of
// the kept ones, as produced by the graph.
func (s *Store) Compact(remap []int32) error {
	if len(remap) != len(s.ids) {
		return types.Inconsistent("compaction remap covers %d slots, store has %d", len(remap), len(s.ids))
	}
	kept := 0
	for old, to := range remap {
		if to < 0 {
			if s.live.Contains(uint32(old)) {
				return types.Inconsistent("compaction drops live slot %d", old)
			}
			continue
		}
		if int(to) != kept {
			return types.Inconsistent("compaction maps slot %d to %d, want %d", old, to, kept)
		}
		if kept != old {
			if s.FullVectors() {
				copy(s.raw[kept*s.dim:], s.rawAt(uint32(old)))
			}
			if s.quant != nil {
				copy(s.codes[kept*s.codeSize:], s.codeAt(uint32(old)))
			}
			s.ids[kept] = s.ids[old]
			s.meta[kept] = s.meta[old]
		}
		kept++
	}
	for i := kept; i < len(s.ids); i++ {
		s.meta[i] = nil
	}
	s.ids = s.ids[:kept]
	s.meta = s.meta[:kept]
	if s.FullVectors() {
		s.raw = s.raw[:kept*s.dim]
	}
	if s.quant != nil {
		s.codes = s.codes[:kept*s.codeSize]
	}

	s.byID = make(map[string]uint32, kept)
	s.live = roaring.New()
	s.index.Reset()
	for i := 0; i < kept; i++ {
		slot := uint32(i)
		if s.ids[i] == "" {
			return types.Inconsistent("compacted slot %d has no id", i)
		}
		s.byID[s.ids[i]] = slot
		s.live.Add(slot)
		s.index.Add(slot, s.meta[i])
	}
	return nil
}

// MemoryBytes estimates the heap held by vectors, ids and metadata.
func (s *Store) MemoryBytes() int64 {
	total := int64(cap(s.raw))*4 + int64(cap(s.codes))
	if s.quant != nil {
		total += int64(s.quant.CodebookBytes())
	}
	for _, id := range s.ids {
		total += int64(len(id)) + 16
	}
	total += int64(len(s.byID)) * 24
	total += int64(s.live.GetSizeInBytes())
	total += s.index.MemoryBytes()
	return total
}
