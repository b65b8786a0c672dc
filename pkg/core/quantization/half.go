package quantization

import (
	"bytes"
	"encoding/binary"

	"github.com/x448/float16"

	"github.com/sanonone/genovec/pkg/core/distance"
)

// HalfQuantizer stores each dimension as an IEEE 754 half-precision float.
// It has no codebook and needs no training.
type HalfQuantizer struct {
	dim      int
	metric   distance.DistanceMetric
	metricFn distance.DistanceFuncF32
	scratch  *scratchPool
}

func newHalfQuantizer(cfg Config, fn distance.DistanceFuncF32) *HalfQuantizer {
	return &HalfQuantizer{
		dim:      cfg.Dim,
		metric:   cfg.Metric,
		metricFn: fn,
		scratch:  newScratchPool(cfg.Dim),
	}
}

func (hq *HalfQuantizer) Mode() Mode         { return Half }
func (hq *HalfQuantizer) Dim() int           { return hq.dim }
func (hq *HalfQuantizer) Trained() bool      { return true }
func (hq *HalfQuantizer) CodeSize() int      { return hq.dim * 2 }
func (hq *HalfQuantizer) CodebookBytes() int { return 0 }

// Train is a no-op: half precision has no codebook.
func (hq *HalfQuantizer) Train(vectors [][]float32) error { return nil }

func (hq *HalfQuantizer) Encode(v []float32) ([]byte, error) {
	if err := checkDim(v, hq.dim); err != nil {
		return nil, err
	}
	code := make([]byte, hq.dim*2)
	for i, x := range v {
		binary.LittleEndian.PutUint16(code[i*2:], float16.Fromfloat32(x).Bits())
	}
	return code, nil
}

func (hq *HalfQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, hq.dim)
	hq.decodeInto(code, out)
	return out
}

func (hq *HalfQuantizer) decodeInto(code []byte, out []float32) {
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(code[i*2:])).Float32()
	}
}

// NewScorer widens each code into a pooled buffer and runs the float32 kernel.
func (hq *HalfQuantizer) NewScorer(query []float32) Scorer {
	return func(code []byte) float64 {
		p := hq.scratch.get()
		defer hq.scratch.put(p)
		hq.decodeInto(code, *p)
		d, _ := hq.metricFn(query, *p)
		return d
	}
}

func (hq *HalfQuantizer) CodeDistance(a, b []byte) float64 {
	pa, pb := hq.scratch.get(), hq.scratch.get()
	defer hq.scratch.put(pa)
	defer hq.scratch.put(pb)
	hq.decodeInto(a, *pa)
	hq.decodeInto(b, *pb)
	d, _ := hq.metricFn(*pa, *pb)
	return d
}

func (hq *HalfQuantizer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, Half, hq.metric, hq.dim, true)
	return buf.Bytes(), nil
}

func (hq *HalfQuantizer) UnmarshalBinary(data []byte) error {
	_, err := readHeader(bytes.NewReader(data), Half, hq.metric, hq.dim)
	return err
}
