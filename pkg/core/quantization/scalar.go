package quantization

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sanonone/genovec/pkg/core/distance"
)

const defaultBlockSize = 32

// ScalarQuantizer maps every dimension to one byte with an affine transform
// shared by each block of BlockSize consecutive dimensions.
type ScalarQuantizer struct {
	dim       int
	metric    distance.DistanceMetric
	metricFn  distance.DistanceFuncF32
	blockSize int
	scales    []float32
	offsets   []float32
	trained   bool
	scratch   *scratchPool
}

func newScalarQuantizer(cfg Config, fn distance.DistanceFuncF32) *ScalarQuantizer {
	bs := cfg.BlockSize
	if bs <= 0 {
		bs = defaultBlockSize
	}
	if bs > cfg.Dim {
		bs = cfg.Dim
	}
	blocks := (cfg.Dim + bs - 1) / bs
	return &ScalarQuantizer{
		dim:       cfg.Dim,
		metric:    cfg.Metric,
		metricFn:  fn,
		blockSize: bs,
		scales:    make([]float32, blocks),
		offsets:   make([]float32, blocks),
		scratch:   newScratchPool(cfg.Dim),
	}
}

func (sq *ScalarQuantizer) Mode() Mode    { return Scalar }
func (sq *ScalarQuantizer) Dim() int      { return sq.dim }
func (sq *ScalarQuantizer) Trained() bool { return sq.trained }
func (sq *ScalarQuantizer) CodeSize() int { return sq.dim }
func (sq *ScalarQuantizer) CodebookBytes() int {
	return 8 * len(sq.scales)
}

func (sq *ScalarQuantizer) blocks() int { return len(sq.scales) }

// Train records the min/max of every block over the sample.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("scalar quantizer: empty training set")
	}
	for b := 0; b < sq.blocks(); b++ {
		lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
		start, end := b*sq.blockSize, min((b+1)*sq.blockSize, sq.dim)
		for _, v := range vectors {
			if err := checkDim(v, sq.dim); err != nil {
				return err
			}
			for _, x := range v[start:end] {
				if x < lo {
					lo = x
				}
				if x > hi {
					hi = x
				}
			}
		}
		if hi <= lo {
			hi = lo + 1e-6
		}
		sq.offsets[b] = lo
		sq.scales[b] = (hi - lo) / 255
	}
	sq.trained = true
	return nil
}

// Encode quantizes v. Values outside the trained range are clamped.
func (sq *ScalarQuantizer) Encode(v []float32) ([]byte, error) {
	if !sq.trained {
		return nil, ErrNotTrained
	}
	if err := checkDim(v, sq.dim); err != nil {
		return nil, err
	}
	code := make([]byte, sq.dim)
	for b := 0; b < sq.blocks(); b++ {
		start, end := b*sq.blockSize, min((b+1)*sq.blockSize, sq.dim)
		s, o := sq.scales[b], sq.offsets[b]
		for i := start; i < end; i++ {
			q := math.Round(float64((v[i] - o) / s))
			if q < 0 {
				q = 0
			} else if q > 255 {
				q = 255
			}
			code[i] = byte(q)
		}
	}
	return code, nil
}

func (sq *ScalarQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, sq.dim)
	sq.decodeInto(code, out)
	return out
}

func (sq *ScalarQuantizer) decodeInto(code []byte, out []float32) {
	for b := 0; b < sq.blocks(); b++ {
		start, end := b*sq.blockSize, min((b+1)*sq.blockSize, sq.dim)
		s, o := sq.scales[b], sq.offsets[b]
		for i := start; i < end; i++ {
			out[i] = o + s*float32(code[i])
		}
	}
}

// NewScorer returns a scorer that reconstructs each dimension on the fly
// inside the metric loop, never allocating the approximate vector.
func (sq *ScalarQuantizer) NewScorer(query []float32) Scorer {
	bs, dim := sq.blockSize, sq.dim
	scales, offsets := sq.scales, sq.offsets
	switch sq.metric {
	case distance.Euclidean:
		return func(code []byte) float64 {
			var sum float32
			for b := range scales {
				s, o := scales[b], offsets[b]
				for i := b * bs; i < min((b+1)*bs, dim); i++ {
					d := query[i] - (o + s*float32(code[i]))
					sum += d * d
				}
			}
			return math.Sqrt(float64(sum))
		}
	case distance.DotProduct:
		return func(code []byte) float64 {
			var dot float32
			for b := range scales {
				s, o := scales[b], offsets[b]
				for i := b * bs; i < min((b+1)*bs, dim); i++ {
					dot += query[i] * (o + s*float32(code[i]))
				}
			}
			return -float64(dot)
		}
	case distance.Cosine:
		qNorm := distance.Norm(query)
		return func(code []byte) float64 {
			var dot, n float32
			for b := range scales {
				s, o := scales[b], offsets[b]
				for i := b * bs; i < min((b+1)*bs, dim); i++ {
					x := o + s*float32(code[i])
					dot += query[i] * x
					n += x * x
				}
			}
			return distance.CosineFromParts(float64(dot), qNorm, math.Sqrt(float64(n)))
		}
	case distance.Manhattan:
		return func(code []byte) float64 {
			var sum float32
			for b := range scales {
				s, o := scales[b], offsets[b]
				for i := b * bs; i < min((b+1)*bs, dim); i++ {
					d := query[i] - (o + s*float32(code[i]))
					if d < 0 {
						d = -d
					}
					sum += d
				}
			}
			return float64(sum)
		}
	default:
		return func(code []byte) float64 {
			count := 0
			for b := range scales {
				s, o := scales[b], offsets[b]
				for i := b * bs; i < min((b+1)*bs, dim); i++ {
					if (query[i] > 0) != (o+s*float32(code[i]) > 0) {
						count++
					}
				}
			}
			return float64(count)
		}
	}
}

func (sq *ScalarQuantizer) CodeDistance(a, b []byte) float64 {
	pa, pb := sq.scratch.get(), sq.scratch.get()
	defer sq.scratch.put(pa)
	defer sq.scratch.put(pb)
	sq.decodeInto(a, *pa)
	sq.decodeInto(b, *pb)
	d, _ := sq.metricFn(*pa, *pb)
	return d
}

func (sq *ScalarQuantizer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, Scalar, sq.metric, sq.dim, sq.trained)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sq.blockSize))
	_ = binary.Write(&buf, binary.LittleEndian, sq.scales)
	_ = binary.Write(&buf, binary.LittleEndian, sq.offsets)
	return buf.Bytes(), nil
}

func (sq *ScalarQuantizer) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	trained, err := readHeader(r, Scalar, sq.metric, sq.dim)
	if err != nil {
		return err
	}
	var bs uint32
	if err := binary.Read(r, binary.LittleEndian, &bs); err != nil {
		return fmt.Errorf("scalar codebook: %w", err)
	}
	if bs == 0 || int(bs) > sq.dim {
		return fmt.Errorf("scalar codebook: invalid block size %d", bs)
	}
	blocks := (sq.dim + int(bs) - 1) / int(bs)
	scales, offsets := make([]float32, blocks), make([]float32, blocks)
	if err := binary.Read(r, binary.LittleEndian, scales); err != nil {
		return fmt.Errorf("scalar codebook scales: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, offsets); err != nil {
		return fmt.Errorf("scalar codebook offsets: %w", err)
	}
	sq.blockSize, sq.scales, sq.offsets, sq.trained = int(bs), scales, offsets, trained
	return nil
}
