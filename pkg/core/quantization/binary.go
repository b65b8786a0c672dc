package quantization

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/sanonone/genovec/pkg/core/distance"
)

// BinaryQuantizer keeps one bit per dimension: set when the value exceeds the
// learned threshold of that dimension. A set bit decodes to threshold+spread and
// a clear one to threshold-spread.
//
// Hamming indexes use zero thresholds (plain sign bits), need no training and
// score codes with XOR and popcount. The other metrics learn per-dimension
// means from a sample first and score a float query against the decoded values
// through two lookup tables, which ranks far better than comparing sign bits
// of both sides.
type BinaryQuantizer struct {
	dim        int
	metric     distance.DistanceMetric
	metricFn   distance.DistanceFuncF32
	words      int
	thresholds []float32
	// spread is the mean absolute deviation around the threshold.
	spread  []float32
	trained bool
	scratch *scratchPool
}

func newBinaryQuantizer(cfg Config, fn distance.DistanceFuncF32) *BinaryQuantizer {
	bq := &BinaryQuantizer{
		dim:        cfg.Dim,
		metric:     cfg.Metric,
		metricFn:   fn,
		words:      distance.PackedWords(cfg.Dim),
		thresholds: make([]float32, cfg.Dim),
		spread:     make([]float32, cfg.Dim),
		scratch:    newScratchPool(cfg.Dim),
	}
	for i := range bq.spread {
		bq.spread[i] = 1
	}
	return bq
}

func (bq *BinaryQuantizer) Mode() Mode         { return Binary }
func (bq *BinaryQuantizer) Dim() int           { return bq.dim }
func (bq *BinaryQuantizer) CodeSize() int      { return bq.words * 8 }
func (bq *BinaryQuantizer) CodebookBytes() int { return 8 * bq.dim }

// Trained reports whether codes can be produced. Sign thresholds are a
// complete codebook for Hamming indexes.
func (bq *BinaryQuantizer) Trained() bool {
	return bq.trained || bq.metric == distance.Hamming
}

// Train sets each threshold to the per-dimension mean of the sample.
// Hamming indexes keep sign thresholds so codes agree with the metric.
func (bq *BinaryQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("binary quantizer: empty training set")
	}
	mean := make([]float64, bq.dim)
	for _, v := range vectors {
		if err := checkDim(v, bq.dim); err != nil {
			return err
		}
		for i, x := range v {
			mean[i] += float64(x)
		}
	}
	n := float64(len(vectors))
	for i := range mean {
		mean[i] /= n
	}
	if bq.metric == distance.Hamming {
		clear(mean)
	}
	spread := make([]float64, bq.dim)
	for _, v := range vectors {
		for i, x := range v {
			spread[i] += math.Abs(float64(x) - mean[i])
		}
	}
	for i := range mean {
		bq.thresholds[i] = float32(mean[i])
		s := float32(spread[i] / n)
		if s == 0 {
			s = 1
		}
		bq.spread[i] = s
	}
	bq.trained = true
	return nil
}

func (bq *BinaryQuantizer) pack(v []float32, dst []uint64) {
	clear(dst)
	for i, x := range v {
		if x > bq.thresholds[i] {
			dst[i>>6] |= 1 << (uint(i) & 63)
		}
	}
}

func (bq *BinaryQuantizer) Encode(v []float32) ([]byte, error) {
	if !bq.Trained() {
		return nil, ErrNotTrained
	}
	if err := checkDim(v, bq.dim); err != nil {
		return nil, err
	}
	words := make([]uint64, bq.words)
	bq.pack(v, words)
	code := make([]byte, bq.words*8)
	for w, word := range words {
		binary.LittleEndian.PutUint64(code[w*8:], word)
	}
	return code, nil
}

func (bq *BinaryQuantizer) decodeInto(code []byte, out []float32) {
	for i := range out {
		word := binary.LittleEndian.Uint64(code[(i>>6)*8:])
		if word&(1<<(uint(i)&63)) != 0 {
			out[i] = bq.thresholds[i] + bq.spread[i]
		} else {
			out[i] = bq.thresholds[i] - bq.spread[i]
		}
	}
}

// Decode maps every bit to threshold ± spread.
func (bq *BinaryQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, bq.dim)
	bq.decodeInto(code, out)
	return out
}

// NewScorer prepares the query once. For Hamming it packs the query bits;
// otherwise it tabulates, per dimension, the metric term of a clear bit and
// the change a set bit makes, so a code is scored by walking its set bits.
func (bq *BinaryQuantizer) NewScorer(query []float32) Scorer {
	if bq.metric == distance.Hamming {
		q := make([]uint64, bq.words)
		bq.pack(query, q)
		return func(code []byte) float64 {
			count := 0
			for w, word := range q {
				count += bits.OnesCount64(word ^ binary.LittleEndian.Uint64(code[w*8:]))
			}
			return float64(count)
		}
	}

	cosine := bq.metric == distance.Cosine
	var base, baseNorm float64
	delta := make([]float64, bq.dim)
	var deltaNorm []float64
	if cosine {
		deltaNorm = make([]float64, bq.dim)
	}
	for i, x := range query {
		q := float64(x)
		lo := float64(bq.thresholds[i] - bq.spread[i])
		hi := float64(bq.thresholds[i] + bq.spread[i])
		var off, on float64
		switch bq.metric {
		case distance.Euclidean:
			off, on = (q-lo)*(q-lo), (q-hi)*(q-hi)
		case distance.Manhattan:
			off, on = math.Abs(q-lo), math.Abs(q-hi)
		default:
			off, on = q*lo, q*hi
		}
		base += off
		delta[i] = on - off
		if cosine {
			baseNorm += lo * lo
			deltaNorm[i] = hi*hi - lo*lo
		}
	}
	qNorm := distance.Norm(query)

	return func(code []byte) float64 {
		sum, norm := base, baseNorm
		for w := 0; w < bq.words; w++ {
			word := binary.LittleEndian.Uint64(code[w*8:])
			for word != 0 {
				i := w<<6 + bits.TrailingZeros64(word)
				word &= word - 1
				sum += delta[i]
				if cosine {
					norm += deltaNorm[i]
				}
			}
		}
		switch bq.metric {
		case distance.Euclidean:
			return math.Sqrt(max(sum, 0))
		case distance.Manhattan:
			return sum
		case distance.Cosine:
			return distance.CosineFromParts(sum, qNorm, math.Sqrt(max(norm, 0)))
		default:
			return -sum
		}
	}
}

// CodeDistance compares two codes: by popcount for Hamming, otherwise by the
// metric over their decoded values.
func (bq *BinaryQuantizer) CodeDistance(a, b []byte) float64 {
	if bq.metric == distance.Hamming {
		count := 0
		for w := 0; w < bq.words; w++ {
			count += bits.OnesCount64(binary.LittleEndian.Uint64(a[w*8:]) ^ binary.LittleEndian.Uint64(b[w*8:]))
		}
		return float64(count)
	}
	pa, pb := bq.scratch.get(), bq.scratch.get()
	defer bq.scratch.put(pa)
	defer bq.scratch.put(pb)
	bq.decodeInto(a, *pa)
	bq.decodeInto(b, *pb)
	d, _ := bq.metricFn(*pa, *pb)
	return d
}

func (bq *BinaryQuantizer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, Binary, bq.metric, bq.dim, bq.trained)
	_ = binary.Write(&buf, binary.LittleEndian, bq.thresholds)
	_ = binary.Write(&buf, binary.LittleEndian, bq.spread)
	return buf.Bytes(), nil
}

func (bq *BinaryQuantizer) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	trained, err := readHeader(r, Binary, bq.metric, bq.dim)
	if err != nil {
		return err
	}
	thresholds, spread := make([]float32, bq.dim), make([]float32, bq.dim)
	if err := binary.Read(r, binary.LittleEndian, thresholds); err != nil {
		return fmt.Errorf("binary codebook thresholds: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, spread); err != nil {
		return fmt.Errorf("binary codebook spread: %w", err)
	}
	bq.thresholds, bq.spread, bq.trained = thresholds, spread, trained
	return nil
}
