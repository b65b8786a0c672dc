package quantization

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/sanonone/genovec/pkg/core/distance"
)

const (
	defaultCentroids  = 256
	defaultIterations = 15
)

// ProductQuantizer splits vectors into M subvectors and replaces each with the
// index of its nearest centroid in a per-subspace k-means codebook.
type ProductQuantizer struct {
	dim        int
	metric     distance.DistanceMetric
	metricFn   distance.DistanceFuncF32
	m          int // subspaces
	subDim     int
	k          int // centroids per subspace after training
	maxK       int
	iterations int
	seed       int64

	// codebooks[s] is flattened: k * subDim
	codebooks [][]float32
	// centroidNorms[s*k+c] is the squared norm of centroid c of subspace s.
	centroidNorms []float32
	scratch       *scratchPool
}

func defaultSubvectors(dim int) int {
	if dim%2 == 0 {
		return dim / 2
	}
	return dim
}

func newProductQuantizer(cfg Config, fn distance.DistanceFuncF32) (*ProductQuantizer, error) {
	m := cfg.Subvectors
	if m <= 0 {
		m = defaultSubvectors(cfg.Dim)
	}
	if m > cfg.Dim || cfg.Dim%m != 0 {
		return nil, fmt.Errorf("product quantizer: %d subvectors do not divide dimension %d", m, cfg.Dim)
	}
	k := cfg.Centroids
	if k <= 0 {
		k = defaultCentroids
	}
	if k > 256 {
		return nil, fmt.Errorf("product quantizer: at most 256 centroids per subspace, got %d", k)
	}
	iters := cfg.Iterations
	if iters <= 0 {
		iters = defaultIterations
	}
	return &ProductQuantizer{
		dim:        cfg.Dim,
		metric:     cfg.Metric,
		metricFn:   fn,
		m:          m,
		subDim:     cfg.Dim / m,
		maxK:       k,
		iterations: iters,
		seed:       cfg.Seed,
		scratch:    newScratchPool(cfg.Dim),
	}, nil
}

func (pq *ProductQuantizer) Mode() Mode    { return Product }
func (pq *ProductQuantizer) Dim() int      { return pq.dim }
func (pq *ProductQuantizer) Trained() bool { return pq.codebooks != nil }
func (pq *ProductQuantizer) CodeSize() int { return pq.m }
func (pq *ProductQuantizer) CodebookBytes() int {
	return 4 * (pq.m*pq.k*pq.subDim + len(pq.centroidNorms))
}

// Subvectors returns the number of subspaces (the code length).
func (pq *ProductQuantizer) Subvectors() int { return pq.m }

// Train runs k-means independently per subspace. Subspaces train in parallel,
// each with its own rng derived from the seed so results are reproducible.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	n := len(vectors)
	if n == 0 {
		return fmt.Errorf("product quantizer: empty training set")
	}
	for _, v := range vectors {
		if err := checkDim(v, pq.dim); err != nil {
			return err
		}
	}
	k := min(pq.maxK, n)
	codebooks := make([][]float32, pq.m)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for s := 0; s < pq.m; s++ {
		s := s
		g.Go(func() error {
			flat := make([]float32, n*pq.subDim)
			for i, v := range vectors {
				copy(flat[i*pq.subDim:(i+1)*pq.subDim], v[s*pq.subDim:(s+1)*pq.subDim])
			}
			rng := rand.New(rand.NewSource(pq.seed + int64(s)))
			codebooks[s] = trainKMeans(flat, n, pq.subDim, k, pq.iterations, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pq.k = k
	pq.codebooks = codebooks
	pq.computeNorms()
	return nil
}

func (pq *ProductQuantizer) computeNorms() {
	pq.centroidNorms = make([]float32, pq.m*pq.k)
	for s, book := range pq.codebooks {
		for c := 0; c < pq.k; c++ {
			var n float32
			for _, x := range book[c*pq.subDim : (c+1)*pq.subDim] {
				n += x * x
			}
			pq.centroidNorms[s*pq.k+c] = n
		}
	}
}

func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if !pq.Trained() {
		return nil, ErrNotTrained
	}
	if err := checkDim(v, pq.dim); err != nil {
		return nil, err
	}
	code := make([]byte, pq.m)
	for s := 0; s < pq.m; s++ {
		sub := v[s*pq.subDim : (s+1)*pq.subDim]
		code[s] = byte(nearestCentroid(sub, pq.codebooks[s], pq.subDim, pq.k))
	}
	return code, nil
}

func (pq *ProductQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, pq.dim)
	pq.decodeInto(code, out)
	return out
}

func (pq *ProductQuantizer) decodeInto(code []byte, out []float32) {
	for s, c := range code[:pq.m] {
		idx := int(c)
		copy(out[s*pq.subDim:(s+1)*pq.subDim], pq.codebooks[s][idx*pq.subDim:(idx+1)*pq.subDim])
	}
}

// NewScorer builds the asymmetric distance tables of query: table[s*k+c] is the
// partial distance between subvector s of the query and centroid c. Scoring a
// code is then M table lookups.
func (pq *ProductQuantizer) NewScorer(query []float32) Scorer {
	k, m, subDim := pq.k, pq.m, pq.subDim
	table := make([]float32, m*k)
	for s := 0; s < m; s++ {
		qs := query[s*subDim : (s+1)*subDim]
		book := pq.codebooks[s]
		for c := 0; c < k; c++ {
			table[s*k+c] = pq.partial(qs, book[c*subDim:(c+1)*subDim])
		}
	}

	switch pq.metric {
	case distance.Euclidean:
		return func(code []byte) float64 {
			var sum float32
			for s, c := range code {
				sum += table[s*k+int(c)]
			}
			return math.Sqrt(float64(sum))
		}
	case distance.DotProduct:
		return func(code []byte) float64 {
			var dot float32
			for s, c := range code {
				dot += table[s*k+int(c)]
			}
			return -float64(dot)
		}
	case distance.Cosine:
		qNorm := distance.Norm(query)
		norms := pq.centroidNorms
		return func(code []byte) float64 {
			var dot, n float32
			for s, c := range code {
				dot += table[s*k+int(c)]
				n += norms[s*k+int(c)]
			}
			return distance.CosineFromParts(float64(dot), qNorm, math.Sqrt(float64(n)))
		}
	default:
		// manhattan and hamming are sums of per-subspace terms.
		return func(code []byte) float64 {
			var sum float32
			for s, c := range code {
				sum += table[s*k+int(c)]
			}
			return float64(sum)
		}
	}
}

// partial returns the table entry of one query subvector against one centroid.
func (pq *ProductQuantizer) partial(q, c []float32) float32 {
	var acc float32
	switch pq.metric {
	case distance.Euclidean:
		for i := range q {
			d := q[i] - c[i]
			acc += d * d
		}
	case distance.DotProduct, distance.Cosine:
		for i := range q {
			acc += q[i] * c[i]
		}
	case distance.Manhattan:
		for i := range q {
			d := q[i] - c[i]
			if d < 0 {
				d = -d
			}
			acc += d
		}
	default:
		for i := range q {
			if (q[i] > 0) != (c[i] > 0) {
				acc++
			}
		}
	}
	return acc
}

func (pq *ProductQuantizer) CodeDistance(a, b []byte) float64 {
	pa, pb := pq.scratch.get(), pq.scratch.get()
	defer pq.scratch.put(pa)
	defer pq.scratch.put(pb)
	pq.decodeInto(a, *pa)
	pq.decodeInto(b, *pb)
	d, _ := pq.metricFn(*pa, *pb)
	return d
}

func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeHeader(&buf, Product, pq.metric, pq.dim, pq.Trained())
	_ = binary.Write(&buf, binary.LittleEndian, [2]uint32{uint32(pq.m), uint32(pq.k)})
	for _, book := range pq.codebooks {
		_ = binary.Write(&buf, binary.LittleEndian, book)
	}
	return buf.Bytes(), nil
}

func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	trained, err := readHeader(r, Product, pq.metric, pq.dim)
	if err != nil {
		return err
	}
	var mk [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &mk); err != nil {
		return fmt.Errorf("product codebook: %w", err)
	}
	m, k := int(mk[0]), int(mk[1])
	if m == 0 || pq.dim%m != 0 || k > 256 {
		return fmt.Errorf("product codebook: invalid layout m=%d k=%d", m, k)
	}
	pq.m, pq.subDim = m, pq.dim/m
	if !trained {
		pq.k, pq.codebooks, pq.centroidNorms = 0, nil, nil
		return nil
	}
	books := make([][]float32, m)
	for s := range books {
		books[s] = make([]float32, k*pq.subDim)
		if err := binary.Read(r, binary.LittleEndian, books[s]); err != nil {
			return fmt.Errorf("product codebook subspace %d: %w", s, err)
		}
	}
	pq.k, pq.codebooks = k, books
	pq.computeNorms()
	return nil
}
