// Package quantization implements the lossy vector codecs used by the vector store.
//
// Four codecs are available besides raw storage: scalar (per-block affine 8-bit),
// product (per-subvector k-means codebooks), binary (one threshold bit per dimension)
// and half (IEEE 754 binary16). Every codec can score a float32 query directly
// against stored codes through a Scorer, so search never has to materialize the
// approximate vectors of the nodes it visits.
package quantization

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sanonone/genovec/pkg/core/distance"
)

// Mode selects the quantization codec of an index. It is fixed at construction.
type Mode string

const (
	None    Mode = "none"
	Scalar  Mode = "scalar"
	Product Mode = "product"
	Binary  Mode = "binary"
	Half    Mode = "half"
)

var modeIDs = map[Mode]uint8{
	None:    0,
	Scalar:  1,
	Product: 2,
	Binary:  3,
	Half:    4,
}

var (
	// ErrNotTrained is returned when a codec that needs a codebook is used before Train.
	ErrNotTrained = errors.New("quantizer not trained")
	// ErrModeMismatch is returned when a serialized codebook belongs to another codec.
	ErrModeMismatch = errors.New("quantization mode mismatch")
	// ErrAlreadyTrained is returned when a fitted codebook would be replaced.
	ErrAlreadyTrained = errors.New("quantizer already trained")
)

// ParseMode converts a user supplied name into a Mode. Empty selects None.
func ParseMode(name string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(name)))
	if m == "" {
		return None, nil
	}
	if m == "float16" || m == "f16" {
		return Half, nil
	}
	if m == "pq" {
		return Product, nil
	}
	if _, ok := modeIDs[m]; !ok {
		return "", fmt.Errorf("unknown quantization mode '%s'", name)
	}
	return m, nil
}

// ID returns the stable identifier written to snapshot headers.
func (m Mode) ID() uint8 { return modeIDs[m] }

// ModeFromID is the inverse of Mode.ID.
func ModeFromID(id uint8) (Mode, error) {
	for m, mid := range modeIDs {
		if mid == id {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown quantization mode id %d", id)
}

// Scorer returns the distance between a prepared query and one stored code.
type Scorer func(code []byte) float64

// Quantizer is a trained (or trainable) codec bound to one dimension and metric.
type Quantizer interface {
	Mode() Mode
	Dim() int
	Trained() bool
	// Train learns the codebook from sample vectors. Training again replaces it.
	Train(vectors [][]float32) error
	// Encode compresses v into a code of CodeSize bytes.
	Encode(v []float32) ([]byte, error)
	// Decode reconstructs the approximate vector of a code.
	Decode(code []byte) []float32
	CodeSize() int
	// CodebookBytes is the memory held by the trained codebook.
	CodebookBytes() int
	// NewScorer prepares an asymmetric scorer for query.
	NewScorer(query []float32) Scorer
	// CodeDistance compares two stored codes.
	CodeDistance(a, b []byte) float64
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Config describes the codec to build.
type Config struct {
	Mode   Mode
	Dim    int
	Metric distance.DistanceMetric
	// BlockSize is the number of consecutive dimensions sharing one scale/offset
	// pair in scalar mode. Default 32.
	BlockSize int
	// Subvectors is the number of product-quantization subspaces. It must divide Dim.
	// Default: Dim/2 (two dimensions per byte), or Dim when Dim is odd.
	Subvectors int
	// Centroids per subspace in product mode, at most 256. Default 256.
	Centroids int
	// Iterations of Lloyd's algorithm in product mode. Default 15.
	Iterations int
	Seed       int64
}

// New builds an untrained quantizer. Mode None has no codec and is rejected.
func New(cfg Config) (Quantizer, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("quantizer dimension must be positive, got %d", cfg.Dim)
	}
	metricFn, err := distance.GetFloat32Func(cfg.Metric)
	if err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case Scalar:
		return newScalarQuantizer(cfg, metricFn), nil
	case Product:
		return newProductQuantizer(cfg, metricFn)
	case Binary:
		return newBinaryQuantizer(cfg, metricFn), nil
	case Half:
		return newHalfQuantizer(cfg, metricFn), nil
	case None:
		return nil, fmt.Errorf("mode '%s' stores raw vectors and has no quantizer", cfg.Mode)
	default:
		return nil, fmt.Errorf("unknown quantization mode '%s'", cfg.Mode)
	}
}

// CompressionRatio returns raw float32 bytes divided by code bytes.
func CompressionRatio(q Quantizer) float64 {
	if q == nil || q.CodeSize() == 0 {
		return 1
	}
	return float64(q.Dim()*4) / float64(q.CodeSize())
}

// --- shared helpers ---

// scratchPool hands out float32 buffers for symmetric code-to-code distances.
type scratchPool struct {
	pool sync.Pool
	dim  int
}

func newScratchPool(dim int) *scratchPool {
	sp := &scratchPool{dim: dim}
	sp.pool.New = func() any {
		s := make([]float32, dim)
		return &s
	}
	return sp
}

func (sp *scratchPool) get() *[]float32  { return sp.pool.Get().(*[]float32) }
func (sp *scratchPool) put(s *[]float32) { sp.pool.Put(s) }

// header is the common prefix of every serialized codebook.
type header struct {
	Mode     uint8
	Metric   uint8
	Dim      uint32
	Trained  uint8
	Reserved uint8
}

func writeHeader(buf *bytes.Buffer, mode Mode, metric distance.DistanceMetric, dim int, trained bool) {
	h := header{Mode: mode.ID(), Metric: metric.ID(), Dim: uint32(dim)}
	if trained {
		h.Trained = 1
	}
	// Writes to a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, h)
}

func readHeader(r *bytes.Reader, mode Mode, metric distance.DistanceMetric, dim int) (bool, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return false, fmt.Errorf("read codebook header: %w", err)
	}
	if h.Mode != mode.ID() {
		return false, fmt.Errorf("%w: codebook mode id %d, quantizer %s", ErrModeMismatch, h.Mode, mode)
	}
	if h.Metric != metric.ID() {
		return false, fmt.Errorf("codebook metric id %d does not match %s", h.Metric, metric)
	}
	if int(h.Dim) != dim {
		return false, fmt.Errorf("codebook dimension %d does not match %d", h.Dim, dim)
	}
	return h.Trained == 1, nil
}

func checkDim(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("vector dimension %d does not match quantizer dimension %d", len(v), dim)
	}
	return nil
}
