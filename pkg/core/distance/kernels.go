package distance

import (
	"math"
	"math/bits"
	"sync"

	"gonum.org/v1/gonum/blas/gonum"
)

// --- WORKSPACE POOL ---

// diffWorkspace is a pool of float32 slices used to avoid allocations when a
// kernel needs an intermediate buffer (the element-wise difference of two vectors).
var diffWorkspace = sync.Pool{
	New: func() interface{} {
		s := make([]float32, 1024)
		return &s
	},
}

// --- REFERENCE IMPLEMENTATIONS (PURE GO) ---

func euclideanDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		diff := v1[i] - v2[i]
		sum += diff * diff
	}
	return math.Sqrt(float64(sum)), nil
}

func dotProductGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return float64(sum), nil
}

func negDotProductGo(v1, v2 []float32) (float64, error) {
	dot, err := dotProductGo(v1, v2)
	return -dot, err
}

func cosineDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var dot, n1, n2 float32
	for i := range v1 {
		dot += v1[i] * v2[i]
		n1 += v1[i] * v1[i]
		n2 += v2[i] * v2[i]
	}
	return cosineFromParts(float64(dot), math.Sqrt(float64(n1)), math.Sqrt(float64(n2))), nil
}

func manhattanDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	var sum float32
	for i := range v1 {
		d := v1[i] - v2[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float64(sum), nil
}

// hammingDistanceGo counts the dimensions whose sign bit differs. It equals
// popcount(PackSigns(v1) XOR PackSigns(v2)) without materializing the codes.
func hammingDistanceGo(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	count := 0
	for i := range v1 {
		if (v1[i] > 0) != (v2[i] > 0) {
			count++
		}
	}
	return float64(count), nil
}

// cosineFromParts turns a dot product and two norms into a cosine distance.
// A zero-norm vector has no direction and is treated as maximally dissimilar.
func cosineFromParts(dot, norm1, norm2 float64) float64 {
	if norm1 == 0 || norm2 == 0 {
		return 1.0
	}
	similarity := dot / (norm1 * norm2)
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}
	return 1.0 - similarity
}

// CosineFromParts is the exported form of the cosine assembly used by the
// quantized scorers, which accumulate dot products and norms separately.
func CosineFromParts(dot, norm1, norm2 float64) float64 {
	return cosineFromParts(dot, norm1, norm2)
}

// --- Gonum-based Implementations (for float32) ---
var gonumEngine = gonum.Implementation{}

func euclideanDistanceGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, ErrLengthMismatch
	}

	diffPtr := diffWorkspace.Get().(*[]float32)
	defer diffWorkspace.Put(diffPtr)
	if cap(*diffPtr) < n {
		*diffPtr = make([]float32, n)
	}
	diff := (*diffPtr)[:n]

	copy(diff, v1)
	gonumEngine.Saxpy(n, -1, v2, 1, diff, 1)
	dot := gonumEngine.Sdot(n, diff, 1, diff, 1)
	return math.Sqrt(float64(dot)), nil
}

func negDotProductGonum(v1, v2 []float32) (float64, error) {
	if len(v1) != len(v2) {
		return 0, ErrLengthMismatch
	}
	return -float64(gonumEngine.Sdot(len(v1), v1, 1, v2, 1)), nil
}

func cosineDistanceGonum(v1, v2 []float32) (float64, error) {
	n := len(v1)
	if n != len(v2) {
		return 0, ErrLengthMismatch
	}
	dot := gonumEngine.Sdot(n, v1, 1, v2, 1)
	n1 := gonumEngine.Snrm2(n, v1, 1)
	n2 := gonumEngine.Snrm2(n, v2, 1)
	return cosineFromParts(float64(dot), float64(n1), float64(n2)), nil
}

// --- Bit-packed helpers ---

// PackedWords returns the number of uint64 words needed for dim bits.
func PackedWords(dim int) int {
	return (dim + 63) / 64
}

// PackSigns packs v into bits (1 when v[i] > 0) and writes them to dst,
// which is grown if needed. The returned slice has PackedWords(len(v)) words.
func PackSigns(v []float32, dst []uint64) []uint64 {
	words := PackedWords(len(v))
	if cap(dst) < words {
		dst = make([]uint64, words)
	}
	dst = dst[:words]
	for i := range dst {
		dst[i] = 0
	}
	for i, val := range v {
		if val > 0 {
			dst[i>>6] |= 1 << (uint(i) & 63)
		}
	}
	return dst
}

// HammingPacked returns popcount(a XOR b) over two bit-packed codes of equal length.
func HammingPacked(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	count := 0
	for i := 0; i < n; i++ {
		count += bits.OnesCount64(a[i] ^ b[i])
	}
	return count
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	if kernelName == "gonum" {
		return float64(gonumEngine.Snrm2(len(v), v, 1))
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
