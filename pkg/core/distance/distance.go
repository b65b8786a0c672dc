// Package distance provides functions for calculating vector distances.
// It supports the cosine, euclidean, dot product, manhattan and hamming metrics.
//
// Every metric follows the "lower is closer" convention so that the graph index
// can treat all of them uniformly. The package uses runtime CPU detection to
// dispatch float32 kernels to Gonum (BLAS/SIMD) when the hardware supports it,
// and falls back to pure Go loops otherwise.
package distance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// --- Public Types ---

// DistanceMetric defines the type of distance calculation to perform.
type DistanceMetric string

const (
	// Cosine represents the cosine distance metric (1 - cosine similarity).
	Cosine DistanceMetric = "cosine"
	// Euclidean represents the L2 distance metric.
	Euclidean DistanceMetric = "euclidean"
	// DotProduct represents the negated inner product.
	DotProduct DistanceMetric = "dot"
	// Manhattan represents the L1 distance metric.
	Manhattan DistanceMetric = "manhattan"
	// Hamming counts differing bits of sign-packed vectors.
	Hamming DistanceMetric = "hamming"
)

// metricIDs are the stable identifiers written to snapshot headers.
// Never renumber an existing entry.
var metricIDs = map[DistanceMetric]uint8{
	Cosine:     1,
	Euclidean:  2,
	DotProduct: 3,
	Manhattan:  4,
	Hamming:    5,
}

// ErrLengthMismatch is returned by the kernels when the two vectors differ in length.
var ErrLengthMismatch = errors.New("vectors must have the same length")

// DistanceFuncF32 computes the distance between two float32 vectors.
type DistanceFuncF32 func(v1, v2 []float32) (float64, error)

// ParseMetric converts a user supplied name into a DistanceMetric.
// An empty name selects Cosine.
func ParseMetric(name string) (DistanceMetric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cosine":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	case "dot", "dotproduct", "dot_product", "ip":
		return DotProduct, nil
	case "manhattan", "l1":
		return Manhattan, nil
	case "hamming":
		return Hamming, nil
	default:
		return "", fmt.Errorf("unknown distance metric '%s'", name)
	}
}

// ID returns the stable numeric identifier of the metric, or 0 if unknown.
func (m DistanceMetric) ID() uint8 {
	return metricIDs[m]
}

// MetricFromID is the inverse of DistanceMetric.ID.
func MetricFromID(id uint8) (DistanceMetric, error) {
	for m, mid := range metricIDs {
		if mid == id {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric id %d", id)
}

// Valid reports whether m is one of the supported metrics.
func (m DistanceMetric) Valid() bool {
	_, ok := metricIDs[m]
	return ok
}

// --- Function Catalogs and Dispatchers ---

// float32Funcs maps a distance metric to its corresponding float32 implementation.
// init() may replace entries with accelerated versions.
var float32Funcs = map[DistanceMetric]DistanceFuncF32{
	Cosine:     cosineDistanceGo,
	Euclidean:  euclideanDistanceGo,
	DotProduct: negDotProductGo,
	Manhattan:  manhattanDistanceGo,
	Hamming:    hammingDistanceGo,
}

// kernelName describes the active float32 backend for diagnostics.
var kernelName = "pure-go"

func init() {
	// Gonum ships SIMD kernels for the float32 level-1 BLAS routines on these targets.
	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) || cpuid.CPU.Supports(cpuid.ASIMD) {
		float32Funcs[Cosine] = cosineDistanceGonum
		float32Funcs[Euclidean] = euclideanDistanceGonum
		float32Funcs[DotProduct] = negDotProductGonum
		kernelName = "gonum"
	}
}

// GetFloat32Func returns the distance function for the given metric.
// It returns an error if the metric is not supported.
func GetFloat32Func(metric DistanceMetric) (DistanceFuncF32, error) {
	fn, ok := float32Funcs[metric]
	if !ok {
		return nil, fmt.Errorf("metric '%s' not supported for float32 precision", metric)
	}
	return fn, nil
}

// KernelInfo reports the selected float32 backend together with the detected CPU,
// suitable for a startup log line.
func KernelInfo() (backend string, cpu string) {
	return kernelName, cpuid.CPU.BrandName
}
