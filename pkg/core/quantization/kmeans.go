package quantization

import (
	"math"
	"math/rand"
)

// trainKMeans clusters n flattened vectors of length dim into k centroids with
// Lloyd's algorithm. It returns the flattened centroids (k * dim). k must not
// exceed n. Empty clusters are reseeded from a random sample point.
func trainKMeans(data []float32, n, dim, k, maxIter int, rng *rand.Rand) []float32 {
	centroids := make([]float32, k*dim)

	perm := rng.Perm(n)
	for c := 0; c < k; c++ {
		idx := perm[c]
		copy(centroids[c*dim:(c+1)*dim], data[idx*dim:(idx+1)*dim])
	}

	assignments := make([]int, n)
	for i := range assignments {
		assignments[i] = -1
	}
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		clear(sums)
		clear(counts)
		changed := 0

		for i := 0; i < n; i++ {
			vec := data[i*dim : (i+1)*dim]
			best := nearestCentroid(vec, centroids, dim, k)
			if assignments[i] != best {
				assignments[i] = best
				changed++
			}
			counts[best]++
			s := sums[best*dim : (best+1)*dim]
			for d, x := range vec {
				s[d] += x
			}
		}

		for c := 0; c < k; c++ {
			cent := centroids[c*dim : (c+1)*dim]
			if counts[c] == 0 {
				idx := rng.Intn(n)
				copy(cent, data[idx*dim:(idx+1)*dim])
				continue
			}
			inv := 1 / float32(counts[c])
			for d := range cent {
				cent[d] = sums[c*dim+d] * inv
			}
		}

		if changed == 0 {
			break
		}
	}
	return centroids
}

// nearestCentroid returns the index of the centroid with the smallest squared L2 distance.
func nearestCentroid(vec, centroids []float32, dim, k int) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for c := 0; c < k; c++ {
		cent := centroids[c*dim : (c+1)*dim]
		var dist float32
		for d, x := range vec {
			diff := x - cent[d]
			dist += diff * diff
		}
		if dist < bestDist {
			bestDist = dist
			best = c
		}
	}
	return best
}
