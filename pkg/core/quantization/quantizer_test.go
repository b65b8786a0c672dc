package quantization

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core/distance"
)

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":        None,
		"none":    None,
		"Scalar":  Scalar,
		"pq":      Product,
		"binary":  Binary,
		"float16": Half,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("int4")
	assert.Error(t, err)

	for m := range modeIDs {
		back, err := ModeFromID(m.ID())
		require.NoError(t, err)
		assert.Equal(t, m, back)
	}
}

func TestNewRejectsNone(t *testing.T) {
	_, err := New(Config{Mode: None, Dim: 8, Metric: distance.Euclidean})
	assert.Error(t, err)
	_, err = New(Config{Mode: Scalar, Dim: 0, Metric: distance.Euclidean})
	assert.Error(t, err)
	_, err = New(Config{Mode: Product, Dim: 10, Subvectors: 3, Metric: distance.Euclidean})
	assert.Error(t, err, "3 does not divide 10")
}

func TestUntrainedEncodeFails(t *testing.T) {
	for _, mode := range []Mode{Scalar, Product, Binary} {
		q, err := New(Config{Mode: mode, Dim: 8, Metric: distance.Euclidean})
		require.NoError(t, err)
		assert.False(t, q.Trained())
		_, err = q.Encode(make([]float32, 8))
		assert.True(t, errors.Is(err, ErrNotTrained), "%s: %v", mode, err)
	}
	ready := map[Mode]distance.DistanceMetric{Binary: distance.Hamming, Half: distance.Euclidean}
	for mode, metric := range ready {
		q, err := New(Config{Mode: mode, Dim: 8, Metric: metric})
		require.NoError(t, err)
		assert.True(t, q.Trained(), mode)
		_, err = q.Encode(make([]float32, 8))
		assert.NoError(t, err, mode)
	}
}

func TestCodeSizes(t *testing.T) {
	const dim = 128
	want := map[Mode]int{Scalar: 128, Product: 64, Binary: 16, Half: 256}
	for mode, size := range want {
		q, err := New(Config{Mode: mode, Dim: dim, Metric: distance.Cosine})
		require.NoError(t, err)
		assert.Equal(t, size, q.CodeSize(), mode)
	}
}

func TestScalarReconstructionError(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := randomVectors(rng, 500, 64)
	q, err := New(Config{Mode: Scalar, Dim: 64, Metric: distance.Euclidean, BlockSize: 16})
	require.NoError(t, err)
	require.NoError(t, q.Train(data))

	// The step of a [-1,1] range over 255 levels is ~0.0078; rounding error is half of it.
	for _, v := range data[:50] {
		code, err := q.Encode(v)
		require.NoError(t, err)
		rec := q.Decode(code)
		for i := range v {
			assert.InDelta(t, v[i], rec[i], 0.005)
		}
	}
}

func TestScalarScorerMatchesDecodedDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := randomVectors(rng, 200, 40)
	query := randomVectors(rng, 1, 40)[0]

	metrics := []distance.DistanceMetric{distance.Euclidean, distance.Cosine, distance.DotProduct, distance.Manhattan, distance.Hamming}
	for _, metric := range metrics {
		q, err := New(Config{Mode: Scalar, Dim: 40, Metric: metric, BlockSize: 16})
		require.NoError(t, err)
		require.NoError(t, q.Train(data))
		fn, _ := distance.GetFloat32Func(metric)
		score := q.NewScorer(query)
		for _, v := range data[:20] {
			code, _ := q.Encode(v)
			want, _ := fn(query, q.Decode(code))
			assert.InDelta(t, want, score(code), 1e-3, "metric %s", metric)
		}
	}
}

func TestProductScorerMatchesDecodedDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := randomVectors(rng, 300, 32)
	query := randomVectors(rng, 1, 32)[0]

	for _, metric := range []distance.DistanceMetric{distance.Euclidean, distance.Cosine, distance.DotProduct, distance.Manhattan} {
		q, err := New(Config{Mode: Product, Dim: 32, Metric: metric, Subvectors: 8, Seed: 42})
		require.NoError(t, err)
		require.NoError(t, q.Train(data))
		fn, _ := distance.GetFloat32Func(metric)
		score := q.NewScorer(query)
		for _, v := range data[:20] {
			code, err := q.Encode(v)
			require.NoError(t, err)
			require.Len(t, code, 8)
			want, _ := fn(query, q.Decode(code))
			assert.InDelta(t, want, score(code), 1e-3, "metric %s", metric)
		}
	}
}

func TestProductFewerSamplesThanCentroids(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	data := randomVectors(rng, 10, 16)
	q, err := New(Config{Mode: Product, Dim: 16, Metric: distance.Euclidean})
	require.NoError(t, err)
	require.NoError(t, q.Train(data))
	// With one centroid per sample every training vector is reproduced exactly.
	for _, v := range data {
		code, _ := q.Encode(v)
		rec := q.Decode(code)
		for i := range v {
			assert.InDelta(t, v[i], rec[i], 1e-6)
		}
	}
}

func TestProductSelfQueryRanksFirst(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := randomVectors(rng, 1000, 32)
	q, err := New(Config{Mode: Product, Dim: 32, Metric: distance.Euclidean, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, q.Train(data))

	codes := make([][]byte, len(data))
	for i, v := range data {
		codes[i], _ = q.Encode(v)
	}

	hits := 0
	for qi := 0; qi < 50; qi++ {
		score := q.NewScorer(data[qi])
		type pair struct {
			id int
			d  float64
		}
		ranked := make([]pair, len(codes))
		for i, c := range codes {
			ranked[i] = pair{i, score(c)}
		}
		sort.Slice(ranked, func(a, b int) bool { return ranked[a].d < ranked[b].d })
		for _, p := range ranked[:3] {
			if p.id == qi {
				hits++
				break
			}
		}
	}
	assert.GreaterOrEqual(t, hits, 45)
}

func TestBinaryHammingScorer(t *testing.T) {
	q, err := New(Config{Mode: Binary, Dim: 70, Metric: distance.Hamming})
	require.NoError(t, err)

	a := make([]float32, 70)
	b := make([]float32, 70)
	for i := range a {
		a[i] = 1
		b[i] = 1
	}
	b[0], b[65], b[69] = -1, -1, -1

	ca, _ := q.Encode(a)
	cb, _ := q.Encode(b)
	assert.Equal(t, 3.0, q.CodeDistance(ca, cb))
	assert.Equal(t, 3.0, q.NewScorer(a)(cb))
	assert.Equal(t, 0.0, q.NewScorer(a)(ca))

	fn, _ := distance.GetFloat32Func(distance.Hamming)
	want, _ := fn(a, b)
	assert.Equal(t, want, q.NewScorer(a)(cb))
}

func TestBinaryTrainUsesMeanThreshold(t *testing.T) {
	q, err := New(Config{Mode: Binary, Dim: 2, Metric: distance.Euclidean})
	require.NoError(t, err)
	require.NoError(t, q.Train([][]float32{{10, -4}, {12, -6}}))

	lo, _ := q.Encode([]float32{10.5, -5.5})
	hi, _ := q.Encode([]float32{11.5, -4.5})
	// Decoded: (10, -6) and (12, -4).
	assert.InDelta(t, math.Sqrt(8), q.CodeDistance(lo, hi), 1e-6)

	rec := q.Decode(hi)
	assert.InDelta(t, 12, rec[0], 1e-6)
	assert.InDelta(t, -4, rec[1], 1e-6)
}

func TestBinaryScorerMatchesDecodedDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := randomVectors(rng, 200, 70)
	for _, v := range data {
		for i := range v {
			v[i] = (v[i] + 1) / 2 // non-negative, mean 0.5
		}
	}
	query := data[0]

	for _, metric := range []distance.DistanceMetric{distance.Euclidean, distance.Cosine, distance.DotProduct, distance.Manhattan} {
		q, err := New(Config{Mode: Binary, Dim: 70, Metric: metric})
		require.NoError(t, err)
		require.NoError(t, q.Train(data))
		fn, _ := distance.GetFloat32Func(metric)
		score := q.NewScorer(query)
		for _, v := range data[:20] {
			code, err := q.Encode(v)
			require.NoError(t, err)
			want, _ := fn(query, q.Decode(code))
			assert.InDelta(t, want, score(code), 1e-3, "metric %s", metric)
		}
	}
}

func TestBinarySelfCodeScoresLowest(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	data := randomVectors(rng, 300, 64)
	for _, v := range data {
		for i := range v {
			v[i] = (v[i] + 1) / 2
		}
	}
	for _, metric := range []distance.DistanceMetric{distance.Euclidean, distance.Manhattan} {
		q, err := New(Config{Mode: Binary, Dim: 64, Metric: metric})
		require.NoError(t, err)
		require.NoError(t, q.Train(data))
		codes := make([][]byte, len(data))
		for i, v := range data {
			codes[i], _ = q.Encode(v)
		}
		for qi := 0; qi < 30; qi++ {
			score := q.NewScorer(data[qi])
			self := score(codes[qi])
			for i, c := range codes {
				assert.LessOrEqual(t, self, score(c)+1e-9, "metric %s query %d code %d", metric, qi, i)
			}
		}
	}
}

func TestHalfPrecision(t *testing.T) {
	q, err := New(Config{Mode: Half, Dim: 4, Metric: distance.Euclidean})
	require.NoError(t, err)
	v := []float32{0.5, -1.25, 3, 1024}
	code, err := q.Encode(v)
	require.NoError(t, err)
	assert.Equal(t, v, q.Decode(code))
	assert.InDelta(t, 0, q.NewScorer(v)(code), 1e-9)
}

func TestMarshalRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	data := randomVectors(rng, 300, 24)
	query := randomVectors(rng, 1, 24)[0]

	for _, mode := range []Mode{Scalar, Product, Binary, Half} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := Config{Mode: mode, Dim: 24, Metric: distance.Cosine, Seed: 9}
			q, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, q.Train(data))
			blob, err := q.MarshalBinary()
			require.NoError(t, err)

			restored, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, restored.UnmarshalBinary(blob))
			require.True(t, restored.Trained())

			code, _ := q.Encode(data[0])
			code2, _ := restored.Encode(data[0])
			assert.Equal(t, code, code2)
			assert.Equal(t, q.NewScorer(query)(code), restored.NewScorer(query)(code2))
		})
	}
}

func TestUnmarshalRejectsOtherMode(t *testing.T) {
	s, _ := New(Config{Mode: Scalar, Dim: 8, Metric: distance.Euclidean})
	require.NoError(t, s.Train(randomVectors(rand.New(rand.NewSource(1)), 5, 8)))
	blob, _ := s.MarshalBinary()

	b, _ := New(Config{Mode: Binary, Dim: 8, Metric: distance.Euclidean})
	err := b.UnmarshalBinary(blob)
	assert.True(t, errors.Is(err, ErrModeMismatch))
}

func TestCompressionRatio(t *testing.T) {
	q, _ := New(Config{Mode: Binary, Dim: 384, Metric: distance.Hamming})
	assert.InDelta(t, 32.0, CompressionRatio(q), 1e-9)
	assert.Equal(t, 1.0, CompressionRatio(nil))
	assert.False(t, math.IsNaN(CompressionRatio(q)))
}

func BenchmarkScorers(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	data := randomVectors(rng, 512, 384)
	for _, mode := range []Mode{Scalar, Product, Binary, Half} {
		q, _ := New(Config{Mode: mode, Dim: 384, Metric: distance.Cosine})
		_ = q.Train(data)
		code, _ := q.Encode(data[1])
		score := q.NewScorer(data[0])
		b.Run(string(mode), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				score(code)
			}
		})
	}
}
