package store

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/types"
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

func fill(t *testing.T, s *Store, vecs [][]float32) {
	t.Helper()
	for i, v := range vecs {
		code, err := s.Encode(v)
		require.NoError(t, err)
		md := metadata.Metadata{"n": metadata.Number(float64(i))}
		if i%2 == 0 {
			md["gene"] = metadata.String("BRCA1")
		} else {
			md["gene"] = metadata.String("TP53")
		}
		_, err = s.Append(fmt.Sprintf("v%d", i), code, md)
		require.NoError(t, err)
	}
}

func TestRawStoreDistances(t *testing.T) {
	s, err := New(3, distance.Euclidean, nil)
	require.NoError(t, err)
	assert.Equal(t, quantization.None, s.Mode())

	fill(t, s, [][]float32{{0, 0, 0}, {3, 4, 0}, {1, 0, 0}})
	assert.Equal(t, 3, s.Len())
	assert.InDelta(t, 5.0, s.SlotDistance(0, 1), 1e-9)

	score := s.QueryScorer([]float32{1, 0, 0})
	assert.InDelta(t, 0.0, score(2), 1e-9)
	assert.InDelta(t, 1.0, score(0), 1e-9)

	assert.Equal(t, []float32{3, 4, 0}, s.Vector(1))
	slot, ok := s.Lookup("v1")
	require.True(t, ok)
	assert.Equal(t, uint32(1), slot)
	assert.Equal(t, "v1", s.ID(slot))
}

func TestAppendValidation(t *testing.T) {
	s, err := New(4, distance.Cosine, nil)
	require.NoError(t, err)

	_, err = s.Encode([]float32{1, 2})
	assert.True(t, errors.Is(err, types.ErrDimensionMismatch))

	code, err := s.Encode([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = s.Append("x", code, nil)
	require.NoError(t, err)

	_, err = s.Append("x", code, nil)
	assert.True(t, errors.Is(err, types.ErrDuplicateID))
	_, err = s.Append("", code, nil)
	assert.True(t, types.IsValidation(err))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Slots())
}

func TestQuantizedStoreUsesCodes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	vecs := randomVectors(rng, 300, 16)

	q, err := quantization.New(quantization.Config{Mode: quantization.Scalar, Dim: 16, Metric: distance.Euclidean})
	require.NoError(t, err)
	s, err := New(16, distance.Euclidean, q)
	require.NoError(t, err)

	_, err = s.Encode(vecs[0])
	assert.ErrorIs(t, err, quantization.ErrNotTrained)
	assert.False(t, s.Trained())

	require.NoError(t, s.Train(vecs))
	assert.ErrorIs(t, s.Train(vecs[:10]), quantization.ErrAlreadyTrained, "a fitted codebook is never replaced")
	fill(t, s, vecs)
	assert.Error(t, s.Train(vecs), "retraining a populated store must fail")

	assert.Len(t, s.Code(5), q.CodeSize())
	approx := s.Vector(5)
	for i := range approx {
		assert.InDelta(t, vecs[5][i], approx[i], 0.02)
	}
	score := s.QueryScorer(vecs[7])
	assert.InDelta(t, 0, score(7), 0.05)
}

func TestFullVectorsRescore(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	vecs := randomVectors(rng, 200, 16)

	q, err := quantization.New(quantization.Config{Mode: quantization.Binary, Dim: 16, Metric: distance.Euclidean})
	require.NoError(t, err)
	require.NoError(t, q.Train(vecs))
	s, err := New(16, distance.Euclidean, q, WithFullVectors())
	require.NoError(t, err)
	assert.True(t, s.FullVectors())
	fill(t, s, vecs)

	assert.Len(t, s.Code(3), q.CodeSize()+4*16)
	assert.Equal(t, vecs[3], s.Vector(3), "full vectors are returned exactly")

	cands := make([]types.Candidate, 0, len(vecs))
	score := s.QueryScorer(vecs[9])
	for slot := range vecs {
		cands = append(cands, types.Candidate{Id: uint32(slot), Distance: score(uint32(slot))})
	}
	cands = s.Rescore(vecs[9], cands)
	assert.Equal(t, uint32(9), cands[0].Id)
	assert.InDelta(t, 0, cands[0].Distance, 1e-9)
	for i := 1; i < len(cands); i++ {
		assert.LessOrEqual(t, cands[i-1].Distance, cands[i].Distance)
	}

	// Compaction keeps codes and full vectors aligned.
	for slot := 0; slot < 100; slot++ {
		s.Remove(uint32(slot))
	}
	remap := make([]int32, len(vecs))
	next := int32(0)
	for slot := range remap {
		remap[slot] = -1
		if s.IsLive(uint32(slot)) {
			remap[slot] = next
			next++
		}
	}
	require.NoError(t, s.Compact(remap))
	id, ok := s.Lookup("v150")
	require.True(t, ok)
	assert.Equal(t, vecs[150], s.Vector(id))

	plain, err := New(16, distance.Euclidean, q)
	require.NoError(t, err)
	assert.False(t, plain.FullVectors())
	kept := []types.Candidate{{Id: 2, Distance: 1}, {Id: 1, Distance: 0.5}}
	assert.Equal(t, kept, plain.Rescore(vecs[0], kept), "without full vectors candidates are untouched")
}

func TestRemoveAndResolve(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s, err := New(8, distance.Cosine, nil)
	require.NoError(t, err)
	fill(t, s, randomVectors(rng, 10, 8))

	f, err := metadata.ParseFilter(map[string]any{"gene": "BRCA1", "n": map[string]any{"$lt": 6}})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 4}, s.Resolve(f).ToArray())

	assert.True(t, s.Remove(2))
	assert.False(t, s.Remove(2))
	assert.False(t, s.Contains("v2"))
	assert.Equal(t, []uint32{0, 4}, s.Resolve(f).ToArray())
	assert.Equal(t, 9, s.Len())
	assert.Equal(t, 10, s.Slots())
	assert.False(t, s.IsLive(2))
}

func TestScanMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	vecs := randomVectors(rng, 200, 8)
	s, err := New(8, distance.Euclidean, nil)
	require.NoError(t, err)
	fill(t, s, vecs)
	s.Remove(10)

	query := vecs[10]
	got := s.Scan(query, 5, nil)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Distance, got[i].Distance)
	}
	for _, c := range got {
		assert.NotEqual(t, uint32(10), c.Id)
	}

	f, _ := metadata.ParseFilter(map[string]any{"gene": "TP53"})
	filtered := s.Scan(query, 500, s.Resolve(f))
	assert.Len(t, filtered, 100)
	for _, c := range filtered {
		assert.Equal(t, uint32(1), c.Id%2)
	}
	assert.Empty(t, s.Scan(query, 0, nil))
}

func TestCompactRenumbers(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	vecs := randomVectors(rng, 6, 4)
	s, err := New(4, distance.Euclidean, nil)
	require.NoError(t, err)
	fill(t, s, vecs)
	s.Remove(1)
	s.Remove(4)

	require.NoError(t, s.Compact([]int32{0, -1, 1, 2, -1, 3}))
	assert.Equal(t, 4, s.Slots())
	assert.Equal(t, 4, s.Len())
	for newSlot, old := range []int{0, 2, 3, 5} {
		id := fmt.Sprintf("v%d", old)
		slot, ok := s.Lookup(id)
		require.True(t, ok, id)
		assert.Equal(t, uint32(newSlot), slot)
		assert.Equal(t, vecs[old], s.Vector(slot))
		assert.Equal(t, float64(old), s.Metadata(slot)["n"].Num())
	}

	f, _ := metadata.ParseFilter(map[string]any{"gene": "BRCA1"})
	assert.Equal(t, []uint32{0, 1}, s.Resolve(f).ToArray())

	var ce *types.ConsistencyError
	assert.ErrorAs(t, s.Compact([]int32{0, 1}), &ce)
	assert.ErrorAs(t, s.Compact([]int32{-1, 0, 1, 2}), &ce)
}

func TestRestoreKeepsDeadSlotsAligned(t *testing.T) {
	s, err := New(2, distance.Euclidean, nil)
	require.NoError(t, err)
	a, _ := s.Encode([]float32{1, 1})
	b, _ := s.Encode([]float32{2, 2})

	_, err = s.Restore("", false, a, nil)
	require.NoError(t, err)
	slot, err := s.Restore("b", true, b, metadata.Metadata{"k": metadata.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), slot)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Slots())
	assert.Equal(t, []uint32{1}, s.Live().ToArray())
}
