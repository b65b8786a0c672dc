package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core"
	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/metadata"
	"github.com/sanonone/genovec/pkg/metrics"
)

func quietOptions(dir string, dim int) Options {
	opts := DefaultOptions(dir, dim)
	opts.Index.Metric = distance.Euclidean
	opts.AutoSaveInterval = 0
	opts.CompactThreshold = 0
	opts.RefineBatch = 0
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func records(rng *rand.Rand, n, dim int) []core.Record {
	recs := make([]core.Record, n)
	for i := range recs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		recs[i] = core.Record{
			ID:       fmt.Sprintf("rec-%d", i),
			Vector:   v,
			Metadata: metadata.Metadata{"chrom": metadata.String(fmt.Sprintf("chr%d", i%3+1))},
		}
	}
	return recs
}

func TestOpenCreatesAndReloads(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	recs := records(rng, 200, 8)

	e, err := Open(quietOptions(dir, 8))
	require.NoError(t, err)
	_, err = e.AddBatch(context.Background(), recs)
	require.NoError(t, err)
	require.True(t, e.Delete("rec-3"))

	query := recs[10].Vector
	want, err := e.Search(context.Background(), query, 5, 0, map[string]any{"chrom": "chr2"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = os.Stat(filepath.Join(dir, "genovec.gvec"))
	require.NoError(t, err, "Close writes the pending snapshot")

	// Dimension 0 adopts the shape of the snapshot.
	e2, err := Open(quietOptions(dir, 0))
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, 199, e2.Len())
	assert.Zero(t, e2.Dirty())

	got, err := e2.Search(context.Background(), query, 5, 0, map[string]any{"chrom": "chr2"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	_, ok := e2.Get("rec-3")
	assert.False(t, ok)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(quietOptions(t.TempDir(), 0))
	assert.Error(t, err, "a new index needs a dimension")

	dir := t.TempDir()
	e, err := Open(quietOptions(dir, 4))
	require.NoError(t, err)
	_, err = e.Add(core.Record{ID: "a", Vector: []float32{1, 2, 3, 4}})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = Open(quietOptions(dir, 6))
	assert.Error(t, err, "configured dimension must match the snapshot")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "genovec.gvec"), []byte("garbage"), 0o644))
	_, err = Open(quietOptions(dir, 4))
	assert.Error(t, err)
}

func TestDirtyCounterAndSave(t *testing.T) {
	dir := t.TempDir()
	opts := quietOptions(dir, 4)
	opts.SaveOnClose = false
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		_, err := e.Add(core.Record{Vector: []float32{float32(i), 1, 2, 3}})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, e.Dirty())
	assert.False(t, e.Delete("missing"), "a missing id is not a write")
	assert.EqualValues(t, 3, e.Dirty())

	require.NoError(t, e.Save())
	assert.Zero(t, e.Dirty())

	_, err = e.Add(core.Record{ID: "late", Vector: []float32{9, 9, 9, 9}})
	require.NoError(t, err)
	require.NoError(t, e.Load())
	assert.Equal(t, 3, e.Len(), "Load discards unsaved writes")
	_, ok := e.Get("late")
	assert.False(t, ok)
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestGaugesTrackWrites(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	e, err := Open(quietOptions(t.TempDir(), 8))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.AddBatch(context.Background(), records(rng, 40, 8))
	require.NoError(t, err)
	require.True(t, e.Delete("rec-1"))
	require.True(t, e.Delete("rec-2"))

	live, deleted := e.DB.Counts()
	assert.Equal(t, 38, live)
	assert.Equal(t, 2, deleted)
	st := e.DB.Stats()
	assert.Equal(t, st.TotalVectors, live)
	assert.Equal(t, st.Tombstones, deleted)
	assert.Equal(t, 38.0, gaugeValue(t, metrics.TotalVectors))
	assert.Equal(t, 2.0, gaugeValue(t, metrics.Tombstones))

	require.NoError(t, e.Compact())
	live, deleted = e.DB.Counts()
	assert.Equal(t, 38, live)
	assert.Zero(t, deleted)
}

func TestAutoSave(t *testing.T) {
	dir := t.TempDir()
	opts := quietOptions(dir, 4)
	opts.AutoSaveInterval = 10 * time.Millisecond
	opts.AutoSaveThreshold = 1
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Add(core.Record{ID: "a", Vector: []float32{1, 0, 0, 0}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.Dirty() == 0 }, 5*time.Second, 50*time.Millisecond)
	_, err = os.Stat(e.Path())
	assert.NoError(t, err)
}

func TestBackgroundCompaction(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	opts := quietOptions(t.TempDir(), 8)
	opts.CompactThreshold = 0.1
	opts.MaintenanceInterval = 20 * time.Millisecond
	opts.SaveOnClose = false
	e, err := Open(opts)
	require.NoError(t, err)
	defer e.Close()

	recs := records(rng, 100, 8)
	_, err = e.AddBatch(context.Background(), recs)
	require.NoError(t, err)
	for i := 0; i < 100; i += 2 {
		require.True(t, e.Delete(recs[i].ID))
	}

	require.Eventually(t, func() bool { return e.Stats().Tombstones == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 50, e.Len())
	require.NoError(t, e.DB.Validate())

	res, err := e.Search(context.Background(), recs[1].Vector, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "rec-1", res[0].ID)
}

func TestParseVector(t *testing.T) {
	for _, in := range []string{"0.5 1 -2", "[0.5, 1, -2]", "0.5,1,-2"} {
		v, err := ParseVector(in)
		require.NoError(t, err, in)
		assert.Equal(t, []float32{0.5, 1, -2}, v)
	}
	_, err := ParseVector("  ")
	assert.Error(t, err)
	_, err = ParseVector("1 x")
	assert.Error(t, err)

	assert.Equal(t, "0.5 1 -2", FormatVector([]float32{0.5, 1, -2}))
}
