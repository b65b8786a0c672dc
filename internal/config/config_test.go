package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/persistence"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genovec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	opts, err := cfg.IndexOptions()
	require.NoError(t, err)
	assert.Equal(t, distance.Cosine, opts.Metric)
	assert.Equal(t, quantization.None, opts.Quantization)
	assert.Equal(t, hnsw.DefaultConfig(), opts.HNSW)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/genovec
codec: zstd
index:
  dimensions: 384
  metric: euclidean
  quantization: scalar
  m: 24
  rerank: 4
maintenance:
  autosave_interval: 30s
  compact_threshold: 0.3
log:
  level: debug
  format: json
`)
	t.Setenv("GENOVEC_INDEX_M", "32")
	t.Setenv("GENOVEC_MAINTENANCE_AUTOSAVE_INTERVAL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/genovec", cfg.DataDir)
	assert.Equal(t, 384, cfg.Index.Dimensions)
	assert.Equal(t, 32, cfg.Index.M, "environment wins over the file")
	assert.Equal(t, 2*time.Minute, cfg.Maintenance.AutoSaveInterval)
	assert.Equal(t, 0.3, cfg.Maintenance.CompactThreshold)
	assert.Equal(t, 200, cfg.Index.EfConstruction, "unset keys keep their defaults")

	opts, err := cfg.EngineOptions(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/genovec", opts.DataDir)
	assert.Equal(t, distance.Euclidean, opts.Index.Metric)
	assert.Equal(t, quantization.Scalar, opts.Index.Quantization)
	assert.Equal(t, persistence.CodecZstd, opts.Index.SnapshotCodec)
	assert.Equal(t, 32, opts.Index.HNSW.M)
	assert.Equal(t, 4, opts.Index.Rerank)
	assert.Equal(t, 2*time.Minute, opts.AutoSaveInterval)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	var buf bytes.Buffer
	cfg.NewLogger(&buf).Debug("opened index", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"opened index"`)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "index:\n  dimension: 3\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"metric":       func(c *Config) { c.Index.Metric = "jaccard" },
		"quantization": func(c *Config) { c.Index.Quantization = "int4" },
		"selection":    func(c *Config) { c.Index.Selection = "random" },
		"codec":        func(c *Config) { c.Codec = "gzip" },
		"compact":      func(c *Config) { c.Maintenance.CompactThreshold = 1.5 },
		"level":        func(c *Config) { c.Log.Level = "loud" },
		"format":       func(c *Config) { c.Log.Format = "xml" },
		"data dir":     func(c *Config) { c.DataDir = "" },
		"dimensions":   func(c *Config) { c.Index.Dimensions = -1 },
		"rerank":       func(c *Config) { c.Index.Rerank = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
