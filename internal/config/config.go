// Package config loads the GenoVec configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// GENOVEC_* environment variables. For example GENOVEC_INDEX_DIMENSIONS
// overrides index.dimensions and GENOVEC_MAINTENANCE_AUTOSAVE_INTERVAL
// overrides maintenance.autosave_interval. Durations use Go syntax ("10s").
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sanonone/genovec/pkg/core"
	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/engine"
	"github.com/sanonone/genovec/pkg/persistence"
)

// EnvPrefix is the prefix of the environment overrides.
const EnvPrefix = "GENOVEC"

// Config is the top-level configuration.
type Config struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR"`
	SnapshotFile string `yaml:"snapshot_file" envconfig:"SNAPSHOT_FILE"`
	// Codec compresses snapshots: none, zstd or lz4.
	Codec string `yaml:"codec" envconfig:"CODEC"`

	Index       IndexConfig       `yaml:"index" envconfig:"INDEX"`
	Maintenance MaintenanceConfig `yaml:"maintenance" envconfig:"MAINTENANCE"`
	Log         LogConfig         `yaml:"log" envconfig:"LOG"`
}

// IndexConfig fixes the shape of a new index.
type IndexConfig struct {
	Dimensions     int    `yaml:"dimensions" envconfig:"DIMENSIONS"`
	Metric         string `yaml:"metric" envconfig:"METRIC"`             // "cosine"
	Quantization   string `yaml:"quantization" envconfig:"QUANTIZATION"` // "none", "scalar", "product", "binary", "half"
	M              int    `yaml:"m" envconfig:"M"`
	EfConstruction int    `yaml:"ef_construction" envconfig:"EF_CONSTRUCTION"`
	EfSearch       int    `yaml:"ef_search" envconfig:"EF_SEARCH"`
	Selection      string `yaml:"selection" envconfig:"SELECTION"` // "simple", "heuristic"
	Seed           int64  `yaml:"seed" envconfig:"SEED"`

	BlockSize  int `yaml:"block_size" envconfig:"BLOCK_SIZE"`
	Subvectors int `yaml:"subvectors" envconfig:"SUBVECTORS"`
	Centroids  int `yaml:"centroids" envconfig:"CENTROIDS"`
	Iterations int `yaml:"iterations" envconfig:"ITERATIONS"`
	Rerank     int `yaml:"rerank" envconfig:"RERANK"`

	TrainingSampleSize int `yaml:"training_sample_size" envconfig:"TRAINING_SAMPLE_SIZE"`
	Workers            int `yaml:"workers" envconfig:"WORKERS"`
	ExactScanThreshold int `yaml:"exact_scan_threshold" envconfig:"EXACT_SCAN_THRESHOLD"`
}

// MaintenanceConfig drives the engine background tasks.
type MaintenanceConfig struct {
	AutoSaveInterval  time.Duration `yaml:"autosave_interval" envconfig:"AUTOSAVE_INTERVAL"`
	AutoSaveThreshold int64         `yaml:"autosave_threshold" envconfig:"AUTOSAVE_THRESHOLD"`
	CompactThreshold  float64       `yaml:"compact_threshold" envconfig:"COMPACT_THRESHOLD"`
	RefineBatch       int           `yaml:"refine_batch" envconfig:"REFINE_BATCH"`
	Interval          time.Duration `yaml:"interval" envconfig:"INTERVAL"`
	SaveOnClose       bool          `yaml:"save_on_close" envconfig:"SAVE_ON_CLOSE"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // text, json
}

// Default returns a working configuration with an unset dimension, which
// opens existing snapshots as they are.
func Default() Config {
	idx := core.DefaultOptions(0)
	eng := engine.DefaultOptions("./data", 0)
	return Config{
		DataDir:      eng.DataDir,
		SnapshotFile: eng.SnapshotFile,
		Codec:        "none",
		Index: IndexConfig{
			Metric:             string(idx.Metric),
			Quantization:       string(idx.Quantization),
			M:                  idx.HNSW.M,
			EfConstruction:     idx.HNSW.EfConstruction,
			EfSearch:           idx.HNSW.EfSearch,
			Selection:          string(idx.HNSW.Selection),
			Seed:               idx.HNSW.Seed,
			TrainingSampleSize: idx.TrainingSampleSize,
			ExactScanThreshold: idx.ExactScanThreshold,
		},
		Maintenance: MaintenanceConfig{
			AutoSaveInterval:  eng.AutoSaveInterval,
			AutoSaveThreshold: eng.AutoSaveThreshold,
			CompactThreshold:  eng.CompactThreshold,
			RefineBatch:       eng.RefineBatch,
			Interval:          eng.MaintenanceInterval,
			SaveOnClose:       eng.SaveOnClose,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults using strict parsing,
// applies the environment overrides and validates the result. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("YAML syntax error in config %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.Index.Dimensions < 0 {
		errs = append(errs, fmt.Errorf("index.dimensions must not be negative, got %d", c.Index.Dimensions))
	}
	if c.Index.Rerank < 0 {
		errs = append(errs, fmt.Errorf("index.rerank must not be negative, got %d", c.Index.Rerank))
	}
	if _, err := distance.ParseMetric(c.Index.Metric); err != nil {
		errs = append(errs, fmt.Errorf("index.metric: %w", err))
	}
	if _, err := quantization.ParseMode(c.Index.Quantization); err != nil {
		errs = append(errs, fmt.Errorf("index.quantization: %w", err))
	}
	if _, err := hnsw.ParseSelection(c.Index.Selection); err != nil {
		errs = append(errs, fmt.Errorf("index.selection: %w", err))
	}
	if _, err := persistence.ParseCodec(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if t := c.Maintenance.CompactThreshold; t < 0 || t >= 1 {
		errs = append(errs, fmt.Errorf("maintenance.compact_threshold must be in [0, 1), got %g", t))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// IndexOptions converts the index section.
func (c Config) IndexOptions() (core.Options, error) {
	metric, err := distance.ParseMetric(c.Index.Metric)
	if err != nil {
		return core.Options{}, err
	}
	mode, err := quantization.ParseMode(c.Index.Quantization)
	if err != nil {
		return core.Options{}, err
	}
	sel, err := hnsw.ParseSelection(c.Index.Selection)
	if err != nil {
		return core.Options{}, err
	}
	codec, err := persistence.ParseCodec(c.Codec)
	if err != nil {
		return core.Options{}, err
	}
	return core.Options{
		Dimensions:   c.Index.Dimensions,
		Metric:       metric,
		Quantization: mode,
		HNSW: hnsw.Config{
			M:              c.Index.M,
			EfConstruction: c.Index.EfConstruction,
			EfSearch:       c.Index.EfSearch,
			Selection:      sel,
			Seed:           c.Index.Seed,
		},
		Quantizer: core.QuantizerOptions{
			BlockSize:  c.Index.BlockSize,
			Subvectors: c.Index.Subvectors,
			Centroids:  c.Index.Centroids,
			Iterations: c.Index.Iterations,
		},
		Rerank:             c.Index.Rerank,
		TrainingSampleSize: c.Index.TrainingSampleSize,
		Workers:            c.Index.Workers,
		ExactScanThreshold: c.Index.ExactScanThreshold,
		SnapshotCodec:      codec,
	}, nil
}

// EngineOptions converts the whole configuration for engine.Open.
func (c Config) EngineOptions(logger *slog.Logger) (engine.Options, error) {
	idx, err := c.IndexOptions()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		DataDir:             c.DataDir,
		SnapshotFile:        c.SnapshotFile,
		Index:               idx,
		AutoSaveInterval:    c.Maintenance.AutoSaveInterval,
		AutoSaveThreshold:   c.Maintenance.AutoSaveThreshold,
		CompactThreshold:    c.Maintenance.CompactThreshold,
		RefineBatch:         c.Maintenance.RefineBatch,
		MaintenanceInterval: c.Maintenance.Interval,
		SaveOnClose:         c.Maintenance.SaveOnClose,
		Logger:              logger,
	}, nil
}

// LogLevel parses the configured level.
func (c Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the slog logger described by the log section.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
