package core

import (
	"fmt"
	"runtime"

	"github.com/sanonone/genovec/pkg/core/distance"
	"github.com/sanonone/genovec/pkg/core/hnsw"
	"github.com/sanonone/genovec/pkg/core/quantization"
	"github.com/sanonone/genovec/pkg/core/types"
	"github.com/sanonone/genovec/pkg/persistence"
)

// QuantizerOptions tunes the codecs that take parameters. Zero values select
// the codec defaults.
type QuantizerOptions struct {
	BlockSize  int `yaml:"block_size" json:"block_size"`
	Subvectors int `yaml:"subvectors" json:"subvectors"`
	Centroids  int `yaml:"centroids" json:"centroids"`
	Iterations int `yaml:"iterations" json:"iterations"`
}

// Options fixes the shape of an index. Dimensions, Metric, Quantization and the
// graph parameters cannot change once the index holds data.
type Options struct {
	Dimensions   int                     `yaml:"dimensions" json:"dimensions"`
	Metric       distance.DistanceMetric `yaml:"metric" json:"metric"`
	Quantization quantization.Mode       `yaml:"quantization" json:"quantization"`
	HNSW         hnsw.Config             `yaml:"hnsw" json:"hnsw"`
	Quantizer    QuantizerOptions        `yaml:"quantizer" json:"quantizer"`

	// Rerank, when positive in a quantized mode, keeps the full-precision
	// vectors next to the codes and re-scores the best k*Rerank candidates of
	// every search exactly. It trades the memory saved by quantization for
	// recall. Ignored in mode none.
	Rerank int `yaml:"rerank" json:"rerank"`

	// TrainingSampleSize caps the vectors of the first batch used to train
	// scalar, product and binary codebooks.
	TrainingSampleSize int `yaml:"training_sample_size" json:"training_sample_size"`
	// Workers bounds the batch pre-processing goroutines. Default GOMAXPROCS.
	Workers int `yaml:"workers" json:"workers"`
	// ExactScanThreshold is the smallest allow-set size still served by the
	// graph; smaller filtered queries scan the allow-set exactly. The effective
	// threshold is max(ef, ExactScanThreshold).
	ExactScanThreshold int `yaml:"exact_scan_threshold" json:"exact_scan_threshold"`
	// SnapshotCodec compresses the frame stream written by Save.
	SnapshotCodec persistence.Codec `yaml:"-" json:"-"`
}

// DefaultOptions returns the defaults for an index of the given dimension:
// cosine distance, raw storage and the default graph parameters.
func DefaultOptions(dim int) Options {
	return Options{
		Dimensions:         dim,
		Metric:             distance.Cosine,
		Quantization:       quantization.None,
		HNSW:               hnsw.DefaultConfig(),
		TrainingSampleSize: 10000,
		Workers:            runtime.GOMAXPROCS(0),
		ExactScanThreshold: 256,
	}
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if o.Dimensions <= 0 {
		return types.NewValidationError("options", types.ErrInvalidParameter, "dimensions must be positive, got %d", o.Dimensions)
	}
	metric, err := distance.ParseMetric(string(o.Metric))
	if err != nil {
		return types.NewValidationError("options", types.ErrInvalidParameter, "%v", err)
	}
	o.Metric = metric
	mode, err := quantization.ParseMode(string(o.Quantization))
	if err != nil {
		return types.NewValidationError("options", types.ErrInvalidParameter, "%v", err)
	}
	o.Quantization = mode
	if err := o.HNSW.Validate(); err != nil {
		return types.NewValidationError("options", types.ErrInvalidParameter, "%v", err)
	}
	if o.Rerank < 0 {
		return types.NewValidationError("options", types.ErrInvalidParameter, "rerank must not be negative, got %d", o.Rerank)
	}
	if mode == quantization.None {
		o.Rerank = 0
	}
	def := DefaultOptions(o.Dimensions)
	if o.TrainingSampleSize <= 0 {
		o.TrainingSampleSize = def.TrainingSampleSize
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.ExactScanThreshold < 0 {
		return types.NewValidationError("options", types.ErrInvalidParameter, "exact_scan_threshold must not be negative")
	}
	if o.ExactScanThreshold == 0 {
		o.ExactScanThreshold = def.ExactScanThreshold
	}
	return nil
}

// newQuantizer builds the codec of the options, nil for raw storage.
func (o Options) newQuantizer() (quantization.Quantizer, error) {
	if o.Quantization == quantization.None {
		return nil, nil
	}
	q, err := quantization.New(quantization.Config{
		Mode:       o.Quantization,
		Dim:        o.Dimensions,
		Metric:     o.Metric,
		BlockSize:  o.Quantizer.BlockSize,
		Subvectors: o.Quantizer.Subvectors,
		Centroids:  o.Quantizer.Centroids,
		Iterations: o.Quantizer.Iterations,
		Seed:       o.HNSW.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s quantizer: %w", o.Quantization, err)
	}
	return q, nil
}
