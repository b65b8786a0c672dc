// Package types holds the small value types shared by the core packages.
package types

// Candidate is the internal result of a graph traversal: an arena slot and its distance.
type Candidate struct {
	Id       uint32
	Distance float64
}

// LayerStats reports the number of live nodes and edges on one graph layer.
type LayerStats struct {
	Level int `json:"level" yaml:"level"`
	Nodes int `json:"nodes" yaml:"nodes"`
	Edges int `json:"edges" yaml:"edges"`
}

// IndexStats summarises the state of an index.
type IndexStats struct {
	TotalVectors     int          `json:"total_vectors"`
	Dimensions       int          `json:"dimensions"`
	Metric           string       `json:"metric"`
	Quantization     string       `json:"quantization"`
	M                int          `json:"m"`
	EfConstruction   int          `json:"ef_construction"`
	MaxLevel         int          `json:"max_level"`
	Layers           []LayerStats `json:"layers"`
	AvgEdgesPerNode  float64      `json:"avg_edges_per_node"`
	Tombstones       int          `json:"tombstones"`
	MemoryBytes      int64        `json:"memory_bytes"`
	CompressionRatio float64      `json:"compression_ratio"`
}
