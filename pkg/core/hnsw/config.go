package hnsw

import (
	"fmt"
	"math"
	"strings"
)

// Selection is the strategy used to choose the neighbors of a newly inserted node.
type Selection string

const (
	// SelectSimple keeps the closest candidates.
	SelectSimple Selection = "simple"
	// SelectHeuristic skips a candidate that is closer to an already selected
	// neighbor than to the new node, then backfills with the best skipped ones.
	SelectHeuristic Selection = "heuristic"
)

// ParseSelection converts a user supplied name into a Selection. Empty selects SelectSimple.
func ParseSelection(name string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "simple", "closest":
		return SelectSimple, nil
	case "heuristic", "diversity":
		return SelectHeuristic, nil
	default:
		return "", fmt.Errorf("unknown neighbor selection '%s'", name)
	}
}

// MaxLevelCap bounds the level drawn for any node.
const MaxLevelCap = 32

// Config holds the construction parameters of a graph. They are fixed for the
// lifetime of the graph and persisted with it.
type Config struct {
	// M is the neighbor cap on upper layers. Layer 0 allows 2*M.
	M int `yaml:"m" json:"m"`
	// EfConstruction is the candidate list size used while inserting.
	EfConstruction int `yaml:"ef_construction" json:"ef_construction"`
	// EfSearch is the default candidate list size for queries.
	EfSearch int `yaml:"ef_search" json:"ef_search"`
	// Selection picks the neighbor selection strategy.
	Selection Selection `yaml:"selection" json:"selection"`
	// Seed initializes the level generator. Equal seeds and insertion orders
	// produce identical graphs.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the parameters used when none are supplied.
func DefaultConfig() Config {
	return Config{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Selection:      SelectSimple,
		Seed:           42,
	}
}

// Validate checks the parameters and fills the zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.M == 0 {
		c.M = def.M
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = def.EfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = def.EfSearch
	}
	if c.Selection == "" {
		c.Selection = def.Selection
	}
	if c.M < 2 {
		return fmt.Errorf("m must be at least 2, got %d", c.M)
	}
	if c.EfConstruction < 1 {
		return fmt.Errorf("ef_construction must be positive, got %d", c.EfConstruction)
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("ef_search must be positive, got %d", c.EfSearch)
	}
	if _, err := ParseSelection(string(c.Selection)); err != nil {
		return err
	}
	return nil
}

// MaxM0 is the neighbor cap on layer 0.
func (c Config) MaxM0() int { return 2 * c.M }

// LevelMultiplier is mL = 1/ln(M).
func (c Config) LevelMultiplier() float64 { return 1 / math.Log(float64(c.M)) }

func (c Config) capacity(level int) int {
	if level == 0 {
		return c.MaxM0()
	}
	return c.M
}
