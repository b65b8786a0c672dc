package hnsw

import (
	"github.com/sanonone/genovec/pkg/core/types"
)

// Layout is the persisted form of a graph: its entry point and, per slot, the
// level and the per-layer adjacency.
type Layout struct {
	Entry    uint32
	MaxLevel int // -1 for an empty graph
	// Levels[slot] is the top layer of the node, -1 for a tombstone.
	Levels []int
	// Links[slot][layer] lists the neighbors. nil for tombstones.
	Links [][][]uint32
}

// Layout exports the graph. The adjacency slices are shared with the graph and
// valid until the next mutation.
func (g *Graph) Layout() Layout {
	l := Layout{
		Entry:    g.entry,
		MaxLevel: g.maxLevel,
		Levels:   make([]int, len(g.nodes)),
		Links:    make([][][]uint32, len(g.nodes)),
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.live() {
			l.Levels[i] = -1
			continue
		}
		l.Levels[i] = n.level
		l.Links[i] = n.links
	}
	if g.maxLevel < 0 {
		l.Entry = 0
	}
	return l
}

// Restore replaces the graph with a layout. The layout is validated first; on
// error the graph is left unchanged.
func (g *Graph) Restore(l Layout) error {
	if len(l.Links) != len(l.Levels) {
		return types.Inconsistent("layout has %d levels but %d adjacency entries", len(l.Levels), len(l.Links))
	}
	next := &Graph{
		cfg:      g.cfg,
		space:    g.space,
		nodes:    make([]node, len(l.Levels)),
		entry:    l.Entry,
		maxLevel: l.MaxLevel,
		rng:      g.rng,
	}
	for i, level := range l.Levels {
		if level < 0 {
			next.nodes[i] = node{present: true, deleted: true}
			continue
		}
		if level > MaxLevelCap {
			return types.Inconsistent("slot %d has level %d above cap %d", i, level, MaxLevelCap)
		}
		if len(l.Links[i]) != level+1 {
			return types.Inconsistent("slot %d has level %d but %d adjacency layers", i, level, len(l.Links[i]))
		}
		n := newNode(level)
		for layer, links := range l.Links[i] {
			n.links[layer] = append(make([]uint32, 0, g.cfg.capacity(layer)+1), links...)
		}
		next.nodes[i] = n
		next.live++
	}
	if next.live == 0 {
		next.maxLevel = -1
		next.entry = 0
	}
	if err := next.Validate(); err != nil {
		return err
	}

	g.nodes, g.entry, g.maxLevel, g.live = next.nodes, next.entry, next.maxLevel, next.live
	return nil
}

// Validate checks the structural invariants of the graph: a live entry point on
// the highest level, neighbor lists within capacity that reference only live
// nodes present on that layer, and no self or duplicate edges.
func (g *Graph) Validate() error {
	live, top := 0, -1
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.live() {
			continue
		}
		live++
		top = max(top, n.level)
		for l, links := range n.links {
			if len(links) > g.cfg.capacity(l) {
				return types.Inconsistent("slot %d layer %d has %d neighbors, capacity %d", i, l, len(links), g.cfg.capacity(l))
			}
			for j, id := range links {
				if int(id) == i {
					return types.Inconsistent("slot %d links to itself on layer %d", i, l)
				}
				if !g.Contains(id) {
					return types.Inconsistent("slot %d layer %d links to missing slot %d", i, l, id)
				}
				if g.nodes[id].level < l {
					return types.Inconsistent("slot %d layer %d links to slot %d of level %d", i, l, id, g.nodes[id].level)
				}
				if containsLink(links[:j], id) {
					return types.Inconsistent("slot %d layer %d lists slot %d twice", i, l, id)
				}
			}
		}
	}
	if live != g.live {
		return types.Inconsistent("live count %d, counted %d", g.live, live)
	}
	if live == 0 {
		if g.maxLevel != -1 {
			return types.Inconsistent("empty graph with max level %d", g.maxLevel)
		}
		return nil
	}
	if !g.Contains(g.entry) {
		return types.Inconsistent("entry point %d is not a live node", g.entry)
	}
	if g.maxLevel != top || g.nodes[g.entry].level != top {
		return types.Inconsistent("entry point level %d, max level %d, highest node level %d", g.nodes[g.entry].level, g.maxLevel, top)
	}
	return nil
}

// LayerStats counts live nodes and directed edges per layer.
func (g *Graph) LayerStats() []types.LayerStats {
	if g.maxLevel < 0 {
		return nil
	}
	stats := make([]types.LayerStats, g.maxLevel+1)
	for l := range stats {
		stats[l].Level = l
	}
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.live() {
			continue
		}
		for l, links := range n.links {
			stats[l].Nodes++
			stats[l].Edges += len(links)
		}
	}
	return stats
}

// AvgEdgesPerNode is the mean out-degree over all layers of live nodes.
func (g *Graph) AvgEdgesPerNode() float64 {
	if g.live == 0 {
		return 0
	}
	edges := 0
	for _, s := range g.LayerStats() {
		edges += s.Edges
	}
	return float64(edges) / float64(g.live)
}

// MemoryBytes estimates the heap held by the arena and its adjacency.
func (g *Graph) MemoryBytes() int64 {
	const nodeSize, sliceHeader = 48, 24
	total := int64(cap(g.nodes)) * nodeSize
	for i := range g.nodes {
		for _, links := range g.nodes[i].links {
			total += sliceHeader + int64(cap(links))*4
		}
	}
	return total
}
