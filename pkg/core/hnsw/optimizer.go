package hnsw

import (
	"sort"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Compact drops tombstoned slots and renumbers the arena densely, preserving
// the relative order of live slots and all adjacency. It returns the mapping
// from old slot to new slot, -1 for dropped slots, so the vector store can
// apply the same renumbering.
func (g *Graph) Compact() ([]int32, error) {
	remap := make([]int32, len(g.nodes))
	next := int32(0)
	for i := range g.nodes {
		if g.nodes[i].live() {
			remap[i] = next
			next++
		} else {
			remap[i] = -1
		}
	}

	// Verify before mutating: a dangling edge would have no target slot.
	for i := range g.nodes {
		n := &g.nodes[i]
		if !n.live() {
			continue
		}
		for l, links := range n.links {
			for _, id := range links {
				if int(id) >= len(remap) || remap[id] < 0 {
					return nil, types.Inconsistent("slot %d layer %d links to removed slot %d", i, l, id)
				}
			}
		}
	}
	if err := g.checkEntry(); err != nil {
		return nil, err
	}

	nodes := make([]node, next)
	for i := range g.nodes {
		if remap[i] < 0 {
			continue
		}
		n := g.nodes[i]
		for _, links := range n.links {
			for j, id := range links {
				links[j] = uint32(remap[id])
			}
		}
		nodes[remap[i]] = n
	}
	if g.maxLevel >= 0 {
		g.entry = uint32(remap[g.entry])
	}
	g.nodes = nodes
	return remap, nil
}

// Refine re-evaluates the neighbor lists of up to count live nodes starting at
// slot start, searching the graph again with ef and merging the result with the
// current links. It returns the slot to resume from, 0 once the arena wrapped.
func (g *Graph) Refine(start, count, ef int) int {
	if g.live == 0 || count <= 0 {
		return 0
	}
	if ef <= 0 {
		ef = g.cfg.EfConstruction
	}
	if start >= len(g.nodes) || start < 0 {
		start = 0
	}
	end := min(start+count, len(g.nodes))
	for s := start; s < end; s++ {
		if g.nodes[s].live() {
			g.relink(uint32(s), ef)
		}
	}
	if end >= len(g.nodes) {
		return 0
	}
	return end
}

func (g *Graph) relink(slot uint32, ef int) {
	score := func(other uint32) float64 { return g.space.SlotDistance(slot, other) }
	level := g.nodes[slot].level

	ep := []types.Candidate{{Id: g.entry, Distance: score(g.entry)}}
	for l := g.maxLevel; l > level; l-- {
		ep = g.searchLayer(score, ep, 1, l, nil)
	}

	for l := min(level, g.maxLevel); l >= 0; l-- {
		found := g.searchLayer(score, ep, ef, l, nil)
		if len(found) > 0 {
			ep = found
		}

		seen := map[uint32]struct{}{slot: {}}
		merged := make([]types.Candidate, 0, len(found)+len(g.nodes[slot].links[l]))
		for _, c := range found {
			if _, dup := seen[c.Id]; !dup {
				seen[c.Id] = struct{}{}
				merged = append(merged, c)
			}
		}
		for _, id := range g.nodes[slot].links[l] {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				merged = append(merged, types.Candidate{Id: id, Distance: score(id)})
			}
		}
		sort.Slice(merged, func(i, j int) bool { return closer(merged[i], merged[j]) })

		capacity := g.cfg.capacity(l)
		selected := g.selectNeighbors(merged, capacity)
		links := make([]uint32, len(selected), capacity+1)
		for i, c := range selected {
			links[i] = c.Id
		}
		g.nodes[slot].links[l] = links
		for _, c := range selected {
			g.addLink(c.Id, slot, l)
		}
	}
}
