package hnsw

import (
	"sort"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Remove tombstones slot and strips it from every neighbor list on every layer.
// Each node that lost the edge is offered the removed node's own neighbors on
// that layer as replacements. If slot was the entry point, the live node with
// the highest level takes over. Remove returns false if slot is not live.
//
// The scan over the arena makes Remove O(N); the slot itself stays allocated
// until Compact.
func (g *Graph) Remove(slot uint32) bool {
	if !g.Contains(slot) {
		return false
	}
	victim := &g.nodes[slot]

	for i := range g.nodes {
		x := uint32(i)
		n := &g.nodes[i]
		if x == slot || !n.live() {
			continue
		}
		top := min(n.level, victim.level)
		for l := 0; l <= top; l++ {
			var removed bool
			n.links[l], removed = removeLink(n.links[l], slot)
			if removed {
				g.repair(x, l, victim.links[l], slot)
			}
		}
	}

	victim.deleted = true
	victim.links = nil
	g.live--

	if g.entry == slot {
		g.promoteEntry()
	}
	return true
}

// repair refills the neighbor list of x at level from donors, closest first.
func (g *Graph) repair(x uint32, level int, donors []uint32, removed uint32) {
	n := &g.nodes[x]
	capacity := g.cfg.capacity(level)
	if len(n.links[level]) >= capacity {
		return
	}

	candidates := make([]types.Candidate, 0, len(donors))
	for _, d := range donors {
		if d == x || d == removed || !g.Contains(d) || g.nodes[d].level < level || containsLink(n.links[level], d) {
			continue
		}
		candidates = append(candidates, types.Candidate{Id: d, Distance: g.space.SlotDistance(x, d)})
	}
	sort.Slice(candidates, func(i, j int) bool { return closer(candidates[i], candidates[j]) })

	for _, c := range candidates {
		if len(n.links[level]) >= capacity {
			break
		}
		n.links[level] = append(n.links[level], c.Id)
	}
}

// promoteEntry elects the live node with the highest level, lowest slot first.
func (g *Graph) promoteEntry() {
	g.maxLevel = -1
	g.entry = 0
	for i := range g.nodes {
		n := &g.nodes[i]
		if n.live() && n.level > g.maxLevel {
			g.maxLevel = n.level
			g.entry = uint32(i)
		}
	}
}
