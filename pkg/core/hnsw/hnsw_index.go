// Package hnsw implements the Hierarchical Navigable Small World graph used for
// approximate nearest neighbor search.
//
// The graph stores adjacency only. Nodes live in a flat arena addressed by
// uint32 slots shared with the vector store, and every distance is resolved
// through a Space supplied at construction. A Graph is not safe for concurrent
// mutation: callers serialize Insert, Remove, Compact and Restore, and may run
// any number of Search calls concurrently while no mutation is in flight.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/sanonone/genovec/pkg/core/types"
)

// Space resolves distances between the vectors stored at arena slots.
type Space interface {
	// QueryScorer prepares the distance from query to any stored slot.
	QueryScorer(query []float32) func(slot uint32) float64
	// SlotDistance is the distance between the vectors stored at two slots.
	SlotDistance(a, b uint32) float64
}

// AcceptFunc reports whether a slot may appear in search results.
// Rejected slots are still traversed.
type AcceptFunc func(slot uint32) bool

type scoreFunc func(slot uint32) float64

// Graph is a multi-layer proximity graph over arena slots.
type Graph struct {
	cfg   Config
	space Space
	nodes []node

	entry    uint32
	maxLevel int // -1 when the graph is empty
	live     int

	rng     *rand.Rand
	visited visitedPool
}

// New creates an empty graph.
func New(cfg Config, space Space) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if space == nil {
		return nil, fmt.Errorf("hnsw: nil distance space")
	}
	return &Graph{
		cfg:      cfg,
		space:    space,
		maxLevel: -1,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (g *Graph) Config() Config { return g.cfg }

// Len returns the number of live nodes.
func (g *Graph) Len() int { return g.live }

// Slots returns the arena length, tombstones included.
func (g *Graph) Slots() int { return len(g.nodes) }

// Tombstones returns the number of removed slots awaiting compaction.
func (g *Graph) Tombstones() int {
	n := 0
	for i := range g.nodes {
		if g.nodes[i].present && g.nodes[i].deleted {
			n++
		}
	}
	return n
}

// EntryPoint returns the entry slot, or false when the graph is empty.
func (g *Graph) EntryPoint() (uint32, bool) {
	if g.maxLevel < 0 {
		return 0, false
	}
	return g.entry, true
}

func (g *Graph) MaxLevel() int { return g.maxLevel }

// Contains reports whether slot holds a live node.
func (g *Graph) Contains(slot uint32) bool {
	return int(slot) < len(g.nodes) && g.nodes[slot].live()
}

// Level returns the top layer of a live node, or -1.
func (g *Graph) Level(slot uint32) int {
	if !g.Contains(slot) {
		return -1
	}
	return g.nodes[slot].level
}

// Neighbors returns the adjacency of slot at level. The slice is owned by the
// graph and valid until the next mutation.
func (g *Graph) Neighbors(slot uint32, level int) []uint32 {
	if !g.Contains(slot) || level > g.nodes[slot].level {
		return nil
	}
	return g.nodes[slot].links[level]
}

// randomLevel draws floor(-ln(U) * mL) with U in (0, 1].
func (g *Graph) randomLevel() int {
	u := 1 - g.rng.Float64()
	level := int(math.Floor(-math.Log(u) * g.cfg.LevelMultiplier()))
	return min(level, MaxLevelCap)
}

func (g *Graph) checkEntry() error {
	if g.live > 0 && (g.maxLevel < 0 || !g.Contains(g.entry)) {
		return types.Inconsistent("graph has %d live nodes but no valid entry point", g.live)
	}
	return nil
}

// Insert links the vector already stored at slot into the graph. vec is the
// raw vector, used as the query while searching for neighbors. The slot must be
// new to the graph. Insert either links the node on all its layers or returns
// an error before touching the graph.
func (g *Graph) Insert(slot uint32, vec []float32) error {
	if int(slot) < len(g.nodes) && g.nodes[slot].present {
		return fmt.Errorf("hnsw: slot %d already in use", slot)
	}
	if err := g.checkEntry(); err != nil {
		return err
	}

	level := g.randomLevel()
	g.grow(slot)
	g.nodes[slot] = newNode(level)

	if g.maxLevel < 0 {
		g.entry = slot
		g.maxLevel = level
		g.live++
		return nil
	}

	score := scoreFunc(g.space.QueryScorer(vec))
	ep := []types.Candidate{{Id: g.entry, Distance: score(g.entry)}}
	for l := g.maxLevel; l > level; l-- {
		ep = g.searchLayer(score, ep, 1, l, nil)
	}

	for l := min(level, g.maxLevel); l >= 0; l-- {
		candidates := g.searchLayer(score, ep, g.cfg.EfConstruction, l, nil)
		capacity := g.cfg.capacity(l)
		selected := g.selectNeighbors(candidates, capacity)

		links := make([]uint32, len(selected), capacity+1)
		for i, c := range selected {
			links[i] = c.Id
		}
		g.nodes[slot].links[l] = links

		for _, c := range selected {
			g.addLink(c.Id, slot, l)
		}
		if len(candidates) > 0 {
			ep = candidates
		}
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entry = slot
	}
	g.live++
	return nil
}

func (g *Graph) grow(slot uint32) {
	if int(slot) < len(g.nodes) {
		return
	}
	if int(slot) < cap(g.nodes) {
		g.nodes = g.nodes[:slot+1]
		return
	}
	newCap := max(int(slot)+1, 2*cap(g.nodes), 64)
	nodes := make([]node, slot+1, newCap)
	copy(nodes, g.nodes)
	g.nodes = nodes
}

// addLink appends to to the neighbor list of from and prunes it back to the
// layer capacity, keeping its closest connections.
func (g *Graph) addLink(from, to uint32, level int) {
	n := &g.nodes[from]
	if level > n.level || containsLink(n.links[level], to) {
		return
	}
	n.links[level] = append(n.links[level], to)
	if capacity := g.cfg.capacity(level); len(n.links[level]) > capacity {
		g.prune(from, level, capacity)
	}
}

func (g *Graph) prune(slot uint32, level, capacity int) {
	links := g.nodes[slot].links[level]
	candidates := make([]types.Candidate, len(links))
	for i, id := range links {
		candidates[i] = types.Candidate{Id: id, Distance: g.space.SlotDistance(slot, id)}
	}
	sort.Slice(candidates, func(i, j int) bool { return closer(candidates[i], candidates[j]) })
	kept := g.selectNeighbors(candidates, capacity)

	links = links[:0]
	for _, c := range kept {
		links = append(links, c.Id)
	}
	g.nodes[slot].links[level] = links
}

// selectNeighbors picks up to m neighbors from candidates sorted closest first.
func (g *Graph) selectNeighbors(candidates []types.Candidate, m int) []types.Candidate {
	if len(candidates) <= m {
		return candidates
	}
	if g.cfg.Selection != SelectHeuristic {
		return candidates[:m]
	}

	results := make([]types.Candidate, 0, m)
	discarded := make([]types.Candidate, 0, len(candidates))
	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		good := true
		for _, r := range results {
			if g.space.SlotDistance(e.Id, r.Id) < e.Distance {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	// Backfill so a node is never left weakly connected.
	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	sort.Slice(results, func(i, j int) bool { return closer(results[i], results[j]) })
	return results
}

// Search returns up to k live slots closest to query, closest first.
//
// ef is raised to k when smaller. With a non-nil accept, only accepted slots
// are collected while rejected ones are still traversed; if fewer than k
// accepted slots are found, ef doubles and layer 0 is searched again until k
// matches are found or ef covers every live node. ctx is checked between rounds.
func (g *Graph) Search(ctx context.Context, query []float32, k, ef int, accept AcceptFunc) ([]types.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if g.live == 0 {
		return []types.Candidate{}, nil
	}
	if err := g.checkEntry(); err != nil {
		return nil, err
	}
	if ef < k {
		ef = k
	}

	score := scoreFunc(g.space.QueryScorer(query))
	ep := []types.Candidate{{Id: g.entry, Distance: score(g.entry)}}
	for l := g.maxLevel; l > 0; l-- {
		ep = g.searchLayer(score, ep, 1, l, nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits := g.searchLayer(score, ep, ef, 0, accept)
		if len(hits) >= k || accept == nil || ef >= g.live {
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits, nil
		}
		ef = min(ef*2, g.live)
	}
}

// searchLayer runs the bounded best-first expansion of one layer from the
// given entry points. The frontier is bounded by the ef closest live nodes seen.
// It returns the closest accepted nodes, at most ef of them.
func (g *Graph) searchLayer(score scoreFunc, entries []types.Candidate, ef, level int, accept AcceptFunc) []types.Candidate {
	visited := g.visited.get(len(g.nodes))
	defer g.visited.put(visited)

	candidates := newMinHeap(ef * 2)
	top := newMaxHeap(ef + 1)
	var hits *maxHeap
	if accept != nil {
		hits = newMaxHeap(ef + 1)
	}
	admit := func(c types.Candidate) {
		top.push(c)
		if top.Len() > ef {
			top.pop()
		}
		if hits != nil && accept(c.Id) {
			hits.push(c)
			if hits.Len() > ef {
				hits.pop()
			}
		}
	}

	for _, e := range entries {
		if visited.TestAndAdd(e.Id) || !g.nodes[e.Id].live() {
			continue
		}
		candidates.push(e)
		admit(e)
	}

	for candidates.Len() > 0 {
		current := candidates.pop()
		if top.Len() >= ef && closer(top.peek(), current) {
			break
		}

		n := &g.nodes[current.Id]
		if level > n.level || n.deleted {
			continue
		}
		for _, nb := range n.links[level] {
			if visited.TestAndAdd(nb) || !g.nodes[nb].live() {
				continue
			}
			c := types.Candidate{Id: nb, Distance: score(nb)}
			if top.Len() < ef || closer(c, top.peek()) {
				candidates.push(c)
				admit(c)
			}
		}
	}

	if hits != nil {
		return hits.sorted()
	}
	return top.sorted()
}
