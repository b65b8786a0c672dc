package hnsw

// node is one arena entry of the graph. Its position in Graph.nodes is its slot,
// shared with the vector store.
type node struct {
	// links[l] holds the neighbor slots at layer l, for l in [0, level].
	links [][]uint32
	// level is the highest layer the node lives on, drawn once at insert time.
	level int
	// present is false for slots the graph has never seen.
	present bool
	// deleted tombstones a removed node until the arena is compacted.
	deleted bool
}

func (n *node) live() bool { return n.present && !n.deleted }

func newNode(level int) node {
	return node{
		links:   make([][]uint32, level+1),
		level:   level,
		present: true,
	}
}

func removeLink(links []uint32, target uint32) ([]uint32, bool) {
	for i, id := range links {
		if id == target {
			copy(links[i:], links[i+1:])
			return links[:len(links)-1], true
		}
	}
	return links, false
}

func containsLink(links []uint32, target uint32) bool {
	for _, id := range links {
		if id == target {
			return true
		}
	}
	return false
}
