package graph

import (
	"fmt"
	"sort"
)

// ============================================================================
// WEIGHTED GRAPH
// ============================================================================

type neighbor struct {
	to     int
	weight float64
}

// wgraph is an undirected weighted graph over 0..n-1. Adjacency lists are
// sorted by neighbor so every float sum happens in the same order.
type wgraph struct {
	adj  [][]neighbor
	self []float64 // Weight of edges folded into the node by aggregation
}

func newWGraph(n int, edges []edge) *wgraph {
	sets := make([]map[int]float64, n)
	for i := range sets {
		sets[i] = make(map[int]float64)
	}
	for _, e := range edges {
		sets[e.A][e.B] += e.Weight
		sets[e.B][e.A] += e.Weight
	}
	return fromSets(sets, make([]float64, n))
}

func fromSets(sets []map[int]float64, self []float64) *wgraph {
	g := &wgraph{adj: make([][]neighbor, len(sets)), self: self}
	for i, set := range sets {
		list := make([]neighbor, 0, len(set))
		for j, w := range set {
			list = append(list, neighbor{to: j, weight: w})
		}
		sort.Slice(list, func(a, b int) bool { return list[a].to < list[b].to })
		g.adj[i] = list
	}
	return g
}

func (g *wgraph) size() int { return len(g.adj) }

// degree counts a self loop twice, as modularity requires.
func (g *wgraph) degree(i int) float64 {
	d := 2 * g.self[i]
	for _, nb := range g.adj[i] {
		d += nb.weight
	}
	return d
}

// subgraph returns the graph induced by members along with a map back to
// the positions in g.
func (g *wgraph) subgraph(members []int) *wgraph {
	pos := make(map[int]int, len(members))
	for i, m := range members {
		pos[m] = i
	}
	sets := make([]map[int]float64, len(members))
	for i, m := range members {
		sets[i] = make(map[int]float64)
		for _, nb := range g.adj[m] {
			if j, ok := pos[nb.to]; ok {
				sets[i][j] = nb.weight
			}
		}
	}
	return fromSets(sets, make([]float64, len(members)))
}

// ============================================================================
// LOUVAIN
// ============================================================================

const (
	maxLevels     = 32
	maxMovePasses = 100
	gainEpsilon   = 1e-12
)

// communities partitions g by modularity using Louvain local moving and
// aggregation, then splits every community into its connected components.
// Nodes are visited in index order and ties go to the lowest community, so
// the same graph always yields the same labels. Labels are numbered by the
// smallest member index.
func communities(g *wgraph, resolution float64) []int {
	n := g.size()
	member := make([]int, n)
	for i := range member {
		member[i] = i
	}

	cur := g
	for level := 0; level < maxLevels && cur.size() > 1; level++ {
		comm, moved := localMoving(cur, resolution)
		if !moved {
			break
		}
		comm = renumber(comm)
		for i := range member {
			member[i] = comm[member[i]]
		}
		cur = aggregate(cur, comm)
	}

	return renumber(connectedComponents(g, member))
}

// localMoving greedily moves nodes between communities while modularity
// improves. It reports whether any node changed community.
func localMoving(g *wgraph, resolution float64) ([]int, bool) {
	n := g.size()
	comm := make([]int, n)
	deg := make([]float64, n)
	tot := make([]float64, n)
	var m2 float64
	for i := 0; i < n; i++ {
		comm[i] = i
		deg[i] = g.degree(i)
		tot[i] = deg[i]
		m2 += deg[i]
	}
	if m2 == 0 {
		return comm, false
	}

	moved := false
	for pass := 0; pass < maxMovePasses; pass++ {
		improved := false
		for i := 0; i < n; i++ {
			ci := comm[i]
			links := make(map[int]float64)
			var order []int
			for _, nb := range g.adj[i] {
				c := comm[nb.to]
				if _, ok := links[c]; !ok {
					order = append(order, c)
				}
				links[c] += nb.weight
			}
			sort.Ints(order)

			tot[ci] -= deg[i]
			best := ci
			bestGain := links[ci] - resolution*tot[ci]*deg[i]/m2
			for _, c := range order {
				if c == ci {
					continue
				}
				gain := links[c] - resolution*tot[c]*deg[i]/m2
				if gain > bestGain+gainEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += deg[i]

			if best != ci {
				comm[i] = best
				improved = true
				moved = true
			}
		}
		if !improved {
			break
		}
	}
	return comm, moved
}

// aggregate collapses each community of g into a single node.
func aggregate(g *wgraph, comm []int) *wgraph {
	k := 0
	for _, c := range comm {
		if c+1 > k {
			k = c + 1
		}
	}

	sets := make([]map[int]float64, k)
	for i := range sets {
		sets[i] = make(map[int]float64)
	}
	self := make([]float64, k)
	for i := 0; i < g.size(); i++ {
		ci := comm[i]
		self[ci] += g.self[i]
		for _, nb := range g.adj[i] {
			if nb.to < i {
				continue
			}
			cj := comm[nb.to]
			if ci == cj {
				self[ci] += nb.weight
				continue
			}
			sets[ci][cj] += nb.weight
			sets[cj][ci] += nb.weight
		}
	}
	return fromSets(sets, self)
}

// connectedComponents splits each labelled group into components connected
// within the group. Component labels are fresh and not yet renumbered.
func connectedComponents(g *wgraph, labels []int) []int {
	out := make([]int, len(labels))
	for i := range out {
		out[i] = -1
	}

	next := 0
	for start := range labels {
		if out[start] >= 0 {
			continue
		}
		out[start] = next
		queue := []int{start}
		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			for _, nb := range g.adj[i] {
				if out[nb.to] < 0 && labels[nb.to] == labels[i] {
					out[nb.to] = next
					queue = append(queue, nb.to)
				}
			}
		}
		next++
	}
	return out
}

// renumber relabels communities 0..k-1 in order of their smallest member.
func renumber(labels []int) []int {
	mapping := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		id, ok := mapping[l]
		if !ok {
			id = len(mapping)
			mapping[l] = id
		}
		out[i] = id
	}
	return out
}

// groups returns the members of each label, in label order.
func groups(labels []int) [][]int {
	var out [][]int
	for i, l := range labels {
		for len(out) <= l {
			out = append(out, nil)
		}
		out[l] = append(out[l], i)
	}
	return out
}

// ============================================================================
// HIERARCHY
// ============================================================================

// arenaCluster is one cluster of the hierarchy. Parent is an index into the
// same arena, -1 at the top level. Members are node positions, ascending.
type arenaCluster struct {
	ID      string
	Parent  int
	Depth   int
	Members []int
}

// hierarchy partitions the whole graph, then repartitions every cluster
// larger than maxSize until maxDepth levels exist. A cluster that cannot be
// split further stays a leaf.
func hierarchy(g *wgraph, resolution float64, maxSize, maxDepth int) []arenaCluster {
	all := make([]int, g.size())
	for i := range all {
		all[i] = i
	}

	var arena []arenaCluster
	var split func(members []int, parent, depth int, prefix string)
	split = func(members []int, parent, depth int, prefix string) {
		sub := g
		if parent >= 0 {
			sub = g.subgraph(members)
		}
		parts := groups(communities(sub, resolution))
		if parent >= 0 && len(parts) < 2 {
			return
		}

		for k, part := range parts {
			ids := make([]int, len(part))
			for i, p := range part {
				ids[i] = members[p]
			}
			idx := len(arena)
			arena = append(arena, arenaCluster{
				ID:      fmt.Sprintf("%s%d", prefix, k),
				Parent:  parent,
				Depth:   depth,
				Members: ids,
			})
			if len(ids) > maxSize && depth+1 < maxDepth {
				split(ids, idx, depth+1, arena[idx].ID+".")
			}
		}
	}
	split(all, -1, 0, "c")
	return arena
}

// leaves maps each node position to its deepest cluster.
func leaves(arena []arenaCluster, n int) []int {
	leaf := make([]int, n)
	for i := range leaf {
		leaf[i] = -1
	}
	// Children always follow their parent in the arena.
	for idx, c := range arena {
		for _, m := range c.Members {
			leaf[m] = idx
		}
	}
	return leaf
}
