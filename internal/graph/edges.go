package graph

import (
	"sort"

	"github.com/normanking/cortexmem/pkg/types"
)

// edge is an undirected link between node positions a < b.
type edge struct {
	A      int      `json:"a"`
	B      int      `json:"b"`
	Weight float64  `json:"weight"`
	Shared []string `json:"shared,omitempty"`
}

// buildEdges connects each node to its nearest neighbors at or above
// threshold. Candidate pairs are accepted strongest first while both
// endpoints are under maxDegree, which keeps the result independent of
// the order nodes were visited.
func buildEdges(nodes []node, idx neighborIndex, threshold float64, maxDegree int) []edge {
	type pair struct{ a, b int }
	candidates := make(map[pair]float64)

	for i := range nodes {
		for _, nb := range idx.Neighbors(i, maxDegree*2) {
			if nb.score < threshold {
				break
			}
			p := pair{i, nb.idx}
			if p.a > p.b {
				p.a, p.b = p.b, p.a
			}
			candidates[p] = nb.score
		}
	}

	ordered := make([]edge, 0, len(candidates))
	for p, w := range candidates {
		ordered = append(ordered, edge{A: p.a, B: p.b, Weight: w})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Weight != ordered[j].Weight {
			return ordered[i].Weight > ordered[j].Weight
		}
		if ordered[i].A != ordered[j].A {
			return ordered[i].A < ordered[j].A
		}
		return ordered[i].B < ordered[j].B
	})

	degree := make([]int, len(nodes))
	edges := make([]edge, 0, len(ordered))
	for _, e := range ordered {
		if degree[e.A] >= maxDegree || degree[e.B] >= maxDegree {
			continue
		}
		degree[e.A]++
		degree[e.B]++
		e.Shared = sharedEntities(nodes[e.A].Entities, nodes[e.B].Entities)
		edges = append(edges, e)
	}
	return edges
}

// relationship classifies an edge by whether its endpoints share entities.
func (e edge) relationship() types.RelationshipType {
	if len(e.Shared) > 0 {
		return types.RelEntityOverlap
	}
	return types.RelVectorSimilarity
}

// toGraphEdge converts e to its stored form with Source < Target by id.
func (e edge) toGraphEdge(nodes []node, generation int64) types.GraphEdge {
	src, dst := nodes[e.A].ID, nodes[e.B].ID
	if dst < src {
		src, dst = dst, src
	}
	return types.GraphEdge{
		Source:         src,
		Target:         dst,
		Weight:         e.Weight,
		Relationship:   e.relationship(),
		SharedEntities: e.Shared,
		Generation:     generation,
	}
}
