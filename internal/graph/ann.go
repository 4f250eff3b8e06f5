package graph

import (
	"math/rand"
)

const (
	lshTables = 8  // Independent hash tables
	lshBits   = 12 // Hyperplanes per table
)

// neighborIndex finds candidate neighbors for every node.
type neighborIndex interface {
	// Neighbors returns up to k nodes most similar to node i, best first,
	// excluding i itself.
	Neighbors(i, k int) []scored
}

// newNeighborIndex picks exact search for small corpora and an LSH index
// at or above exactBelow nodes.
func newNeighborIndex(nodes []node, exactBelow int, seed int64) neighborIndex {
	if len(nodes) < exactBelow {
		return &exactIndex{nodes: nodes}
	}
	return newLSHIndex(nodes, seed)
}

// exactIndex compares every pair. O(n²) but exact and cheap at small n.
type exactIndex struct {
	nodes []node
}

func (x *exactIndex) Neighbors(i, k int) []scored {
	candidates := make([]scored, 0, len(x.nodes)-1)
	for j := range x.nodes {
		if j == i {
			continue
		}
		candidates = append(candidates, scored{idx: j, score: similarity(x.nodes[i], x.nodes[j])})
	}
	return topK(candidates, k)
}

// lshIndex is random-hyperplane locality sensitive hashing over the hashed
// node vectors. Each table signs a node against lshBits seeded hyperplanes;
// a query probes its own bucket and every bucket one bit away in each table.
// Buckets hold node positions in ascending order and candidates are rescored
// exactly, so the same nodes and seed always give the same neighbors.
type lshIndex struct {
	nodes   []node
	planes  [][][]float32 // [table][bit][dim]
	keys    [][]uint64    // [table][node]
	buckets []map[uint64][]int
	seen    []int
	epoch   int
}

func newLSHIndex(nodes []node, seed int64) *lshIndex {
	dims := 0
	if len(nodes) > 0 {
		dims = len(nodes[0].Vector)
	}

	rng := rand.New(rand.NewSource(seed))
	planes := make([][][]float32, lshTables)
	for t := range planes {
		planes[t] = make([][]float32, lshBits)
		for b := range planes[t] {
			plane := make([]float32, dims)
			for d := range plane {
				plane[d] = float32(rng.NormFloat64())
			}
			planes[t][b] = plane
		}
	}

	x := &lshIndex{
		nodes:   nodes,
		planes:  planes,
		keys:    make([][]uint64, lshTables),
		buckets: make([]map[uint64][]int, lshTables),
		seen:    make([]int, len(nodes)),
	}
	for t := range planes {
		x.keys[t] = make([]uint64, len(nodes))
		x.buckets[t] = make(map[uint64][]int)
		for i, n := range nodes {
			key := signature(planes[t], n.Vector)
			x.keys[t][i] = key
			x.buckets[t][key] = append(x.buckets[t][key], i)
		}
	}
	return x
}

// signature hashes v to one bit per hyperplane. Hashed TF-IDF vectors are
// mostly zero, so only nonzero components are visited.
func signature(planes [][]float32, v []float32) uint64 {
	var key uint64
	for b, plane := range planes {
		var dot float32
		for d, val := range v {
			if val != 0 && d < len(plane) {
				dot += val * plane[d]
			}
		}
		if dot > 0 {
			key |= 1 << b
		}
	}
	return key
}

// Neighbors is not safe for concurrent use; it reuses a visit marker.
func (x *lshIndex) Neighbors(i, k int) []scored {
	x.epoch++
	x.seen[i] = x.epoch

	var candidates []scored
	visit := func(bucket []int) {
		for _, j := range bucket {
			if x.seen[j] == x.epoch {
				continue
			}
			x.seen[j] = x.epoch
			candidates = append(candidates, scored{idx: j, score: similarity(x.nodes[i], x.nodes[j])})
		}
	}

	for t := range x.buckets {
		key := x.keys[t][i]
		visit(x.buckets[t][key])
		for b := 0; b < lshBits; b++ {
			visit(x.buckets[t][key^(1<<b)])
		}
	}
	return topK(candidates, k)
}
