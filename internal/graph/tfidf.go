package graph

import (
	"hash/fnv"
	"math"
	"sort"

	"github.com/normanking/cortexmem/pkg/types"
)

// termWeight is one component of a sparse TF-IDF vector.
type termWeight struct {
	Term   string  `json:"t"`
	Weight float64 `json:"w"`
}

// node is the build-time view of one memory. Terms is the unit-length
// TF-IDF vector sorted by term and is what similarities are computed on.
// Vector is the same data hashed into fixed dimensions for the ANN index.
type node struct {
	ID         string       `json:"id"`
	Importance int          `json:"importance"`
	Entities   []string     `json:"entities"`
	Terms      []termWeight `json:"terms"`
	Vector     []float32    `json:"vector"`
}

// weight returns the normalized weight of term in n.
func (n node) weight(term string) float64 {
	i := sort.Search(len(n.Terms), func(i int) bool { return n.Terms[i].Term >= term })
	if i < len(n.Terms) && n.Terms[i].Term == term {
		return n.Terms[i].Weight
	}
	return 0
}

// similarity is the exact cosine similarity of two nodes.
func similarity(a, b node) float64 {
	var dot float64
	i, j := 0, 0
	for i < len(a.Terms) && j < len(b.Terms) {
		switch {
		case a.Terms[i].Term == b.Terms[j].Term:
			dot += a.Terms[i].Weight * b.Terms[j].Weight
			i++
			j++
		case a.Terms[i].Term < b.Terms[j].Term:
			i++
		default:
			j++
		}
	}
	return dot
}

// vectorize computes TF-IDF vectors for the corpus. Memories that yield no
// terms are left out; the result keeps the input order.
func vectorize(tok *Tokenizer, memories []types.Memory, dims, topEntities int) []node {
	docs := make([][]string, len(memories))
	df := make(map[string]int)
	for i, m := range memories {
		docs[i] = tok.Tokens(m.Content)
		seen := make(map[string]struct{}, len(docs[i]))
		for _, term := range docs[i] {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			df[term]++
		}
	}

	n := float64(len(memories))
	nodes := make([]node, 0, len(memories))
	for i, m := range memories {
		if len(docs[i]) == 0 {
			continue
		}

		tf := make(map[string]int, len(docs[i]))
		for _, term := range docs[i] {
			tf[term]++
		}

		// Sorted so colliding buckets always sum in the same order.
		terms := make([]string, 0, len(tf))
		for term := range tf {
			terms = append(terms, term)
		}
		sort.Strings(terms)

		weights := make(map[string]float64, len(tf))
		sparse := make([]termWeight, len(terms))
		var norm float64
		for k, term := range terms {
			// Smoothed idf keeps terms that appear everywhere above zero.
			idf := math.Log((1+n)/(1+float64(df[term]))) + 1
			w := (float64(tf[term]) / float64(len(docs[i]))) * idf
			weights[term] = w
			sparse[k] = termWeight{Term: term, Weight: w}
			norm += w * w
		}
		norm = math.Sqrt(norm)

		vec := make([]float32, dims)
		for k := range sparse {
			sparse[k].Weight /= norm
			vec[bucket(sparse[k].Term, dims)] += float32(sparse[k].Weight)
		}
		if isZero(vec) {
			continue
		}

		nodes = append(nodes, node{
			ID:         m.ID,
			Importance: m.Importance,
			Entities:   topTerms(weights, topEntities),
			Terms:      sparse,
			Vector:     normalize(vec),
		})
	}
	return nodes
}

// bucket maps a term to a vector dimension.
func bucket(term string, dims int) int {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int(h.Sum32() % uint32(dims))
}

// topTerms returns the k highest weighted terms, alphabetical on ties.
func topTerms(weights map[string]float64, k int) []string {
	terms := make([]string, 0, len(weights))
	for t := range weights {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if weights[terms[i]] != weights[terms[j]] {
			return weights[terms[i]] > weights[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > k {
		terms = terms[:k]
	}
	return terms
}

// sharedEntities returns the sorted intersection of two entity lists.
func sharedEntities(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}
	var shared []string
	for _, e := range b {
		if _, ok := set[e]; ok {
			shared = append(shared, e)
		}
	}
	sort.Strings(shared)
	return shared
}
