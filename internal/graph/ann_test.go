package graph

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/pkg/types"
)

const syntheticTopics = 25

// syntheticCorpus returns n memories spread over syntheticTopics topics.
// Each memory draws most of its words from its topic vocabulary and a few
// from a vocabulary every topic shares.
func syntheticCorpus(n int) []types.Memory {
	rng := rand.New(rand.NewSource(7))
	memories := make([]types.Memory, n)
	for i := range memories {
		topic := i % syntheticTopics
		words := make([]string, 0, 9)
		for j := 0; j < 6; j++ {
			words = append(words, fmt.Sprintf("topic%dterm%d", topic, rng.Intn(8)))
		}
		for j := 0; j < 3; j++ {
			words = append(words, fmt.Sprintf("shared%d", rng.Intn(40)))
		}
		memories[i] = types.Memory{
			ID:         fmt.Sprintf("m%05d", i),
			Content:    strings.Join(words, " "),
			Importance: 5,
		}
	}
	return memories
}

func TestLSHEdgesAreDeterministic(t *testing.T) {
	g := newTestGraph(t, nil)
	cfg := DefaultConfig()
	nodes := vectorize(g.tok, syntheticCorpus(cfg.ExactBelow+500), cfg.VectorDims, cfg.TopEntities)
	require.GreaterOrEqual(t, len(nodes), cfg.ExactBelow)

	build := func() []edge {
		idx := newNeighborIndex(nodes, cfg.ExactBelow, cfg.Seed)
		require.IsType(t, &lshIndex{}, idx)
		return buildEdges(nodes, idx, cfg.SimilarityThreshold, cfg.MaxDegree)
	}

	first := build()
	require.NotEmpty(t, first)
	for run := 0; run < 3; run++ {
		assert.Equal(t, first, build(), "run %d", run+1)
	}
}

func TestLSHFindsSameTopicNeighbors(t *testing.T) {
	g := newTestGraph(t, nil)
	cfg := DefaultConfig()
	nodes := vectorize(g.tok, syntheticCorpus(1000), cfg.VectorDims, cfg.TopEntities)
	require.Len(t, nodes, 1000)
	idx := newLSHIndex(nodes, cfg.Seed)

	for i := 0; i < 50; i++ {
		found := idx.Neighbors(i, 5)
		require.NotEmpty(t, found, "node %d", i)
		assert.Equal(t, i%syntheticTopics, found[0].idx%syntheticTopics, "node %d", i)
		for k := 1; k < len(found); k++ {
			assert.False(t, found[k].better(found[k-1]), "node %d results out of order", i)
		}
		for _, f := range found {
			assert.NotEqual(t, i, f.idx)
		}
	}
}

func TestLSHSeedChangesHyperplanes(t *testing.T) {
	g := newTestGraph(t, nil)
	cfg := DefaultConfig()
	nodes := vectorize(g.tok, syntheticCorpus(100), cfg.VectorDims, cfg.TopEntities)

	a := newLSHIndex(nodes, 1)
	b := newLSHIndex(nodes, 1)
	c := newLSHIndex(nodes, 2)
	assert.Equal(t, a.keys, b.keys)
	assert.NotEqual(t, a.keys, c.keys)
}
