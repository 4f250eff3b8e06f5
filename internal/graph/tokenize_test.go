package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/pkg/types"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"stop words dropped", "The cache is used for the API", []string{"cache", "api"}},
		{"tech terms kept", "Use C++ and C# with node.js", []string{"c++", "c#", "node.js"}},
		{"numbers dropped", "retry 3 times after 1.5s", []string{"retry", "times", "1.5s"}},
		{"punctuation trimmed", "docker-compose, postgres.", []string{"docker-compose", "postgres"}},
		{"empty", "   ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenize(tt.in))
		})
	}
}

func TestTokenizerCache(t *testing.T) {
	tok, err := NewTokenizer(1000)
	require.NoError(t, err)
	defer tok.Close()

	first := tok.Tokens("postgres index tuning")
	tok.cache.Wait()
	assert.Equal(t, first, tok.Tokens("postgres index tuning"))

	disabled, err := NewTokenizer(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres"}, disabled.Tokens("postgres"))
	disabled.Close()
}

func TestVectorize(t *testing.T) {
	tok, err := NewTokenizer(0)
	require.NoError(t, err)

	memories := []types.Memory{
		{ID: "a", Content: "postgres index postgres", Importance: 5},
		{ID: "b", Content: "the and of", Importance: 5},
		{ID: "c", Content: "postgres vacuum", Importance: 7},
	}
	nodes := vectorize(tok, memories, 64, 2)

	require.Len(t, nodes, 2, "stop-word only memory is skipped")
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "c", nodes[1].ID)
	assert.Len(t, nodes[0].Entities, 2)
	assert.Len(t, nodes[0].Vector, 64)

	// "index" is rarer than "postgres" but appears once against twice.
	assert.ElementsMatch(t, []string{"postgres", "index"}, nodes[0].Entities)

	var norm float64
	for _, tw := range nodes[0].Terms {
		norm += tw.Weight * tw.Weight
	}
	assert.InDelta(t, 1.0, norm, 1e-9)
	assert.InDelta(t, 1.0, similarity(nodes[0], nodes[0]), 1e-9)
	assert.Greater(t, similarity(nodes[0], nodes[1]), 0.0)
	assert.Equal(t, similarity(nodes[0], nodes[1]), similarity(nodes[1], nodes[0]))
}

func TestTopK(t *testing.T) {
	items := []scored{{0, 0.2}, {1, 0.9}, {2, 0.5}, {3, 0.9}, {4, 0.1}}

	got := topK(items, 3)
	assert.Equal(t, []scored{{1, 0.9}, {3, 0.9}, {2, 0.5}}, got)

	assert.Len(t, topK(items, 10), 5)
	assert.Nil(t, topK(items, 0))
	assert.Nil(t, topK(nil, 3))
}

func TestClusterName(t *testing.T) {
	assert.Equal(t, "Docker / Compose / Networking", clusterName([]string{"docker", "compose", "networking", "volumes"}))
	assert.Equal(t, "Postgres", clusterName([]string{"postgres"}))
	assert.Equal(t, "Miscellaneous", clusterName(nil))
}
