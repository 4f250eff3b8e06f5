// Package graph builds a similarity graph over a profile's memories and
// clusters it into a topic hierarchy.
//
// A build runs entirely off a read snapshot:
//
//  1. TF-IDF vectors and top entities per memory
//  2. nearest-neighbor edges (exact below a size cutoff, seeded LSH above)
//  3. Louvain communities, recursing into oversized clusters
//  4. cluster naming from dominant entities
//
// The result is published as a new generation in one write-queue
// transaction, so readers see either the old graph or the new one.
package graph

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/pkg/types"
)

// MinNodes is the fewest vectorizable memories a build accepts.
const MinNodes = 2

// ErrDisabled is returned by Noop.Build.
var ErrDisabled = errors.New("graph engine disabled")

// Engine is the graph capability used by the rest of the system. Graph
// is the full implementation; Noop stands in when graph features are
// turned off.
type Engine interface {
	Build(ctx context.Context, s *data.Store) (types.BuildReport, error)
	Stats(ctx context.Context, s *data.Store) (Stats, error)
	Related(ctx context.Context, s *data.Store, memoryID string, depth int) ([]types.RelatedMemory, error)
	ClusterMembers(ctx context.Context, s *data.Store, clusterID string) (*types.Cluster, error)
	Centrality(ctx context.Context, s *data.Store, memoryIDs []string) (map[string]float64, error)
	Entities(ctx context.Context, s *data.Store, memoryIDs []string) (map[string][]string, error)
}

// Config tunes graph construction.
type Config struct {
	SimilarityThreshold float64 // Minimum cosine similarity for an edge
	MaxDegree           int     // Edges kept per node
	TopEntities         int     // Entities extracted per memory
	VectorDims          int     // Hashed dimensions for the ANN index
	MaxClusterSize      int     // Clusters larger than this are split
	MaxDepth            int     // Hierarchy levels, top level included
	Resolution          float64 // Modularity resolution
	Seed                int64   // LSH hyperplane seed
	ExactBelow          int     // Node count under which search is exact
	TokenCacheSize      int64   // Cached tokens; 0 disables the cache
}

// DefaultConfig returns the default build parameters.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.2,
		MaxDegree:           10,
		TopEntities:         8,
		VectorDims:          1024,
		MaxClusterSize:      50,
		MaxDepth:            3,
		Resolution:          1.0,
		Seed:                42,
		ExactBelow:          2000,
		TokenCacheSize:      1 << 20,
	}
}

// Stats summarizes the current generation of a profile's graph.
type Stats struct {
	ProfileID    string          `json:"profile_id"`
	Generation   int64           `json:"generation"`
	SnapshotHash string          `json:"snapshot_hash,omitempty"`
	NodeCount    int             `json:"node_count"`
	EdgeCount    int             `json:"edge_count"`
	ClusterCount int             `json:"cluster_count"`
	BuiltAt      time.Time       `json:"built_at"`
	Clusters     []types.Cluster `json:"clusters,omitempty"`
}

// Graph is the full graph engine.
type Graph struct {
	cfg     Config
	tok     *Tokenizer
	sink    bus.Sink
	metrics *metrics.Metrics
}

var _ Engine = (*Graph)(nil)

// New creates a graph engine.
func New(cfg Config, sink bus.Sink, m *metrics.Metrics) (*Graph, error) {
	tok, err := NewTokenizer(cfg.TokenCacheSize)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = bus.Discard
	}
	return &Graph{cfg: cfg, tok: tok, sink: sink, metrics: m}, nil
}

// Close releases the token cache.
func (g *Graph) Close() {
	g.tok.Close()
}

// Build runs the full pipeline for the profile behind s and publishes a new
// generation. Fewer than MinNodes usable memories fail with
// InsufficientDataError and leave the published graph untouched.
func (g *Graph) Build(ctx context.Context, s *data.Store) (types.BuildReport, error) {
	start := time.Now()
	report, err := g.build(ctx, s)
	if err != nil {
		g.metrics.GraphFailed(s.Name())
		return types.BuildReport{}, err
	}

	report.Duration = time.Since(start)
	g.metrics.GraphBuilt(s.Name(), report.Duration, report.ClusterCount)
	if err := g.sink.Publish(bus.NewGraphUpdated(report)); err != nil {
		log.Warn().Err(err).Str("profile", s.Name()).Msg("Failed to publish graph.updated")
	}

	log.Info().
		Str("profile", s.Name()).
		Int64("generation", report.Generation).
		Int("nodes", report.NodeCount).
		Int("edges", report.EdgeCount).
		Int("clusters", report.ClusterCount).
		Bool("resumed", report.Resumed).
		Dur("took", report.Duration).
		Msg("Graph build complete")
	return report, nil
}

func (g *Graph) build(ctx context.Context, s *data.Store) (types.BuildReport, error) {
	memories, err := s.Read(ctx, types.QueryFilter{Tiers: []types.Tier{types.TierActive, types.TierWarm}})
	if err != nil {
		return types.BuildReport{}, err
	}
	sort.Slice(memories, func(i, j int) bool { return memories[i].ID < memories[j].ID })

	hash := snapshotHash(g.cfg, memories)
	report := types.BuildReport{ProfileID: s.Name()}

	var nodes []node
	found, err := loadCheckpoint(ctx, s, hash, stageVectors, &nodes)
	if err != nil {
		return report, err
	}
	if found {
		report.Resumed = true
	} else {
		nodes = vectorize(g.tok, memories, g.cfg.VectorDims, g.cfg.TopEntities)
	}

	if len(nodes) < MinNodes {
		return report, &errs.InsufficientDataError{ProfileID: s.Name(), Eligible: len(nodes), Required: MinNodes}
	}
	if !found {
		if err := saveCheckpoint(ctx, s, hash, stageVectors, nodes); err != nil {
			return report, err
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	var edges []edge
	found, err = loadCheckpoint(ctx, s, hash, stageEdges, &edges)
	if err != nil {
		return report, err
	}
	if found {
		report.Resumed = true
	} else {
		idx := newNeighborIndex(nodes, g.cfg.ExactBelow, g.cfg.Seed)
		edges = buildEdges(nodes, idx, g.cfg.SimilarityThreshold, g.cfg.MaxDegree)
		if err := saveCheckpoint(ctx, s, hash, stageEdges, edges); err != nil {
			return report, err
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	arena := hierarchy(newWGraph(len(nodes), edges), g.cfg.Resolution, g.cfg.MaxClusterSize, g.cfg.MaxDepth)
	clusters := make([]types.Cluster, len(arena))
	for i, c := range arena {
		name, top, avg := describe(nodes, c.Members)
		clusters[i] = types.Cluster{
			ID:            c.ID,
			ProfileID:     s.Name(),
			Depth:         c.Depth,
			MemberIDs:     sortedIDs(nodes, c.Members),
			Name:          name,
			TopEntities:   top,
			AvgImportance: avg,
		}
		if c.Parent >= 0 {
			clusters[i].ParentID = arena[c.Parent].ID
		}
	}

	leaf := leaves(arena, len(nodes))
	assignments := make(map[string]string, len(nodes))
	for i, n := range nodes {
		assignments[n.ID] = arena[leaf[i]].ID
	}

	gen, err := publish(ctx, s, generation{
		hash:        hash,
		nodes:       nodes,
		edges:       edges,
		clusters:    clusters,
		assignments: assignments,
	})
	if err != nil {
		return report, err
	}

	report.Generation = gen
	report.NodeCount = len(nodes)
	report.EdgeCount = len(edges)
	report.ClusterCount = len(clusters)
	return report, nil
}

// ============================================================================
// NOOP
// ============================================================================

// Noop is the degraded engine used when graph features are disabled. Reads
// return empty results so ranking and search keep working.
type Noop struct{}

var _ Engine = Noop{}

func (Noop) Build(context.Context, *data.Store) (types.BuildReport, error) {
	return types.BuildReport{}, ErrDisabled
}

func (Noop) Stats(_ context.Context, s *data.Store) (Stats, error) {
	return Stats{ProfileID: s.Name()}, nil
}

func (Noop) Related(context.Context, *data.Store, string, int) ([]types.RelatedMemory, error) {
	return nil, nil
}

func (Noop) ClusterMembers(_ context.Context, _ *data.Store, clusterID string) (*types.Cluster, error) {
	return nil, errs.NewNotFound("cluster", clusterID)
}

func (Noop) Centrality(context.Context, *data.Store, []string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (Noop) Entities(context.Context, *data.Store, []string) (map[string][]string, error) {
	return map[string][]string{}, nil
}
