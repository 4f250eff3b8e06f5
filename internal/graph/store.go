package graph

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

// Checkpoint stages.
const (
	stageVectors = "vectors"
	stageEdges   = "edges"
)

// snapshotHash fingerprints the build input: the parameters that shape the
// output and the memories, which must be sorted by id. The token cache size
// is left out since it never changes a result.
func snapshotHash(cfg Config, memories []types.Memory) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "threshold=%v degree=%d entities=%d dims=%d cluster=%d depth=%d resolution=%v seed=%d exact=%d\x00",
		cfg.SimilarityThreshold, cfg.MaxDegree, cfg.TopEntities, cfg.VectorDims,
		cfg.MaxClusterSize, cfg.MaxDepth, cfg.Resolution, cfg.Seed, cfg.ExactBelow)
	var buf [8]byte
	for _, m := range memories {
		h.Write([]byte(m.ID))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], uint64(m.Importance))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ============================================================================
// CHECKPOINTS
// ============================================================================

// loadCheckpoint decodes a stored stage for hash into dst.
func loadCheckpoint(ctx context.Context, s *data.Store, hash, stage string, dst any) (bool, error) {
	var payload []byte
	err := s.Reader().QueryRowContext(ctx,
		`SELECT payload FROM graph_checkpoints WHERE snapshot_hash = ? AND stage = ?`,
		hash, stage).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s checkpoint: %w", stage, err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		// A checkpoint we cannot read is recomputed rather than trusted.
		return false, nil
	}
	return true, nil
}

// saveCheckpoint stores a stage for hash and drops checkpoints left by
// builds over a different snapshot.
func saveCheckpoint(ctx context.Context, s *data.Store, hash, stage string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s checkpoint: %w", stage, err)
	}
	return s.Queue().Submit(ctx, data.Op{
		Name:    "graph_checkpoint",
		Payload: map[string]string{"snapshot": hash, "stage": stage},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM graph_checkpoints WHERE snapshot_hash != ?`, hash); err != nil {
				return fmt.Errorf("drop stale checkpoints: %w", err)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO graph_checkpoints (snapshot_hash, stage, payload, created_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(snapshot_hash, stage) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
				hash, stage, payload, time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("save %s checkpoint: %w", stage, err)
			}
			return nil
		},
	})
}

// ============================================================================
// PUBLISH
// ============================================================================

// generation is everything written by one successful build.
type generation struct {
	hash        string
	nodes       []node
	edges       []edge
	clusters    []types.Cluster
	assignments map[string]string // memory id -> leaf cluster id
}

// publish writes gen and makes it current in a single transaction. The
// previous generation is kept so readers that already resolved it can finish.
func publish(ctx context.Context, s *data.Store, gen generation) (int64, error) {
	var number int64
	err := s.Queue().Submit(ctx, data.Op{
		Name:    "graph_publish",
		Payload: map[string]any{"snapshot": gen.hash, "nodes": len(gen.nodes), "edges": len(gen.edges)},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			var current int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(current_generation), 0) FROM graph_meta`).Scan(&current); err != nil {
				return fmt.Errorf("read generation: %w", err)
			}
			number = current + 1

			if err := insertNodes(ctx, tx, number, gen.nodes); err != nil {
				return err
			}
			if err := insertEdges(ctx, tx, number, gen.nodes, gen.edges); err != nil {
				return err
			}
			if err := insertClusters(ctx, tx, number, gen.clusters); err != nil {
				return err
			}
			if err := assignClusters(ctx, tx, gen.assignments); err != nil {
				return err
			}

			for _, table := range []string{"graph_nodes", "graph_edges", "graph_clusters"} {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM `+table+` WHERE generation < ?`, number-1); err != nil {
					return fmt.Errorf("prune %s: %w", table, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM graph_checkpoints`); err != nil {
				return fmt.Errorf("clear checkpoints: %w", err)
			}

			_, err := tx.ExecContext(ctx, `
				INSERT INTO graph_meta (id, current_generation, snapshot_hash, node_count, edge_count, cluster_count, built_at)
				VALUES (1, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					current_generation = excluded.current_generation,
					snapshot_hash = excluded.snapshot_hash,
					node_count = excluded.node_count,
					edge_count = excluded.edge_count,
					cluster_count = excluded.cluster_count,
					built_at = excluded.built_at`,
				number, gen.hash, len(gen.nodes), len(gen.edges), len(gen.clusters), time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("flip generation: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

func insertNodes(ctx context.Context, tx *sql.Tx, gen int64, nodes []node) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO graph_nodes (generation, memory_id, entities) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		entities, _ := json.Marshal(n.Entities)
		if _, err := stmt.ExecContext(ctx, gen, n.ID, string(entities)); err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
	}
	return nil
}

func insertEdges(ctx context.Context, tx *sql.Tx, gen int64, nodes []node, edges []edge) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_edges (generation, source, target, weight, relationship, shared_entities)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		ge := e.toGraphEdge(nodes, gen)
		shared, _ := json.Marshal(nonNil(ge.SharedEntities))
		if _, err := stmt.ExecContext(ctx, gen, ge.Source, ge.Target, ge.Weight, string(ge.Relationship), string(shared)); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}
	return nil
}

func insertClusters(ctx context.Context, tx *sql.Tx, gen int64, clusters []types.Cluster) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO graph_clusters (generation, id, parent_id, depth, member_ids, name, top_entities, avg_importance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare clusters: %w", err)
	}
	defer stmt.Close()

	for _, c := range clusters {
		members, _ := json.Marshal(c.MemberIDs)
		top, _ := json.Marshal(nonNil(c.TopEntities))
		var parent sql.NullString
		if c.ParentID != "" {
			parent = sql.NullString{String: c.ParentID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, gen, c.ID, parent, c.Depth, string(members), c.Name, string(top), c.AvgImportance); err != nil {
			return fmt.Errorf("insert cluster: %w", err)
		}
	}
	return nil
}

// assignClusters points every memory at its leaf cluster. Memories left out
// of the build lose any stale assignment.
func assignClusters(ctx context.Context, tx *sql.Tx, assignments map[string]string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET cluster_id = NULL WHERE cluster_id IS NOT NULL`); err != nil {
		return fmt.Errorf("clear cluster assignments: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET cluster_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare assignments: %w", err)
	}
	defer stmt.Close()

	for id, cluster := range assignments {
		if _, err := stmt.ExecContext(ctx, cluster, id); err != nil {
			return fmt.Errorf("assign cluster: %w", err)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ============================================================================
// READS
// ============================================================================

type meta struct {
	generation int64
	hash       string
	nodes      int
	edges      int
	clusters   int
	builtAt    time.Time
}

// currentMeta returns the published generation, or ok=false before the
// first build.
func currentMeta(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (meta, bool, error) {
	var (
		m     meta
		built int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT current_generation, snapshot_hash, node_count, edge_count, cluster_count, built_at
		FROM graph_meta WHERE id = 1`).Scan(&m.generation, &m.hash, &m.nodes, &m.edges, &m.clusters, &built)
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("read graph meta: %w", err)
	}
	m.builtAt = time.Unix(0, built).UTC()
	return m, true, nil
}

// Stats returns the current generation's counts and cluster summaries,
// shallowest clusters first.
func (g *Graph) Stats(ctx context.Context, s *data.Store) (Stats, error) {
	st := Stats{ProfileID: s.Name()}
	m, ok, err := currentMeta(ctx, s.Reader())
	if err != nil || !ok {
		return st, err
	}

	st.Generation = m.generation
	st.SnapshotHash = m.hash
	st.NodeCount = m.nodes
	st.EdgeCount = m.edges
	st.ClusterCount = m.clusters
	st.BuiltAt = m.builtAt

	rows, err := s.Reader().QueryContext(ctx, `
		SELECT id, parent_id, depth, member_ids, name, top_entities, avg_importance
		FROM graph_clusters WHERE generation = ? ORDER BY depth, id`, m.generation)
	if err != nil {
		return st, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCluster(rows, s.Name(), m.generation)
		if err != nil {
			return st, err
		}
		st.Clusters = append(st.Clusters, *c)
	}
	return st, rows.Err()
}

// ClusterMembers returns one cluster of the current generation.
func (g *Graph) ClusterMembers(ctx context.Context, s *data.Store, clusterID string) (*types.Cluster, error) {
	m, ok, err := currentMeta(ctx, s.Reader())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NewNotFound("cluster", clusterID)
	}

	row := s.Reader().QueryRowContext(ctx, `
		SELECT id, parent_id, depth, member_ids, name, top_entities, avg_importance
		FROM graph_clusters WHERE generation = ? AND id = ?`, m.generation, clusterID)
	c, err := scanCluster(row, s.Name(), m.generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("cluster", clusterID)
	}
	return c, err
}

func scanCluster(row interface{ Scan(...any) error }, profile string, gen int64) (*types.Cluster, error) {
	var (
		c       types.Cluster
		parent  sql.NullString
		members string
		top     string
	)
	if err := row.Scan(&c.ID, &parent, &c.Depth, &members, &c.Name, &top, &c.AvgImportance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan cluster: %w", err)
	}
	c.ParentID = parent.String
	c.ProfileID = profile
	c.Generation = gen
	if err := json.Unmarshal([]byte(members), &c.MemberIDs); err != nil {
		return nil, fmt.Errorf("decode cluster members: %w", err)
	}
	if err := json.Unmarshal([]byte(top), &c.TopEntities); err != nil {
		return nil, fmt.Errorf("decode cluster entities: %w", err)
	}
	return &c, nil
}

// Related walks the graph up to depth hops from memoryID. Each neighbor's
// weight is the product of edge weights along its strongest shortest path.
// Results are ordered by weight, then shared-entity count, then id.
func (g *Graph) Related(ctx context.Context, s *data.Store, memoryID string, depth int) ([]types.RelatedMemory, error) {
	if depth < 1 {
		return nil, errs.NewValidation("depth", "must be at least 1")
	}

	tx, err := s.Reader().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback()

	m, ok, err := currentMeta(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NewNotFound("graph node", memoryID)
	}
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM graph_nodes WHERE generation = ? AND memory_id = ?`, m.generation, memoryID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("graph node", memoryID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup node: %w", err)
	}

	found := map[string]*types.RelatedMemory{}
	visited := map[string]bool{memoryID: true}
	frontier := map[string]float64{memoryID: 1}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		next := map[string]float64{}
		for _, from := range sortedKeys(frontier) {
			edges, err := incident(ctx, tx, m.generation, from)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				to := e.Target
				if to == from {
					to = e.Source
				}
				if visited[to] {
					continue
				}
				w := frontier[from] * e.Weight
				if r, ok := found[to]; ok && r.Weight >= w {
					continue
				}
				found[to] = &types.RelatedMemory{
					MemoryID:       to,
					Hops:           hop,
					Weight:         w,
					SharedEntities: e.SharedEntities,
					Relationship:   e.Relationship,
				}
				next[to] = w
			}
		}
		for id := range next {
			visited[id] = true
		}
		frontier = next
	}

	out := make([]types.RelatedMemory, 0, len(found))
	for _, r := range found {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		if len(out[i].SharedEntities) != len(out[j].SharedEntities) {
			return len(out[i].SharedEntities) > len(out[j].SharedEntities)
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	return out, nil
}

func incident(ctx context.Context, tx *sql.Tx, gen int64, id string) ([]types.GraphEdge, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT source, target, weight, relationship, shared_entities FROM graph_edges
		WHERE generation = ? AND (source = ? OR target = ?)
		ORDER BY source, target`, gen, id, id)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []types.GraphEdge
	for rows.Next() {
		var (
			e      types.GraphEdge
			rel    string
			shared string
		)
		if err := rows.Scan(&e.Source, &e.Target, &e.Weight, &rel, &shared); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relationship = types.RelationshipType(rel)
		e.Generation = gen
		if err := json.Unmarshal([]byte(shared), &e.SharedEntities); err != nil {
			return nil, fmt.Errorf("decode shared entities: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Edges returns every edge of the current generation, ordered by endpoints.
func (g *Graph) Edges(ctx context.Context, s *data.Store) ([]types.GraphEdge, error) {
	m, ok, err := currentMeta(ctx, s.Reader())
	if err != nil || !ok {
		return nil, err
	}
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT source, target, weight, relationship FROM graph_edges
		WHERE generation = ? ORDER BY source, target`, m.generation)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []types.GraphEdge
	for rows.Next() {
		e := types.GraphEdge{Generation: m.generation}
		var rel string
		if err := rows.Scan(&e.Source, &e.Target, &e.Weight, &rel); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Relationship = types.RelationshipType(rel)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Centrality returns each memory's weighted degree scaled so the most
// connected node in the graph scores 1. Memories outside the graph score 0.
func (g *Graph) Centrality(ctx context.Context, s *data.Store, memoryIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(memoryIDs))
	m, ok, err := currentMeta(ctx, s.Reader())
	if err != nil || !ok {
		return out, err
	}

	rows, err := s.Reader().QueryContext(ctx, `
		SELECT id, SUM(weight) FROM (
			SELECT source AS id, weight FROM graph_edges WHERE generation = ?
			UNION ALL
			SELECT target AS id, weight FROM graph_edges WHERE generation = ?
		) GROUP BY id`, m.generation, m.generation)
	if err != nil {
		return out, fmt.Errorf("query centrality: %w", err)
	}
	defer rows.Close()

	degree := make(map[string]float64)
	var top float64
	for rows.Next() {
		var (
			id string
			w  float64
		)
		if err := rows.Scan(&id, &w); err != nil {
			return out, fmt.Errorf("scan centrality: %w", err)
		}
		degree[id] = w
		if w > top {
			top = w
		}
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	for _, id := range memoryIDs {
		if top > 0 {
			out[id] = degree[id] / top
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

// Entities returns the extracted entities of the given memories.
func (g *Graph) Entities(ctx context.Context, s *data.Store, memoryIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(memoryIDs))
	if len(memoryIDs) == 0 {
		return out, nil
	}
	m, ok, err := currentMeta(ctx, s.Reader())
	if err != nil || !ok {
		return out, err
	}

	args := []any{m.generation}
	for _, id := range memoryIDs {
		args = append(args, id)
	}
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT memory_id, entities FROM graph_nodes
		WHERE generation = ? AND memory_id IN (?`+strings.Repeat(",?", len(memoryIDs)-1)+`)`, args...)
	if err != nil {
		return out, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return out, fmt.Errorf("scan entities: %w", err)
		}
		var entities []string
		if err := json.Unmarshal([]byte(raw), &entities); err != nil {
			return out, fmt.Errorf("decode entities: %w", err)
		}
		out[id] = entities
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
