package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

// DefaultImportance is assigned to drafts that leave importance unset.
const DefaultImportance = 5

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
			panic(err)
		}
	})
	return validate
}

// ═══════════════════════════════════════════════════════════════════════════════
// WRITES
// ═══════════════════════════════════════════════════════════════════════════════

// Insert validates draft and applies it through the write queue.
func (s *Store) Insert(ctx context.Context, draft types.MemoryDraft) (*types.Memory, error) {
	draft.Content = strings.TrimSpace(draft.Content)
	if err := Validator().Struct(draft); err != nil {
		return nil, errs.FromValidator(err)
	}

	now := time.Now().UTC()
	m := &types.Memory{
		ID:           uuid.NewString(),
		Content:      draft.Content,
		ProfileID:    s.name,
		Tags:         normalizeTags(draft.Tags),
		Importance:   draft.Importance,
		Tier:         types.TierActive,
		Project:      draft.Project,
		Category:     draft.Category,
		CreatedAt:    now,
		LastAccessed: now,
		Provenance:   types.Provenance{AgentID: draft.AgentID, Protocol: draft.Protocol},
	}
	if m.Importance == 0 {
		m.Importance = DefaultImportance
	}

	err := s.queue.Submit(ctx, Op{
		Name:    "insert",
		Payload: m,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if err := insertMemory(ctx, tx, m); err != nil {
				return err
			}
			return bumpSource(ctx, tx, sourceOf(m.Provenance), 1, 0)
		},
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func insertMemory(ctx context.Context, tx *sql.Tx, m *types.Memory) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, profile_id, tags, importance, tier, cluster_id,
			project, category, created_at, last_accessed, access_count,
			agent_id, protocol
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, m.ProfileID, string(tags), m.Importance, string(m.Tier), nullString(m.ClusterID),
		m.Project, m.Category, nanos(m.CreatedAt), nanos(m.LastAccessed), m.AccessCount,
		m.Provenance.AgentID, m.Provenance.Protocol,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Patch is a partial metadata update. Nil fields are left unchanged.
type Patch struct {
	Tags       []string
	Importance *int
	Project    *string
	Category   *string
}

// Update applies a metadata patch and returns the updated memory.
func (s *Store) Update(ctx context.Context, id string, p Patch) (*types.Memory, error) {
	if p.Importance != nil && (*p.Importance < 1 || *p.Importance > 10) {
		return nil, errs.NewValidation("importance", "min=1 max=10")
	}

	var updated *types.Memory
	err := s.queue.Submit(ctx, Op{
		Name:    "update",
		Payload: map[string]any{"id": id, "patch": p},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			m, err := getMemory(ctx, tx, id)
			if err != nil {
				return err
			}
			if p.Tags != nil {
				m.Tags = normalizeTags(p.Tags)
			}
			if p.Importance != nil {
				m.Importance = *p.Importance
			}
			if p.Project != nil {
				m.Project = *p.Project
			}
			if p.Category != nil {
				m.Category = *p.Category
			}
			tags, _ := json.Marshal(m.Tags)
			_, err = tx.ExecContext(ctx,
				`UPDATE memories SET tags = ?, importance = ?, project = ?, category = ? WHERE id = ?`,
				string(tags), m.Importance, m.Project, m.Category, id)
			if err != nil {
				return fmt.Errorf("update memory: %w", err)
			}
			updated = m
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a memory and its archive record, returning what was removed.
func (s *Store) Delete(ctx context.Context, id string) (*types.Memory, error) {
	var deleted *types.Memory
	err := s.queue.Submit(ctx, Op{
		Name:    "delete",
		Payload: map[string]string{"id": id},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			m, err := getMemory(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete memory: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_archive WHERE memory_id = ?`, id); err != nil {
				return fmt.Errorf("delete archive: %w", err)
			}
			if err := bumpSource(ctx, tx, sourceOf(m.Provenance), 0, 1); err != nil {
				return err
			}
			deleted = m
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Touch records a recall of the given memories.
func (s *Store) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := nanos(time.Now())
	return s.queue.Submit(ctx, Op{
		Name:    "touch",
		Payload: ids,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx,
					`UPDATE memories SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?`,
					now, id); err != nil {
					return fmt.Errorf("touch memory: %w", err)
				}
			}
			return nil
		},
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════════

const memoryColumns = `id, content, profile_id, tags, importance, tier, cluster_id,
	project, category, created_at, last_accessed, access_count, agent_id, protocol`

// Get returns one memory from the read pool.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	return getMemory(ctx, s.reader, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getMemory(ctx context.Context, q queryer, id string) (*types.Memory, error) {
	row := q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("memory", id)
	}
	return m, err
}

// Read returns memories matching filter in write order. It runs on the
// query-only pool and sees a consistent snapshot.
func (s *Store) Read(ctx context.Context, f types.QueryFilter) ([]types.Memory, error) {
	var (
		where []string
		args  []any
	)

	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if terms := strings.Fields(strings.ToLower(f.Text)); len(terms) > 0 {
		var ors []string
		for _, t := range terms {
			ors = append(ors, `lower(content) LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(t)+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	for _, tag := range f.Tags {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE lower(json_each.value) = ?)`)
		args = append(args, strings.ToLower(tag))
	}
	if len(f.Tiers) > 0 {
		where = append(where, "tier IN ("+placeholders(len(f.Tiers))+")")
		for _, t := range f.Tiers {
			args = append(args, string(t))
		}
	}
	if f.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		args = append(args, f.ClusterID)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(f.Since))
	}

	query := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*types.Memory, error) {
	var (
		m                 types.Memory
		tags, tier        string
		clusterID         sql.NullString
		created, accessed int64
	)
	err := row.Scan(
		&m.ID, &m.Content, &m.ProfileID, &tags, &m.Importance, &tier, &clusterID,
		&m.Project, &m.Category, &created, &accessed, &m.AccessCount,
		&m.Provenance.AgentID, &m.Provenance.Protocol,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	m.Tier = types.Tier(tier)
	m.ClusterID = clusterID.String
	m.CreatedAt = fromNanos(created)
	m.LastAccessed = fromNanos(accessed)
	return &m, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SOURCE STATS
// ═══════════════════════════════════════════════════════════════════════════════

// SourceStat counts memories created and deleted per origin tool.
type SourceStat struct {
	Source  string
	Created int
	Deleted int
}

// Retained returns how many created memories were never deleted.
func (s SourceStat) Retained() int {
	if s.Deleted > s.Created {
		return 0
	}
	return s.Created - s.Deleted
}

// SourceStats returns per-source retention counters.
func (s *Store) SourceStats(ctx context.Context) (map[string]SourceStat, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT source, created, deleted FROM source_stats`)
	if err != nil {
		return nil, fmt.Errorf("query source stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SourceStat)
	for rows.Next() {
		var st SourceStat
		if err := rows.Scan(&st.Source, &st.Created, &st.Deleted); err != nil {
			return nil, fmt.Errorf("scan source stat: %w", err)
		}
		out[st.Source] = st
	}
	return out, rows.Err()
}

// SourceOf returns the source key a memory's provenance is counted under.
func SourceOf(p types.Provenance) string { return sourceOf(p) }

func sourceOf(p types.Provenance) string {
	if p.Protocol != "" {
		return strings.ToLower(p.Protocol)
	}
	return "agent:" + p.AgentID
}

func bumpSource(ctx context.Context, tx *sql.Tx, source string, created, deleted int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO source_stats (source, created, deleted) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			created = created + excluded.created,
			deleted = deleted + excluded.deleted`,
		source, created, deleted)
	if err != nil {
		return fmt.Errorf("update source stats: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
