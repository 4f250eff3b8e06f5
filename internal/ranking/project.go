package ranking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/fingerprint"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/pkg/types"
)

// ProjectTagPrefix marks a tag that names a project, as in "project:billing".
const ProjectTagPrefix = "project:"

// ProjectHint carries the signals a caller has about its active project.
type ProjectHint struct {
	Project string   // Explicit project name
	Path    string   // Working directory
	Tags    []string // Tags on the request
	Content string   // Free text, usually the query
}

// ProjectContextManager infers the active project for a ranking call.
type ProjectContextManager struct {
	fp  *fingerprint.Fingerprinter
	tok *graph.Tokenizer

	mu     sync.Mutex
	byPath map[string]string
}

// NewProjectContextManager creates a manager. Path lookups are cached for
// the life of the process.
func NewProjectContextManager(fp *fingerprint.Fingerprinter, tok *graph.Tokenizer) *ProjectContextManager {
	return &ProjectContextManager{fp: fp, tok: tok, byPath: make(map[string]string)}
}

// Infer returns the active project, or "" when no signal names one. Signals
// are tried in order: explicit name, working directory, project tag,
// non-default profile, then a known project mentioned in the content.
func (m *ProjectContextManager) Infer(ctx context.Context, s *data.Store, hint ProjectHint) string {
	if hint.Project != "" {
		return fingerprint.NormalizeName(hint.Project)
	}
	if hint.Path != "" {
		if name := m.fromPath(ctx, hint.Path); name != "" {
			return name
		}
	}
	for _, tag := range hint.Tags {
		if name, ok := strings.CutPrefix(strings.ToLower(tag), ProjectTagPrefix); ok && name != "" {
			return fingerprint.NormalizeName(name)
		}
	}
	if s.Name() != types.DefaultProfile {
		return fingerprint.NormalizeName(s.Name())
	}
	if hint.Content == "" {
		return ""
	}

	known, err := KnownProjects(ctx, s)
	if err != nil {
		log.Debug().Err(err).Str("profile", s.Name()).Msg("Failed to list projects")
		return ""
	}
	mentioned := make(map[string]bool)
	for _, t := range m.tok.Tokens(hint.Content) {
		mentioned[t] = true
	}
	for _, p := range known {
		if mentioned[p] {
			return p
		}
	}
	return ""
}

func (m *ProjectContextManager) fromPath(ctx context.Context, path string) string {
	m.mu.Lock()
	name, ok := m.byPath[path]
	m.mu.Unlock()
	if ok {
		return name
	}

	p, err := m.fp.DetectProject(ctx, path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Project detection failed")
		return ""
	}

	m.mu.Lock()
	m.byPath[path] = p.Name
	m.mu.Unlock()
	return p.Name
}

// KnownProjects lists the distinct projects recorded on the profile's
// memories, sorted.
func KnownProjects(ctx context.Context, s *data.Store) ([]string, error) {
	rows, err := s.Reader().QueryContext(ctx, `SELECT DISTINCT project FROM memories WHERE project != '' ORDER BY project`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, fingerprint.NormalizeName(p))
	}
	return out, rows.Err()
}

// ============================================================================
// CROSS-PROJECT AGGREGATION
// ============================================================================

// CrossProjectAggregator promotes project-scoped patterns that recur across
// projects to unscoped ones.
type CrossProjectAggregator struct {
	MinProjects int
}

// Aggregate returns one unscoped pattern for every (type, key, value) seen
// in at least MinProjects distinct projects. Confidence is the mean across
// projects and evidence the total.
func (a CrossProjectAggregator) Aggregate(patterns []types.Pattern) []types.Pattern {
	type group struct {
		p        types.Pattern
		projects int
		confSum  float64
	}
	groups := make(map[string]*group)
	for _, p := range patterns {
		if p.Project == "" {
			continue
		}
		key := p.PatternType + "\x00" + p.Key + "\x00" + p.Value
		g := groups[key]
		if g == nil {
			g = &group{p: types.Pattern{ProfileID: p.ProfileID, PatternType: p.PatternType, Key: p.Key, Value: p.Value}}
			groups[key] = g
		}
		g.projects++
		g.confSum += p.Confidence
		g.p.EvidenceCount += p.EvidenceCount
		if p.LastSeen.After(g.p.LastSeen) {
			g.p.LastSeen = p.LastSeen
		}
	}

	floor := a.MinProjects
	if floor < 2 {
		floor = 2
	}
	var out []types.Pattern
	for _, g := range groups {
		if g.projects < floor {
			continue
		}
		g.p.Confidence = g.confSum / float64(g.projects)
		out = append(out, g.p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatternType != out[j].PatternType {
			return out[i].PatternType < out[j].PatternType
		}
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Value < out[j].Value
	})
	return out
}
