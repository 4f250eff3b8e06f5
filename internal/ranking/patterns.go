package ranking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/pkg/types"
)

// Tech categories used as pattern keys.
const (
	TechLanguage  = "language"
	TechFramework = "framework"
	TechDatabase  = "database"
	TechTooling   = "tooling"
)

// techVocabulary maps a token to its canonical technology and category.
// Aliases share a canonical name.
var techVocabulary = map[string]Technology{}

func init() {
	add := func(category string, names ...string) {
		for _, n := range names {
			canonical, alias, found := strings.Cut(n, "=")
			if !found {
				alias = canonical
			}
			techVocabulary[alias] = Technology{Category: category, Name: canonical}
		}
	}
	add(TechLanguage,
		"golang", "python", "rust", "java", "kotlin", "swift", "ruby", "php", "scala",
		"elixir", "haskell", "typescript", "javascript", "c++", "c#", "typescript=ts",
		"javascript=js", "python=py")
	add(TechFramework,
		"fastapi", "flask", "django", "react", "vue", "angular", "svelte", "next.js",
		"next.js=nextjs", "express", "gin", "echo", "fiber", "chi", "rails", "spring",
		"laravel", "phoenix", "tailwind", "pytorch", "tensorflow")
	add(TechDatabase,
		"postgres", "postgres=postgresql", "mysql", "sqlite", "mongodb", "redis",
		"dynamodb", "cassandra", "elasticsearch", "clickhouse", "neo4j")
	add(TechTooling,
		"docker", "kubernetes", "kubernetes=k8s", "terraform", "ansible", "helm",
		"webpack", "vite", "pytest", "jest", "github-actions", "bazel", "poetry", "npm")
}

// Technology is one recognized tool or language.
type Technology struct {
	Category string
	Name     string
}

// ============================================================================
// LEARNER
// ============================================================================

// PatternLearner learns tech preferences from feedback. Each organic signal
// on a memory counts as one observation for every technology the memory
// mentions. Confidence is the Beta(1,1) posterior mean of the positive share,
// capped at MaxPatternConfidence.
type PatternLearner struct {
	cfg  Config
	tok  *graph.Tokenizer
	sink bus.Sink
	now  func() time.Time
}

// NewPatternLearner creates a learner.
func NewPatternLearner(cfg Config, tok *graph.Tokenizer, sink bus.Sink) *PatternLearner {
	if sink == nil {
		sink = bus.Discard
	}
	return &PatternLearner{cfg: cfg, tok: tok, sink: sink, now: time.Now}
}

// Technologies lists the known technologies in m's tags and content,
// sorted by category then name.
func (l *PatternLearner) Technologies(m types.Memory) []Technology {
	seen := make(map[Technology]bool)
	var out []Technology
	consider := func(token string) {
		if t, ok := techVocabulary[token]; ok && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, tag := range m.Tags {
		consider(strings.ToLower(tag))
	}
	for _, token := range l.tok.Tokens(m.Content) {
		consider(token)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// polarity classifies a signal. Dwell time is positive past DwellPositive
// seconds and otherwise carries no preference.
func (l *PatternLearner) polarity(sig types.FeedbackSignal) (positive, ok bool) {
	switch sig.Kind {
	case types.FeedbackThumbsUp, types.FeedbackPin, types.FeedbackClick:
		return true, true
	case types.FeedbackThumbsDown:
		return false, true
	case types.FeedbackDwellTime:
		return true, sig.Value >= l.cfg.DwellPositive
	default:
		return false, false
	}
}

// confidence is the Beta(1,1) posterior mean, capped below certainty.
func confidence(positive, evidence int) float64 {
	c := float64(positive+1) / float64(evidence+2)
	if c > types.MaxPatternConfidence {
		return types.MaxPatternConfidence
	}
	return c
}

// Observe updates tech preferences from one signal on m. It returns the
// patterns that became learned with this observation and emits
// pattern.learned for each.
func (l *PatternLearner) Observe(ctx context.Context, s *data.Store, m types.Memory, sig types.FeedbackSignal) ([]types.Pattern, error) {
	positive, ok := l.polarity(sig)
	if !ok {
		return nil, nil
	}
	techs := l.Technologies(m)
	if len(techs) == 0 {
		return nil, nil
	}

	now := l.now().UTC()
	var learned []types.Pattern
	err := s.Queue().Submit(ctx, data.Op{
		Name:    "learn_patterns",
		Payload: techs,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			learned = learned[:0]
			for _, t := range techs {
				var (
					evidence, pos int
					before        float64
				)
				err := tx.QueryRowContext(ctx, `
					SELECT evidence_count, positive_count, confidence FROM patterns
					WHERE pattern_type = ? AND key = ? AND value = ? AND project = ?`,
					types.PatternTechPreference, t.Category, t.Name, m.Project).Scan(&evidence, &pos, &before)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("load pattern: %w", err)
				}

				wasLearned := l.learned(before, evidence)
				evidence++
				if positive {
					pos++
				}
				after := confidence(pos, evidence)

				_, err = tx.ExecContext(ctx, `
					INSERT INTO patterns (pattern_type, key, value, project, confidence, evidence_count, positive_count, last_seen)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(pattern_type, key, value, project) DO UPDATE SET
						confidence = excluded.confidence,
						evidence_count = excluded.evidence_count,
						positive_count = excluded.positive_count,
						last_seen = excluded.last_seen`,
					types.PatternTechPreference, t.Category, t.Name, m.Project, after, evidence, pos, now.UnixNano())
				if err != nil {
					return fmt.Errorf("upsert pattern: %w", err)
				}

				if !wasLearned && l.learned(after, evidence) {
					learned = append(learned, types.Pattern{
						ProfileID:     s.Name(),
						PatternType:   types.PatternTechPreference,
						Key:           t.Category,
						Value:         t.Name,
						Project:       m.Project,
						Confidence:    after,
						EvidenceCount: evidence,
						LastSeen:      now,
					})
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	for _, p := range learned {
		log.Info().
			Str("profile", p.ProfileID).
			Str("key", p.Key).
			Str("value", p.Value).
			Str("project", p.Project).
			Float64("confidence", p.Confidence).
			Msg("Pattern learned")
		if err := l.sink.Publish(bus.NewPatternLearned(p)); err != nil {
			log.Warn().Err(err).Str("profile", p.ProfileID).Msg("Failed to publish pattern.learned")
		}
	}
	return learned, nil
}

func (l *PatternLearner) learned(conf float64, evidence int) bool {
	return conf >= l.cfg.MinConfidence && evidence >= l.cfg.MinEvidence
}

// Patterns lists stored patterns, optionally of one type, most confident
// first.
func (l *PatternLearner) Patterns(ctx context.Context, s *data.Store, patternType string) ([]types.Pattern, error) {
	query := `SELECT pattern_type, key, value, project, confidence, evidence_count, last_seen FROM patterns`
	var args []any
	if patternType != "" {
		query += ` WHERE pattern_type = ?`
		args = append(args, patternType)
	}
	query += ` ORDER BY confidence DESC, pattern_type, key, value, project`

	rows, err := s.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []types.Pattern
	for rows.Next() {
		p := types.Pattern{ProfileID: s.Name()}
		var seen int64
		if err := rows.Scan(&p.PatternType, &p.Key, &p.Value, &p.Project, &p.Confidence, &p.EvidenceCount, &seen); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.LastSeen = time.Unix(0, seen).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ============================================================================
// MATCHING
// ============================================================================

// Matcher scores memories against the learned patterns that apply to one
// project.
type Matcher struct {
	learner *PatternLearner
	tech    map[string]float64 // Technology name → confidence
	next    map[string]float64 // Expected next category → confidence
}

// Matcher loads the patterns that apply to project: unscoped ones, the
// project's own, and those seen across enough projects to apply anywhere.
// An empty project applies every learned pattern.
func (l *PatternLearner) Matcher(ctx context.Context, s *data.Store, project string) (*Matcher, error) {
	all, err := l.Patterns(ctx, s, "")
	if err != nil {
		return nil, err
	}
	recent, err := recentCategories(ctx, s, l.cfg.Workflow.MaxPrefix)
	if err != nil {
		return nil, err
	}

	m := &Matcher{learner: l, tech: make(map[string]float64), next: make(map[string]float64)}
	keep := func(dst map[string]float64, key string, conf float64) {
		if conf > dst[key] {
			dst[key] = conf
		}
	}

	var tech []types.Pattern
	for _, p := range all {
		if p.PatternType == types.PatternTechPreference {
			tech = append(tech, p)
		}
	}
	cross := CrossProjectAggregator{MinProjects: l.cfg.MinProjects}.Aggregate(tech)
	for _, p := range append(tech, cross...) {
		if !l.learned(p.Confidence, p.EvidenceCount) {
			continue
		}
		if project == "" || p.Project == "" || p.Project == project {
			keep(m.tech, p.Value, p.Confidence)
		}
	}

	prefixes := make(map[string]bool)
	for i := range recent {
		prefixes[joinKey(recent[i:]...)] = true
	}
	for _, p := range all {
		if p.PatternType == types.PatternWorkflow && prefixes[p.Key] {
			keep(m.next, p.Value, p.Confidence)
		}
	}
	return m, nil
}

// Score is the stronger of two signals: the mean preference over the
// technologies m mentions, and the confidence that m's category comes next
// in the current workflow.
func (m *Matcher) Score(mem types.Memory) float64 {
	var tech float64
	if techs := m.learner.Technologies(mem); len(techs) > 0 {
		for _, t := range techs {
			tech += m.tech[t.Name]
		}
		tech /= float64(len(techs))
	}

	category := mem.Category
	if category == "" {
		category = InferCategory(mem.Content)
	}
	if wf := m.next[category]; wf > tech {
		return wf
	}
	return tech
}

// recentCategories returns the categories of the newest n categorized
// memories, oldest first.
func recentCategories(ctx context.Context, s *data.Store, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT category FROM memories
		WHERE category != ''
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append([]string{c}, out...)
	}
	return out, rows.Err()
}
