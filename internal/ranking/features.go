package ranking

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/pkg/types"
)

// Feature positions in a row. Every phase sees the same layout so feedback
// logged under one phase can train the model used in another.
const (
	FeatLexical = iota
	FeatRecency
	FeatImportance
	FeatTrust
	FeatDwell
	FeatClickThrough
	FeatPattern
	FeatCentrality
	FeatSourceQuality

	NumFeatures
)

// FeatureNames labels the row positions for display.
var FeatureNames = [NumFeatures]string{
	"lexical", "recency", "importance", "trust", "dwell",
	"click_through", "pattern", "centrality", "source_quality",
}

// Fingerprint identifies a query independent of word order, case and
// repetition. The empty query has the empty fingerprint.
func Fingerprint(query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return ""
	}
	sort.Strings(words)
	uniq := words[:1]
	for _, w := range words[1:] {
		if w != uniq[len(uniq)-1] {
			uniq = append(uniq, w)
		}
	}
	sum := blake2b.Sum256([]byte(strings.Join(uniq, " ")))
	return hex.EncodeToString(sum[:16])
}

func baselineScore(cfg Config, row []float64) float64 {
	return cfg.LexicalWeight*row[FeatLexical] +
		cfg.RecencyWeight*row[FeatRecency] +
		cfg.ImportanceWeight*row[FeatImportance]
}

func ruleScore(cfg Config, row []float64) float64 {
	return baselineScore(cfg, row) * (1 + cfg.RuleBoost*row[FeatPattern])
}

// ============================================================================
// EXTRACTION
// ============================================================================

// FeatureExtractor builds feature rows for ranking candidates.
type FeatureExtractor struct {
	cfg      Config
	tok      *graph.Tokenizer
	trust    TrustScorer
	graph    graph.Engine
	patterns *PatternLearner
	now      func() time.Time
}

// NewFeatureExtractor creates an extractor. trust and patterns may be nil,
// which leaves their features at the neutral value.
func NewFeatureExtractor(cfg Config, tok *graph.Tokenizer, trust TrustScorer, g graph.Engine, patterns *PatternLearner) *FeatureExtractor {
	return &FeatureExtractor{cfg: cfg, tok: tok, trust: trust, graph: g, patterns: patterns, now: time.Now}
}

// Base fills the features that need nothing beyond the candidates
// themselves. The remaining positions get neutral values.
func (x *FeatureExtractor) Base(query string, memories []types.Memory) [][]float64 {
	lexical := x.lexical(query, memories)
	now := x.now()

	rows := make([][]float64, len(memories))
	for i, m := range memories {
		row := make([]float64, NumFeatures)
		row[FeatLexical] = lexical[i]
		row[FeatRecency] = recency(m, now, x.cfg.RecencyScale)
		row[FeatImportance] = float64(m.Importance-1) / 9
		row[FeatTrust] = 0.5
		row[FeatClickThrough] = 0.5
		row[FeatSourceQuality] = 0.5
		rows[i] = row
	}
	return rows
}

// recency decays from 1 with time since the memory was last touched.
func recency(m types.Memory, now time.Time, scale time.Duration) float64 {
	last := m.CreatedAt
	if m.LastAccessed.After(last) {
		last = m.LastAccessed
	}
	age := now.Sub(last)
	if age < 0 || scale <= 0 {
		return 1
	}
	return math.Exp(-float64(age) / float64(scale))
}

// Enrich fills the trust, feedback, pattern, centrality and source features
// in place. On error the rows keep whatever was filled so far.
func (x *FeatureExtractor) Enrich(ctx context.Context, s *data.Store, project string, memories []types.Memory, rows [][]float64) error {
	if len(memories) == 0 {
		return nil
	}
	ids := make([]string, len(memories))
	for i, m := range memories {
		ids[i] = m.ID
	}

	if x.trust != nil {
		scores := make(map[string]float64)
		for i, m := range memories {
			agent := m.Provenance.AgentID
			score, ok := scores[agent]
			if !ok {
				var err error
				if score, err = x.trust.Score(ctx, agent); err != nil {
					return fmt.Errorf("trust feature: %w", err)
				}
				scores[agent] = score
			}
			rows[i][FeatTrust] = score
		}
	}

	engagement, err := loadEngagement(ctx, s, ids)
	if err != nil {
		return err
	}
	for i, m := range memories {
		e := engagement[m.ID]
		if e.dwellCount > 0 {
			rows[i][FeatDwell] = 1 - math.Exp(-e.dwellAvg/x.cfg.DwellScale)
		}
		rows[i][FeatClickThrough] = float64(e.positive+1) / float64(e.positive+e.negative+2)
	}

	if x.patterns != nil {
		matcher, err := x.patterns.Matcher(ctx, s, project)
		if err != nil {
			return fmt.Errorf("pattern feature: %w", err)
		}
		for i, m := range memories {
			rows[i][FeatPattern] = matcher.Score(m)
		}
	}

	centrality, err := x.graph.Centrality(ctx, s, ids)
	if err != nil {
		return fmt.Errorf("centrality feature: %w", err)
	}
	for i, m := range memories {
		rows[i][FeatCentrality] = centrality[m.ID]
	}

	sources, err := LoadSourceQuality(ctx, s)
	if err != nil {
		return err
	}
	for i, m := range memories {
		rows[i][FeatSourceQuality] = sources.Score(m.Provenance)
	}
	return nil
}

// engagement aggregates organic feedback on one memory.
type engagement struct {
	positive   int
	negative   int
	dwellCount int
	dwellAvg   float64
}

func loadEngagement(ctx context.Context, s *data.Store, ids []string) (map[string]engagement, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT memory_id, kind, COUNT(*), AVG(value)
		FROM feedback
		WHERE synthetic = 0 AND memory_id IN (`+placeholders(len(ids))+`)
		GROUP BY memory_id, kind`, args...)
	if err != nil {
		return nil, fmt.Errorf("query engagement: %w", err)
	}
	defer rows.Close()

	out := make(map[string]engagement, len(ids))
	for rows.Next() {
		var (
			id, kind string
			n        int
			avg      float64
		)
		if err := rows.Scan(&id, &kind, &n, &avg); err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		e := out[id]
		switch types.FeedbackKind(kind) {
		case types.FeedbackThumbsUp, types.FeedbackPin, types.FeedbackClick:
			e.positive += n
		case types.FeedbackThumbsDown:
			e.negative += n
		case types.FeedbackDwellTime:
			e.dwellCount, e.dwellAvg = n, avg
		}
		out[id] = e
	}
	return out, rows.Err()
}

// ============================================================================
// LEXICAL (BM25)
// ============================================================================

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// lexical scores each memory against query with Okapi BM25 over the
// candidate set, scaled so the best match is 1.
func (x *FeatureExtractor) lexical(query string, memories []types.Memory) []float64 {
	out := make([]float64, len(memories))
	terms := uniqueTerms(x.tok.Tokens(query))
	if len(terms) == 0 || len(memories) == 0 {
		return out
	}

	docs := make([]map[string]int, len(memories))
	lengths := make([]int, len(memories))
	var total int
	df := make(map[string]int, len(terms))
	for i, m := range memories {
		tokens := x.tok.Tokens(m.Content)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for _, t := range terms {
			if tf[t] > 0 {
				df[t]++
			}
		}
		docs[i], lengths[i] = tf, len(tokens)
		total += len(tokens)
	}

	n := float64(len(memories))
	avgLen := float64(total) / n
	if avgLen == 0 {
		return out
	}

	var best float64
	for i, tf := range docs {
		var score float64
		for _, t := range terms {
			f := float64(tf[t])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[t])+0.5)/(float64(df[t])+0.5))
			score += idf * f * (bm25K1 + 1) / (f + bm25K1*(1-bm25B+bm25B*float64(lengths[i])/avgLen))
		}
		out[i] = score
		if score > best {
			best = score
		}
	}
	if best > 0 {
		for i := range out {
			out[i] /= best
		}
	}
	return out
}

// uniqueTerms drops repeats and sorts so sums run in a fixed order.
func uniqueTerms(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
