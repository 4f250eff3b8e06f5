package ranking

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/pkg/types"
)

// WorkflowConfig tunes workflow mining.
type WorkflowConfig struct {
	Window        time.Duration // Largest gap between steps of one session
	HalfLife      time.Duration // Age at which a transition counts half
	MaxPrefix     int           // Longest step sequence used as a predictor
	MinSupport    int           // Observations before a transition is kept
	MinConfidence float64       // Share of the prefix's transitions
}

// DefaultWorkflowConfig returns the default mining parameters.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		Window:        4 * time.Hour,
		HalfLife:      14 * 24 * time.Hour,
		MaxPrefix:     2,
		MinSupport:    2,
		MinConfidence: 0.3,
	}
}

// Activity is one categorized step, such as writing a design note.
type Activity struct {
	Category string
	At       time.Time
}

// Transition predicts the category that follows a sequence of steps.
type Transition struct {
	Prefix     []string `json:"prefix"`
	Next       string   `json:"next"`
	Count      int      `json:"count"`
	Weight     float64  `json:"weight"`
	Confidence float64  `json:"confidence"`
}

// WorkflowPatternMiner finds ordered category sequences in activity. Steps
// closer together than Window form a session; transitions are counted
// within sessions only and weighted by how recently they happened.
type WorkflowPatternMiner struct {
	cfg WorkflowConfig
}

// NewWorkflowPatternMiner creates a miner.
func NewWorkflowPatternMiner(cfg WorkflowConfig) *WorkflowPatternMiner {
	return &WorkflowPatternMiner{cfg: cfg}
}

// Mine returns transitions meeting the support and confidence floors,
// strongest first.
func (w *WorkflowPatternMiner) Mine(acts []Activity, now time.Time) []Transition {
	acts = append([]Activity(nil), acts...)
	sort.SliceStable(acts, func(i, j int) bool { return acts[i].At.Before(acts[j].At) })

	type tally struct {
		count  int
		weight float64
	}
	byPrefix := make(map[string]map[string]*tally)
	totals := make(map[string]float64)

	for _, session := range w.sessions(acts) {
		for i := 1; i < len(session); i++ {
			next := session[i]
			decay := w.decay(now.Sub(next.At))
			for l := 1; l <= w.cfg.MaxPrefix && i-l >= 0; l++ {
				steps := make([]string, l)
				for k := 0; k < l; k++ {
					steps[k] = session[i-l+k].Category
				}
				key := joinKey(steps...)
				if byPrefix[key] == nil {
					byPrefix[key] = make(map[string]*tally)
				}
				t := byPrefix[key][next.Category]
				if t == nil {
					t = &tally{}
					byPrefix[key][next.Category] = t
				}
				t.count++
				t.weight += decay
				totals[key] += decay
			}
		}
	}

	var out []Transition
	for key, nexts := range byPrefix {
		for next, t := range nexts {
			if t.count < w.cfg.MinSupport || totals[key] == 0 {
				continue
			}
			conf := t.weight / totals[key]
			if conf < w.cfg.MinConfidence {
				continue
			}
			out = append(out, Transition{
				Prefix:     strings.Split(key, ">"),
				Next:       next,
				Count:      t.count,
				Weight:     t.weight,
				Confidence: math.Min(conf, types.MaxPatternConfidence),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		ki, kj := joinKey(out[i].Prefix...), joinKey(out[j].Prefix...)
		if ki != kj {
			return ki < kj
		}
		return out[i].Next < out[j].Next
	})
	return out
}

// sessions splits time-ordered activity at gaps longer than Window and
// collapses repeated steps.
func (w *WorkflowPatternMiner) sessions(acts []Activity) [][]Activity {
	var (
		out     [][]Activity
		current []Activity
	)
	for _, a := range acts {
		if a.Category == "" {
			continue
		}
		if len(current) > 0 {
			last := current[len(current)-1]
			if a.At.Sub(last.At) > w.cfg.Window {
				out = append(out, current)
				current = nil
			} else if a.Category == last.Category {
				current[len(current)-1] = a
				continue
			}
		}
		current = append(current, a)
	}
	if len(current) > 0 {
		out = append(out, current)
	}
	return out
}

func (w *WorkflowPatternMiner) decay(age time.Duration) float64 {
	if age <= 0 || w.cfg.HalfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(w.cfg.HalfLife))
}

// Refresh mines the profile's memory history and replaces its stored
// workflow patterns. It returns the number of patterns stored.
func (w *WorkflowPatternMiner) Refresh(ctx context.Context, s *data.Store) (int, error) {
	acts, err := loadActivity(ctx, s)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	transitions := w.Mine(acts, now)

	err = s.Queue().Submit(ctx, data.Op{
		Name:    "store_workflows",
		Payload: len(transitions),
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM patterns WHERE pattern_type = ?`, types.PatternWorkflow); err != nil {
				return fmt.Errorf("clear workflow patterns: %w", err)
			}
			for _, t := range transitions {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO patterns (pattern_type, key, value, project, confidence, evidence_count, positive_count, last_seen)
					VALUES (?, ?, ?, '', ?, ?, ?, ?)`,
					types.PatternWorkflow, joinKey(t.Prefix...), t.Next, t.Confidence, t.Count, t.Count, now.UnixNano())
				if err != nil {
					return fmt.Errorf("insert workflow pattern: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	log.Debug().Str("profile", s.Name()).Int("activities", len(acts)).Int("patterns", len(transitions)).Msg("Workflow patterns refreshed")
	return len(transitions), nil
}

func loadActivity(ctx context.Context, s *data.Store) ([]Activity, error) {
	rows, err := s.Reader().QueryContext(ctx, `SELECT category, content, created_at FROM memories ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			category, content string
			at                int64
		)
		if err := rows.Scan(&category, &content, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if category == "" {
			category = InferCategory(content)
		}
		if category != "" {
			out = append(out, Activity{Category: category, At: time.Unix(0, at).UTC()})
		}
	}
	return out, rows.Err()
}

func joinKey(steps ...string) string {
	return strings.Join(steps, ">")
}

// ============================================================================
// CATEGORY INFERENCE
// ============================================================================

// Activity categories inferred from content.
const (
	CategoryDesign    = "design"
	CategoryImplement = "implement"
	CategoryTest      = "test"
	CategoryDebug     = "debug"
	CategoryDeploy    = "deploy"
	CategoryDocs      = "docs"
	CategoryReview    = "review"
)

// categoryKeywords is ordered; earlier categories win ties.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{CategoryDesign, []string{"design", "architecture", "diagram", "rfc", "proposal", "plan", "schema", "tradeoff"}},
	{CategoryImplement, []string{"implement", "implemented", "implementing", "refactor", "refactored", "feature", "added", "wrote", "build", "built"}},
	{CategoryTest, []string{"test", "tests", "testing", "pytest", "jest", "coverage", "assert", "fixture", "mock"}},
	{CategoryDebug, []string{"bug", "debug", "debugging", "fix", "fixed", "error", "crash", "panic", "stacktrace", "regression"}},
	{CategoryDeploy, []string{"deploy", "deployed", "deployment", "release", "rollout", "pipeline", "ci", "helm", "production"}},
	{CategoryDocs, []string{"docs", "documentation", "readme", "changelog", "docstring"}},
	{CategoryReview, []string{"review", "reviewed", "pr", "feedback", "approve", "approved"}},
}

// InferCategory guesses the activity category of content from keywords.
// Content with no keywords has no category.
func InferCategory(content string) string {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	counts := make(map[string]int, len(words))
	for _, w := range words {
		counts[w]++
	}

	best, bestN := "", 0
	for _, c := range categoryKeywords {
		n := 0
		for _, w := range c.words {
			n += counts[w]
		}
		if n > bestN {
			best, bestN = c.category, n
		}
	}
	return best
}
