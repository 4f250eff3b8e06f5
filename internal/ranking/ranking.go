// Package ranking orders recall candidates for a profile and learns from
// feedback on the results.
//
// Ranking matures in three phases, chosen from the profile's feedback log:
//
//	baseline    lexical match, recency and importance
//	rule_based  baseline boosted by learned tech and workflow patterns
//	ml          a LambdaMART model over all features
//
// A profile never moves back to an earlier phase. When a phase cannot
// produce scores, Rank falls through to the phase below it and reports the
// step down in Result.Warning, so a ranking call never fails.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/fingerprint"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/pkg/types"
)

// Ranker is the ranking capability used by the rest of the system. Engine
// is the full implementation; Baseline stands in when learning is off.
type Ranker interface {
	Rank(ctx context.Context, s *data.Store, req Request) Result
	RecordFeedback(ctx context.Context, s *data.Store, sig types.FeedbackSignal) (types.Phase, error)
	Phase(ctx context.Context, s *data.Store) (types.Phase, error)
}

// TrustScorer supplies the trust feature. *trust.Gate satisfies it.
type TrustScorer interface {
	Score(ctx context.Context, agentID string) (float64, error)
}

// Request is one ranking call.
type Request struct {
	Query      string
	Candidates []types.Memory
	Context    ProjectHint // Optional signals for the active project
	Limit      int         // 0 keeps every candidate
}

// Result is the ordered output of Rank.
type Result struct {
	Phase       types.Phase                  `json:"phase"` // Phase that produced the ordering
	Fingerprint string                       `json:"query_fingerprint"`
	Project     string                       `json:"project,omitempty"`
	Memories    []types.ScoredMemory         `json:"memories"`
	Warning     *errs.RankingDegradedWarning `json:"-"`
}

// Config tunes phase thresholds, scoring weights and training.
type Config struct {
	RuleBasedAt  int // Feedback signals that unlock rule-based ranking
	MLAt         int // Organic signals that unlock the learned model
	MaxSynthetic int // Bootstrap signals counted toward rule-based

	LexicalWeight    float64
	RecencyWeight    float64
	ImportanceWeight float64
	RecencyScale     time.Duration // e-folding age of the recency feature
	RuleBoost        float64       // Multiplier applied to the pattern score

	MinConfidence float64 // Pattern confidence that counts as learned
	MinEvidence   int     // Observations before a pattern counts as learned
	MinProjects   int     // Projects a pattern needs to apply everywhere
	DwellPositive float64 // Dwell seconds that count as a positive signal
	DwellScale    float64 // Dwell seconds at which the dwell feature reaches ~0.63

	ImpressionTTL       time.Duration // How long served features wait for feedback
	ImpressionCacheSize int64         // Cached feature rows

	Workflow WorkflowConfig
	Train    TrainConfig
	Breaker  BreakerConfig
}

// BreakerConfig guards model scoring. Shape follows the HTTP breaker
// middleware settings.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultConfig returns the default ranking parameters.
func DefaultConfig() Config {
	return Config{
		RuleBasedAt:  20,
		MLAt:         200,
		MaxSynthetic: 20,

		LexicalWeight:    0.6,
		RecencyWeight:    0.2,
		ImportanceWeight: 0.2,
		RecencyScale:     30 * 24 * time.Hour,
		RuleBoost:        1.0,

		MinConfidence: 0.6,
		MinEvidence:   3,
		MinProjects:   2,
		DwellPositive: 30,
		DwellScale:    60,

		ImpressionTTL:       time.Hour,
		ImpressionCacheSize: 1 << 16,

		Workflow: DefaultWorkflowConfig(),
		Train:    DefaultTrainConfig(),
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          60 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      3,
		},
	}
}

// Deps are the collaborators of the full engine. Nil fields fall back to
// neutral implementations.
type Deps struct {
	Trust         TrustScorer
	Graph         graph.Engine
	Fingerprinter *fingerprint.Fingerprinter
	Sink          bus.Sink
	Metrics       *metrics.Metrics
}

// Engine is the full three-phase ranker.
type Engine struct {
	cfg       Config
	tok       *graph.Tokenizer
	features  *FeatureExtractor
	patterns  *PatternLearner
	workflows *WorkflowPatternMiner
	projects  *ProjectContextManager
	metrics   *metrics.Metrics

	// Feature rows served by Rank, keyed by query fingerprint and memory,
	// so feedback can be logged with the features the user actually saw.
	impressions *ristretto.Cache

	mu       sync.Mutex
	models   map[string]*Model // By store path
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ Ranker = (*Engine)(nil)

// New creates a ranking engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	tok, err := graph.NewTokenizer(1 << 18)
	if err != nil {
		return nil, err
	}
	impressions, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.ImpressionCacheSize * 10,
		MaxCost:     cfg.ImpressionCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		tok.Close()
		return nil, err
	}

	if deps.Sink == nil {
		deps.Sink = bus.Discard
	}
	if deps.Graph == nil {
		deps.Graph = graph.Noop{}
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter = fingerprint.NewFingerprinter()
	}

	patterns := NewPatternLearner(cfg, tok, deps.Sink)
	return &Engine{
		cfg:         cfg,
		tok:         tok,
		features:    NewFeatureExtractor(cfg, tok, deps.Trust, deps.Graph, patterns),
		patterns:    patterns,
		workflows:   NewWorkflowPatternMiner(cfg.Workflow),
		projects:    NewProjectContextManager(deps.Fingerprinter, tok),
		metrics:     deps.Metrics,
		impressions: impressions,
		models:      make(map[string]*Model),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Close releases the caches.
func (e *Engine) Close() {
	e.impressions.Close()
	e.tok.Close()
}

// Patterns exposes the pattern learner.
func (e *Engine) Patterns() *PatternLearner { return e.patterns }

// Rank orders req.Candidates with the profile's current phase. It always
// returns a result; failures degrade to a lower phase and are reported in
// Result.Warning.
func (e *Engine) Rank(ctx context.Context, s *data.Store, req Request) Result {
	res := Result{Fingerprint: Fingerprint(req.Query)}

	phase, err := e.Phase(ctx, s)
	if err != nil {
		log.Warn().Err(err).Str("profile", s.Name()).Msg("Failed to read ranking phase, using baseline")
		phase = types.PhaseBaseline
	}

	if req.Context.Content == "" {
		req.Context.Content = req.Query
	}
	res.Project = e.projects.Infer(ctx, s, req.Context)

	rows := e.features.Base(req.Query, req.Candidates)
	enrichErr := e.features.Enrich(ctx, s, res.Project, req.Candidates, rows)
	if enrichErr != nil {
		log.Debug().Err(enrichErr).Str("profile", s.Name()).Msg("Feature enrichment failed")
	}

	used := phase
	scores, err := e.score(ctx, s, used, rows, enrichErr)
	var causes []error
	for err != nil {
		causes = append(causes, fmt.Errorf("%s ranking: %w", used, err))
		used = used.Below()
		scores, err = e.score(ctx, s, used, rows, enrichErr)
	}

	if used != phase {
		res.Warning = &errs.RankingDegradedWarning{From: phase, To: used, Cause: errors.Join(causes...)}
		e.metrics.Degraded(s.Name(), string(phase), string(used))
		log.Warn().
			Err(res.Warning.Cause).
			Str("profile", s.Name()).
			Str("from", string(phase)).
			Str("to", string(used)).
			Msg("Ranking degraded")
	}

	res.Phase = used
	res.Memories = order(req.Candidates, rows, scores, req.Limit)

	if enrichErr == nil {
		e.remember(res.Fingerprint, req.Candidates, rows)
	}
	return res
}

// score produces one score per row for phase p.
func (e *Engine) score(ctx context.Context, s *data.Store, p types.Phase, rows [][]float64, enrichErr error) ([]float64, error) {
	switch p {
	case types.PhaseML:
		if enrichErr != nil {
			return nil, enrichErr
		}
		return e.scoreModel(ctx, s, rows)
	case types.PhaseRuleBased:
		if enrichErr != nil {
			return nil, enrichErr
		}
		scores := make([]float64, len(rows))
		for i, r := range rows {
			scores[i] = ruleScore(e.cfg, r)
		}
		return scores, nil
	default:
		scores := make([]float64, len(rows))
		for i, r := range rows {
			scores[i] = baselineScore(e.cfg, r)
		}
		return scores, nil
	}
}

// scoreModel runs the profile's model behind its circuit breaker.
func (e *Engine) scoreModel(ctx context.Context, s *data.Store, rows [][]float64) ([]float64, error) {
	out, err := e.breaker(s).Execute(func() (any, error) {
		m, err := e.model(ctx, s)
		if err != nil {
			return nil, err
		}
		scores := make([]float64, len(rows))
		for i, r := range rows {
			if scores[i], err = m.Score(r); err != nil {
				return nil, err
			}
		}
		return scores, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]float64), nil
}

func (e *Engine) breaker(s *data.Store) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[s.Path()]; ok {
		return cb
	}
	cfg := e.cfg.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ranking-model:" + s.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
		// A missing model is not a scoring fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoModel)
		},
	})
	e.breakers[s.Path()] = cb
	return cb
}

// remember caches the rows just served so later feedback can be logged
// with them.
func (e *Engine) remember(fp string, memories []types.Memory, rows [][]float64) {
	for i, m := range memories {
		row := append([]float64(nil), rows[i]...)
		e.impressions.SetWithTTL(impressionKey(fp, m.ID), row, 1, e.cfg.ImpressionTTL)
	}
	e.impressions.Wait()
}

func (e *Engine) impression(fp, memoryID string) []float64 {
	if fp == "" {
		return nil
	}
	if v, ok := e.impressions.Get(impressionKey(fp, memoryID)); ok {
		return v.([]float64)
	}
	return nil
}

func impressionKey(fp, memoryID string) string {
	return fp + "|" + memoryID
}

// order sorts candidates by score descending with ID as the tie-break and
// applies limit.
func order(memories []types.Memory, rows [][]float64, scores []float64, limit int) []types.ScoredMemory {
	out := make([]types.ScoredMemory, len(memories))
	for i, m := range memories {
		out[i] = types.ScoredMemory{Memory: m, Score: scores[i], Features: rows[i]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ============================================================================
// BASELINE
// ============================================================================

// Baseline ranks by lexical match, recency and importance only. It still
// logs feedback so a profile keeps collecting evidence while learning is
// switched off.
type Baseline struct {
	cfg      Config
	features *FeatureExtractor
}

var _ Ranker = (*Baseline)(nil)

// NewBaseline creates the fallback ranker.
func NewBaseline(cfg Config) *Baseline {
	tok, _ := graph.NewTokenizer(0)
	return &Baseline{cfg: cfg, features: NewFeatureExtractor(cfg, tok, nil, graph.Noop{}, nil)}
}

func (b *Baseline) Rank(_ context.Context, _ *data.Store, req Request) Result {
	rows := b.features.Base(req.Query, req.Candidates)
	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = baselineScore(b.cfg, r)
	}
	return Result{
		Phase:       types.PhaseBaseline,
		Fingerprint: Fingerprint(req.Query),
		Memories:    order(req.Candidates, rows, scores, req.Limit),
	}
}

func (b *Baseline) RecordFeedback(ctx context.Context, s *data.Store, sig types.FeedbackSignal) (types.Phase, error) {
	if _, err := validateFeedback(ctx, s, &sig); err != nil {
		return types.PhaseBaseline, err
	}
	if err := insertFeedback(ctx, s, []types.FeedbackSignal{sig}, nil); err != nil {
		return types.PhaseBaseline, err
	}
	return types.PhaseBaseline, nil
}

func (b *Baseline) Phase(context.Context, *data.Store) (types.Phase, error) {
	return types.PhaseBaseline, nil
}
