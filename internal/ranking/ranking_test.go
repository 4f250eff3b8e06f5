package ranking

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/bus/bustest"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

func newTestStore(t *testing.T) *data.Store {
	t.Helper()
	s, _, err := data.Open(filepath.Join(t.TempDir(), "default.db"), types.DefaultProfile, data.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, sink bus.Sink) *Engine {
	t.Helper()
	e, err := New(DefaultConfig(), Deps{Sink: sink})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func write(t *testing.T, s *data.Store, content string, tags ...string) types.Memory {
	t.Helper()
	m, err := s.Insert(context.Background(), types.MemoryDraft{Content: content, Tags: tags, AgentID: "test"})
	require.NoError(t, err)
	return *m
}

// organic appends n organic signals on memoryID without features.
func organic(t *testing.T, s *data.Store, memoryID string, n int) {
	t.Helper()
	sigs := make([]types.FeedbackSignal, n)
	for i := range sigs {
		sigs[i] = types.FeedbackSignal{MemoryID: memoryID, ActorID: "user", Kind: types.FeedbackClick}
	}
	require.NoError(t, insertFeedback(context.Background(), s, sigs, nil))
}

func ids(scored []types.ScoredMemory) []string {
	out := make([]string, len(scored))
	for i, sm := range scored {
		out[i] = sm.Memory.ID
	}
	return out
}

func TestPhaseThresholds(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name               string
		organic, synthetic int
		want               types.Phase
	}{
		{"empty", 0, 0, types.PhaseBaseline},
		{"just below rule", 19, 0, types.PhaseBaseline},
		{"rule", 20, 0, types.PhaseRuleBased},
		{"synthetic reaches rule", 0, 20, types.PhaseRuleBased},
		{"synthetic is capped", 0, 500, types.PhaseRuleBased},
		{"synthetic never reaches ml", 150, 100, types.PhaseRuleBased},
		{"just below ml", 199, 0, types.PhaseRuleBased},
		{"ml", 200, 0, types.PhaseML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.phaseFor(tt.organic, tt.synthetic))
		})
	}
}

func TestRankBaselineOrdersByLexicalMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	full := write(t, s, "JWT authentication with refresh tokens and token rotation")
	partial := write(t, s, "Session cookies versus JWT authentication tradeoffs")
	none := write(t, s, "Password hashing with argon2 and a per-user salt")

	res := e.Rank(ctx, s, Request{
		Query:      "jwt authentication refresh",
		Candidates: []types.Memory{none, partial, full},
	})

	assert.Equal(t, types.PhaseBaseline, res.Phase)
	assert.Nil(t, res.Warning)
	assert.Equal(t, []string{full.ID, partial.ID, none.ID}, ids(res.Memories))
	assert.Equal(t, 1.0, res.Memories[0].Features[FeatLexical])
	assert.Zero(t, res.Memories[2].Features[FeatLexical])
	assert.NotEmpty(t, res.Fingerprint)
}

func TestRankRuleBasedPrefersLearnedFramework(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &bustest.Recorder{}
	e := newTestEngine(t, rec)

	fastapi := write(t, s, "FastAPI python api framework with async request handlers")
	flask := write(t, s, "Flask python api framework with simple request handlers")

	query := "python api framework"
	before := e.Rank(ctx, s, Request{Query: query, Candidates: []types.Memory{flask, fastapi}})
	require.Equal(t, types.PhaseBaseline, before.Phase)
	assert.InDelta(t, before.Memories[0].Score, before.Memories[1].Score, 1e-6, "equal lexical match")

	var phase types.Phase
	for i := 0; i < 25; i++ {
		var err error
		phase, err = e.RecordFeedback(ctx, s, types.FeedbackSignal{
			MemoryID:         fastapi.ID,
			ActorID:          "user",
			Kind:             types.FeedbackThumbsUp,
			QueryFingerprint: before.Fingerprint,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, types.PhaseRuleBased, phase)

	res := e.Rank(ctx, s, Request{Query: query, Candidates: []types.Memory{flask, fastapi}})
	assert.Equal(t, types.PhaseRuleBased, res.Phase)
	assert.Nil(t, res.Warning)
	assert.Equal(t, []string{fastapi.ID, flask.ID}, ids(res.Memories))
	assert.Greater(t, res.Memories[0].Features[FeatPattern], res.Memories[1].Features[FeatPattern])

	patterns, err := e.Patterns().Patterns(ctx, s, types.PatternTechPreference)
	require.NoError(t, err)
	var found bool
	for _, p := range patterns {
		if p.Value == "fastapi" {
			found = true
			assert.Equal(t, TechFramework, p.Key)
			assert.Equal(t, 25, p.EvidenceCount)
			assert.Equal(t, types.MaxPatternConfidence, p.Confidence)
		}
		assert.NotEqual(t, "flask", p.Value)
	}
	assert.True(t, found)

	learned := rec.Of(bus.EventPatternLearned)
	require.Len(t, learned, 2, "fastapi and python each learned once")
}

func TestRankDegradesWhenModelMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	a := write(t, s, "kubernetes rollout of the billing service")
	bm := write(t, s, "terraform plan for the billing database")
	organic(t, s, a.ID, 200)

	phase, err := e.Phase(ctx, s)
	require.NoError(t, err)
	require.Equal(t, types.PhaseML, phase)

	res := e.Rank(ctx, s, Request{Query: "billing rollout", Candidates: []types.Memory{bm, a}})
	assert.Equal(t, types.PhaseRuleBased, res.Phase)
	require.NotNil(t, res.Warning)
	assert.Equal(t, types.PhaseML, res.Warning.From)
	assert.Equal(t, types.PhaseRuleBased, res.Warning.To)
	assert.True(t, errors.Is(res.Warning, ErrNoModel))
	assert.Len(t, res.Memories, 2)
}

func TestPhaseNeverRegresses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	m := write(t, s, "redis cache eviction policy")
	organic(t, s, m.ID, 20)

	phase, err := e.Phase(ctx, s)
	require.NoError(t, err)
	require.Equal(t, types.PhaseRuleBased, phase)

	require.NoError(t, s.Queue().Submit(ctx, data.Op{
		Name: "clear_feedback",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM feedback`)
			return err
		},
	}))

	phase, err = e.Phase(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRuleBased, phase)
}

func TestBootstrapCapsSyntheticSignals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	_, err := e.Bootstrap(ctx, s, 5)
	var insufficient *errs.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)

	write(t, s, "prefer pnpm over npm in this repo")
	write(t, s, "vite dev server proxies /api to :8080")

	n, err := e.Bootstrap(ctx, s, 50)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = e.Bootstrap(ctx, s, 5)
	require.NoError(t, err)
	assert.Zero(t, n)

	phase, err := e.Phase(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRuleBased, phase)

	patterns, err := e.Patterns().Patterns(ctx, s, "")
	require.NoError(t, err)
	assert.Empty(t, patterns, "synthetic signals teach nothing")
}

func TestRecordFeedbackValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)
	m := write(t, s, "use errgroup for fan-out")

	_, err := e.RecordFeedback(ctx, s, types.FeedbackSignal{MemoryID: m.ID, ActorID: "user", Kind: "love"})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "kind", verr.Field)

	_, err = e.RecordFeedback(ctx, s, types.FeedbackSignal{MemoryID: m.ID, Kind: types.FeedbackClick})
	require.ErrorAs(t, err, &verr)

	_, err = e.RecordFeedback(ctx, s, types.FeedbackSignal{MemoryID: "missing", ActorID: "user", Kind: types.FeedbackClick})
	var nf *errs.NotFoundError
	require.ErrorAs(t, err, &nf)

	log, err := e.Feedback(ctx, s, 0)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestRetrain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	_, err := e.Retrain(ctx, s)
	var insufficient *errs.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, DefaultConfig().Train.MinPairs, insufficient.Required)

	var candidates []types.Memory
	for _, c := range []string{
		"postgres connection pooling with pgbouncer",
		"postgres query planner statistics",
		"mysql replication lag alerts",
		"postgres vacuum tuning for large tables",
	} {
		candidates = append(candidates, write(t, s, c))
	}

	for _, q := range []string{"postgres pooling", "postgres planner", "postgres vacuum", "database tuning"} {
		res := e.Rank(ctx, s, Request{Query: q, Candidates: candidates})
		for i, kind := range []types.FeedbackKind{types.FeedbackThumbsUp, types.FeedbackClick, types.FeedbackThumbsDown} {
			_, err := e.RecordFeedback(ctx, s, types.FeedbackSignal{
				MemoryID:         res.Memories[i].Memory.ID,
				ActorID:          "user",
				Kind:             kind,
				QueryFingerprint: res.Fingerprint,
			})
			require.NoError(t, err)
		}
	}

	report, err := e.Retrain(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Version)
	assert.Equal(t, 4, report.Queries)
	assert.Equal(t, 12, report.Pairs)
	assert.Equal(t, DefaultConfig().Train.Trees, report.Trees)

	model, err := e.Model(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, NumFeatures, model.FeatureCount)

	// A second engine loads the persisted model.
	other := newTestEngine(t, nil)
	loaded, err := other.Model(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)

	organic(t, s, candidates[0].ID, 200)
	res := e.Rank(ctx, s, Request{Query: "postgres pooling", Candidates: candidates})
	assert.Equal(t, types.PhaseML, res.Phase)
	assert.Nil(t, res.Warning)
}

func TestBaselineRanker(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := NewBaseline(DefaultConfig())

	a := write(t, s, "grpc streaming deadlines")
	b := write(t, s, "grpc interceptors for auth and grpc retries")
	organic(t, s, a.ID, 300)

	phase, err := r.Phase(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBaseline, phase)

	res := r.Rank(ctx, s, Request{Query: "grpc retries", Candidates: []types.Memory{a, b}, Limit: 1})
	assert.Equal(t, types.PhaseBaseline, res.Phase)
	assert.Equal(t, []string{b.ID}, ids(res.Memories))

	phase, err = r.RecordFeedback(ctx, s, types.FeedbackSignal{MemoryID: b.ID, ActorID: "user", Kind: types.FeedbackPin})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBaseline, phase)
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("Docker compose networking"), Fingerprint("networking  docker COMPOSE docker"))
	assert.NotEqual(t, Fingerprint("docker compose"), Fingerprint("docker swarm"))
	assert.Empty(t, Fingerprint("   "))
	assert.Len(t, Fingerprint("x"), 32)
}
