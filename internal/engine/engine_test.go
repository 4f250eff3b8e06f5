package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/bus/bustest"
	"github.com/normanking/cortexmem/internal/config"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/pkg/types"
)

func newTestEngine(t *testing.T, mutate ...func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Logging.File = ""
	for _, m := range mutate {
		m(cfg)
	}
	e, err := Open(cfg, Options{Metrics: metrics.New(), Sink: &bustest.Recorder{}})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func events(e *Engine) *bustest.Recorder {
	return e.sink.(*bustest.Recorder)
}

func write(t *testing.T, e *Engine, agent, content string) *types.Memory {
	t.Helper()
	m, err := e.Write(context.Background(), types.MemoryDraft{Content: content, AgentID: agent})
	require.NoError(t, err)
	return m
}

func TestWriteStoresAndEmits(t *testing.T) {
	e := newTestEngine(t)

	m := write(t, e, "claude", "Fixed the nil map panic in the ingest worker")
	assert.Equal(t, types.DefaultProfile, m.ProfileID)
	assert.Equal(t, "debug", m.Category)

	created := events(e).Of(bus.EventMemoryCreated)
	require.Len(t, created, 1)
	assert.Equal(t, m.ID, created[0].(bus.MemoryCreated).Memory.ID)

	connected := events(e).Of(bus.EventAgentConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "claude", connected[0].(bus.AgentConnected).Agent.ID)
}

func TestWriteValidatesBeforeTrust(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	tests := []struct {
		name  string
		draft types.MemoryDraft
		field string
	}{
		{"empty content", types.MemoryDraft{Content: "", AgentID: "claude"}, "content"},
		{"blank content", types.MemoryDraft{Content: "   \n\t", AgentID: "ghost"}, "content"},
		{"blank agent", types.MemoryDraft{Content: "a real note", AgentID: "  "}, "agentid"},
		{"importance out of range", types.MemoryDraft{Content: "a real note", AgentID: "claude", Importance: 11}, "importance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Write(ctx, tt.draft)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	agents, err := e.Agents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents, "a rejected draft never reaches the gate")
	assert.Zero(t, events(e).Len(), "a rejected draft emits nothing")

	n, err := e.Read(ctx, types.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestWriteStoresTrimmedContent(t *testing.T) {
	e := newTestEngine(t)
	m := write(t, e, "claude", "  \tkeep the trailing newline out\n")
	assert.Equal(t, "keep the trailing newline out", m.Content)
}

func TestLowTrustAgentIsDenied(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	write(t, e, "spammer", "first note")
	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordSignal(ctx, types.TrustSignal{AgentID: "spammer", Kind: types.SignalThumbsDownReceived}))
	}

	_, err := e.Write(ctx, types.MemoryDraft{Content: "second note", AgentID: "spammer"})
	var denied *errs.TrustDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, errs.ReasonLowTrust, denied.Reason)

	n, err := e.Read(ctx, types.QueryFilter{AgentID: "spammer"})
	require.NoError(t, err)
	assert.Len(t, n, 1)
}

func TestSearchRecordsRecall(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	jwt := write(t, e, "writer", "JWT authentication with refresh token rotation")
	write(t, e, "writer", "Argon2 password hashing parameters")

	res, err := e.Search(ctx, SearchRequest{Query: "jwt refresh", AgentID: "reader", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, res.Memories)
	assert.Equal(t, jwt.ID, res.Memories[0].Memory.ID)
	assert.Equal(t, types.PhaseBaseline, res.Phase)

	got, err := e.Get(ctx, "", jwt.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)

	score, err := e.Score(ctx, "writer")
	require.NoError(t, err)
	assert.Greater(t, score, 0.5, "recall by another agent raises trust")
}

func TestQuickDeleteCountsAgainstAuthor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m := write(t, e, "flaky", "temporary scratch note")
	require.NoError(t, e.Delete(ctx, "", m.ID, "flaky"))

	_, err := e.Get(ctx, "", m.ID)
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)

	score, err := e.Score(ctx, "flaky")
	require.NoError(t, err)
	assert.Less(t, score, 0.5)
	assert.Len(t, events(e).Of(bus.EventMemoryDeleted), 1)
}

func TestProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.NoError(t, e.CreateProfile("work"))
	_, err := e.Write(ctx, types.MemoryDraft{Content: "quarterly planning notes", AgentID: "claude", ProfileID: "work"})
	require.NoError(t, err)

	home, err := e.Read(ctx, types.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, home)

	require.NoError(t, e.SwitchProfile("work"))
	assert.Equal(t, "work", e.ActiveProfile())
	work, err := e.Read(ctx, types.QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, work, 1)

	migrated, err := e.DeleteProfile(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)
	assert.Equal(t, types.DefaultProfile, e.ActiveProfile())
}

func TestFeedbackReachesAuthorTrust(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	m := write(t, e, "writer", "Use connection pooling for postgres")
	before, err := e.Score(ctx, "writer")
	require.NoError(t, err)

	phase, err := e.RecordFeedback(ctx, "", types.FeedbackSignal{MemoryID: m.ID, ActorID: "user", Kind: types.FeedbackThumbsUp})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBaseline, phase)

	after, err := e.Score(ctx, "writer")
	require.NoError(t, err)
	assert.Greater(t, after, before)

	log, err := e.Feedback(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, types.FeedbackThumbsUp, log[0].Kind)
}

func TestGraphDisabled(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, func(c *config.Config) { c.Graph.Enabled = false })

	m := write(t, e, "claude", "graph features are off")
	_, err := e.Build(ctx, "")
	assert.ErrorIs(t, err, graph.ErrDisabled)

	related, err := e.Related(ctx, "", m.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, related)

	res, err := e.Search(ctx, SearchRequest{Query: "graph"})
	require.NoError(t, err)
	assert.Len(t, res.Memories, 1)
}

func TestRankingDisabledUsesBaseline(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, func(c *config.Config) { c.Ranking.Enabled = false })

	m := write(t, e, "claude", "baseline only")
	_, err := e.Bootstrap(ctx, "", 5)
	assert.ErrorIs(t, err, ErrLearningDisabled)

	phase, err := e.RecordFeedback(ctx, "", types.FeedbackSignal{MemoryID: m.ID, ActorID: "user", Kind: types.FeedbackClick})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseBaseline, phase)
}

func TestSchedulerJobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	write(t, e, "claude", "only one memory so far")

	sched, err := e.Scheduler()
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 3)

	res, err := sched.Run(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, []string{types.DefaultProfile}, res.Ran)

	res, err = sched.Run(ctx, "graph")
	require.NoError(t, err)
	assert.Equal(t, []string{types.DefaultProfile}, res.Skipped, "one memory is not enough for a graph")

	res, err = sched.Run(ctx, "retrain")
	require.NoError(t, err)
	assert.Equal(t, []string{types.DefaultProfile}, res.Skipped)
}

func TestOwnedBusFeedsMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Logging.File = ""
	m := metrics.New()
	e, err := Open(cfg, Options{Metrics: m})
	require.NoError(t, err)
	defer e.Close()

	write(t, e, "claude", "metrics follow the owned event bus")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Events.WithLabelValues(string(bus.EventMemoryCreated))) == 1
	}, time.Second, 10*time.Millisecond)
}
