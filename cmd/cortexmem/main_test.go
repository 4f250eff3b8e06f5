package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/pkg/types"
)

// newHome writes a config that keeps all state under a temp directory and
// returns the config path.
func newHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	conf := "storage:\n  data_dir: " + filepath.Join(dir, "data") + "\nlogging:\n  file: \"\"\nmetrics:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(conf), 0o644))
	return path
}

// run executes one cortexmem command line against the config at home.
func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", home, "--no-color"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := run(t, home, args...)
	require.NoError(t, err, "cortexmem %s", strings.Join(args, " "))
	return out
}

func runJSON(t *testing.T, home string, v any, args ...string) {
	t.Helper()
	out := mustRun(t, home, append([]string{"--json"}, args...)...)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func remember(t *testing.T, home string, args ...string) types.Memory {
	t.Helper()
	var m types.Memory
	runJSON(t, home, &m, append([]string{"remember"}, args...)...)
	require.NotEmpty(t, m.ID)
	return m
}

func TestVersion(t *testing.T) {
	out := mustRun(t, newHome(t), "version")
	assert.Equal(t, "cortexmem v"+version+"\n", out)
}

func TestRememberSearchShowForget(t *testing.T) {
	home := newHome(t)

	m := remember(t, home, "--tag", "postgres", "--importance", "8", "billing-api uses pgx with a 20 connection pool")
	assert.Equal(t, types.DefaultProfile, m.ProfileID)
	assert.Equal(t, 8, m.Importance)
	assert.Equal(t, []string{"postgres"}, m.Tags)
	remember(t, home, "the deploy script lives in ops/deploy.sh")

	var res struct {
		Phase    types.Phase          `json:"phase"`
		Memories []types.ScoredMemory `json:"memories"`
	}
	runJSON(t, home, &res, "search", "pgx", "pool")
	require.Len(t, res.Memories, 1)
	assert.Equal(t, m.ID, res.Memories[0].Memory.ID)
	assert.Equal(t, types.PhaseBaseline, res.Phase)

	var shown struct {
		Memory types.Memory `json:"memory"`
	}
	runJSON(t, home, &shown, "show", m.ID)
	assert.Equal(t, 1, shown.Memory.AccessCount, "search counts as a recall")

	out := mustRun(t, home, "tag", m.ID, "--importance", "3")
	assert.Contains(t, out, m.ID)

	out = mustRun(t, home, "forget", m.ID)
	assert.Contains(t, out, "Forgot")

	_, err := run(t, home, "show", m.ID)
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRememberRejects(t *testing.T) {
	home := newHome(t)

	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"blank content", []string{"remember", "   "}, "content"},
		{"importance out of range", []string{"remember", "--importance", "11", "a note"}, "importance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, home, tt.args...)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	var agents []types.Agent
	runJSON(t, home, &agents, "trust", "agents")
	assert.Empty(t, agents)
}

func TestProfileCommands(t *testing.T) {
	home := newHome(t)

	listed := func() map[string]types.ProfileInfo {
		var infos []types.ProfileInfo
		runJSON(t, home, &infos, "profile", "list")
		out := make(map[string]types.ProfileInfo, len(infos))
		for _, p := range infos {
			out[p.Name] = p
		}
		return out
	}

	assert.Contains(t, mustRun(t, home, "profile", "create", "work"), "Created profile work")
	require.Contains(t, listed(), "work")

	assert.Contains(t, mustRun(t, home, "profile", "switch", "work"), "Active profile is now work")
	assert.True(t, listed()["work"].Active)

	m := remember(t, home, "standup moved to 9:30")
	assert.Equal(t, "work", m.ProfileID)

	personal := remember(t, home, "--profile", types.DefaultProfile, "buy oat milk")
	assert.Equal(t, types.DefaultProfile, personal.ProfileID)

	out := mustRun(t, home, "profile", "delete", "work")
	assert.Contains(t, out, "1 memories moved to "+types.DefaultProfile)

	profiles := listed()
	assert.NotContains(t, profiles, "work")
	assert.Equal(t, 2, profiles[types.DefaultProfile].MemoryCount)

	_, err := run(t, home, "profile", "switch", "missing")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestProfileDetect(t *testing.T) {
	home := newHome(t)
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "go.mod"), []byte("module example.com/acme/billing-api\n\ngo 1.22\n"), 0o644))
	sub := filepath.Join(repo, "internal", "invoice")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	var p struct {
		Name string `json:"name"`
		Root string `json:"root"`
		Type string `json:"type"`
	}
	runJSON(t, home, &p, "profile", "detect", sub)
	assert.Equal(t, "go", p.Type)
	assert.Equal(t, repo, p.Root)
	assert.Equal(t, "billing-api", p.Name)

	out := mustRun(t, home, "profile", "detect", sub)
	assert.Contains(t, out, "Root: "+repo)
}

func TestTrustCommands(t *testing.T) {
	home := newHome(t)
	remember(t, home, "--agent", "claude", "retry budget for the ingest worker is 5")

	score := func() float64 {
		var s struct {
			Score float64 `json:"score"`
		}
		runJSON(t, home, &s, "trust", "score", "claude")
		return s.Score
	}
	assert.InDelta(t, 0.5, score(), 1e-9)

	out := mustRun(t, home, "trust", "signal", "claude", "--kind", string(types.SignalThumbsDownReceived))
	assert.Contains(t, out, "score now 0.400")
	assert.InDelta(t, 0.4, score(), 1e-9)

	var agents []types.Agent
	runJSON(t, home, &agents, "trust", "agents")
	require.Len(t, agents, 1)
	assert.Equal(t, "claude", agents[0].ID)
	assert.Equal(t, 1, agents[0].WritesCount)

	_, err := run(t, home, "trust", "signal", "claude", "--kind", "bribe")
	var ve *errs.ValidationError
	assert.ErrorAs(t, err, &ve)

	mustRun(t, home, "trust", "reset", "claude")
	assert.InDelta(t, 0.5, score(), 1e-9)
}

func TestGraphCommands(t *testing.T) {
	home := newHome(t)

	var before graph.Stats
	runJSON(t, home, &before, "graph", "stats")
	assert.Zero(t, before.Generation)
	assert.Contains(t, mustRun(t, home, "graph", "stats"), "No graph built yet")

	var ids []string
	for _, note := range []string{
		"docker compose networking between containers",
		"docker containers restart policy in compose",
		"docker compose volumes mounted into containers",
		"postgres index tuning for slow queries",
		"postgres vacuum and index bloat slow queries",
		"slow postgres queries fixed with a partial index",
	} {
		ids = append(ids, remember(t, home, note).ID)
	}

	var report types.BuildReport
	runJSON(t, home, &report, "graph", "build")
	assert.Equal(t, int64(1), report.Generation)
	assert.Equal(t, 6, report.NodeCount)
	assert.Positive(t, report.EdgeCount)

	var st graph.Stats
	runJSON(t, home, &st, "graph", "stats")
	assert.Equal(t, int64(1), st.Generation)
	require.NotEmpty(t, st.Clusters)

	var related []types.RelatedMemory
	runJSON(t, home, &related, "graph", "related", ids[0])
	require.NotEmpty(t, related)
	assert.NotEqual(t, ids[0], related[0].MemoryID)

	var c types.Cluster
	runJSON(t, home, &c, "graph", "members", st.Clusters[0].ID)
	assert.NotEmpty(t, c.MemberIDs)
}

func TestRankingCommands(t *testing.T) {
	home := newHome(t)
	m := remember(t, home, "FastAPI python api framework with async request handlers")

	var phase struct {
		Phase types.Phase `json:"phase"`
	}
	runJSON(t, home, &phase, "ranking", "phase")
	assert.Equal(t, types.PhaseBaseline, phase.Phase)

	out := mustRun(t, home, "feedback", m.ID, "thumbs_up", "--query", "python api")
	assert.Contains(t, out, "Recorded thumbs_up")

	_, err := run(t, home, "feedback", m.ID, "meh")
	assert.ErrorContains(t, err, "unknown feedback kind")

	_, err = run(t, home, "feedback", m.ID, "dwell_time", "long")
	assert.ErrorContains(t, err, "invalid value")

	var log []types.FeedbackSignal
	runJSON(t, home, &log, "ranking", "feedback")
	require.Len(t, log, 1)
	assert.Equal(t, m.ID, log[0].MemoryID)
	assert.Equal(t, "cli", log[0].ActorID)
	assert.NotEmpty(t, log[0].QueryFingerprint)

	out = mustRun(t, home, "ranking", "bootstrap", "--count", "5")
	assert.Contains(t, out, "synthetic signals")

	var patterns []types.Pattern
	runJSON(t, home, &patterns, "ranking", "patterns")
}

func TestConfigCommands(t *testing.T) {
	home := newHome(t)

	assert.Contains(t, mustRun(t, home, "config", "validate"), "Configuration is valid")
	assert.Equal(t, home+"\n", mustRun(t, home, "config", "path"))
	assert.Contains(t, mustRun(t, home, "config", "show"), "data_dir: "+filepath.Join(filepath.Dir(home), "data"))
}
