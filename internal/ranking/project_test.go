package ranking

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/fingerprint"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/pkg/types"
)

func newTestProjects(t *testing.T) *ProjectContextManager {
	t.Helper()
	tok, err := graph.NewTokenizer(0)
	require.NoError(t, err)
	return NewProjectContextManager(fingerprint.NewFingerprinter(), tok)
}

func TestInferPriority(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := newTestProjects(t)

	_, err := s.Insert(ctx, types.MemoryDraft{Content: "ledger uses postgres", Project: "ledger", AgentID: "test"})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module github.com/acme/billing-api\n\ngo 1.22\n"), 0o644))

	tests := []struct {
		name string
		hint ProjectHint
		want string
	}{
		{"explicit wins", ProjectHint{Project: " Payments ", Path: dir, Tags: []string{"project:infra"}}, "payments"},
		{"path", ProjectHint{Path: dir, Tags: []string{"project:infra"}}, "billing-api"},
		{"tag", ProjectHint{Tags: []string{"go", "Project:Infra"}}, "infra"},
		{"known project in content", ProjectHint{Content: "how does ledger reconcile"}, "ledger"},
		{"nothing", ProjectHint{Content: "how do I reconcile"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Infer(ctx, s, tt.hint))
		})
	}
}

func TestInferFromProfileName(t *testing.T) {
	s, _, err := data.Open(filepath.Join(t.TempDir(), "mobile.db"), "Mobile", data.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := newTestProjects(t)
	assert.Equal(t, "mobile", m.Infer(context.Background(), s, ProjectHint{Content: "anything"}))
	assert.Equal(t, "web", m.Infer(context.Background(), s, ProjectHint{Tags: []string{"project:web"}}))
}

func TestCrossProjectAggregator(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)
	patterns := []types.Pattern{
		{PatternType: types.PatternTechPreference, Key: TechFramework, Value: "fastapi", Project: "api", Confidence: 0.8, EvidenceCount: 5, LastSeen: early},
		{PatternType: types.PatternTechPreference, Key: TechFramework, Value: "fastapi", Project: "worker", Confidence: 0.6, EvidenceCount: 3, LastSeen: late},
		{PatternType: types.PatternTechPreference, Key: TechFramework, Value: "flask", Project: "legacy", Confidence: 0.9, EvidenceCount: 9, LastSeen: late},
		{PatternType: types.PatternTechPreference, Key: TechFramework, Value: "flask", Confidence: 0.9, EvidenceCount: 9, LastSeen: late},
	}

	got := CrossProjectAggregator{MinProjects: 2}.Aggregate(patterns)
	require.Len(t, got, 1)
	assert.Equal(t, "fastapi", got[0].Value)
	assert.Empty(t, got[0].Project)
	assert.InDelta(t, 0.7, got[0].Confidence, 1e-9)
	assert.Equal(t, 8, got[0].EvidenceCount)
	assert.Equal(t, late, got[0].LastSeen)

	// A floor below two would promote single-project patterns.
	assert.Len(t, CrossProjectAggregator{MinProjects: 1}.Aggregate(patterns), 1)
}
