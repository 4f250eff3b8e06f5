package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/pkg/types"
)

// day lays out one design → implement → test session starting at base.
func day(base time.Time, steps ...string) []Activity {
	acts := make([]Activity, len(steps))
	for i, s := range steps {
		acts[i] = Activity{Category: s, At: base.Add(time.Duration(i) * 20 * time.Minute)}
	}
	return acts
}

func TestMineOrderedSequences(t *testing.T) {
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	var acts []Activity
	for d := 1; d <= 3; d++ {
		acts = append(acts, day(now.AddDate(0, 0, -d), CategoryDesign, CategoryImplement, CategoryTest)...)
	}

	w := NewWorkflowPatternMiner(DefaultWorkflowConfig())
	got := w.Mine(acts, now)

	byKey := make(map[string]Transition)
	for _, tr := range got {
		byKey[joinKey(tr.Prefix...)+"→"+tr.Next] = tr
	}

	tr, ok := byKey["design>implement→test"]
	require.True(t, ok, "two-step prefix predicts test")
	assert.Equal(t, 3, tr.Count)
	assert.Equal(t, types.MaxPatternConfidence, tr.Confidence)

	_, ok = byKey["design→implement"]
	assert.True(t, ok)

	// Sessions are split at the window, so test never leads back to design.
	_, ok = byKey["test→design"]
	assert.False(t, ok)
	_, ok = byKey["implement→design"]
	assert.False(t, ok)
}

func TestMineIsOrderSensitive(t *testing.T) {
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	var acts []Activity
	for d := 1; d <= 2; d++ {
		acts = append(acts, day(now.AddDate(0, 0, -d), CategoryDebug, CategoryTest)...)
	}
	got := NewWorkflowPatternMiner(DefaultWorkflowConfig()).Mine(acts, now)
	require.Len(t, got, 1)
	assert.Equal(t, []string{CategoryDebug}, got[0].Prefix)
	assert.Equal(t, CategoryTest, got[0].Next)
}

func TestMineDecaysOldActivity(t *testing.T) {
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	cfg := DefaultWorkflowConfig()
	cfg.MinConfidence = 0

	var acts []Activity
	// Old habit: debug → docs. Recent habit: debug → test.
	for d := 60; d < 63; d++ {
		acts = append(acts, day(now.AddDate(0, 0, -d), CategoryDebug, CategoryDocs)...)
	}
	for d := 1; d < 3; d++ {
		acts = append(acts, day(now.AddDate(0, 0, -d), CategoryDebug, CategoryTest)...)
	}

	got := NewWorkflowPatternMiner(cfg).Mine(acts, now)
	require.Len(t, got, 2)
	assert.Equal(t, CategoryTest, got[0].Next, "recent transitions outweigh older, more frequent ones")
	assert.Greater(t, got[0].Confidence, got[1].Confidence)
}

func TestSessionsCollapseRepeats(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := NewWorkflowPatternMiner(DefaultWorkflowConfig())
	sessions := w.sessions(day(base, CategoryDesign, CategoryDesign, "", CategoryImplement))
	require.Len(t, sessions, 1)
	require.Len(t, sessions[0], 2)
	assert.Equal(t, CategoryDesign, sessions[0][0].Category)
	assert.Equal(t, CategoryImplement, sessions[0][1].Category)
}

func TestWorkflowRefreshFeedsMatcher(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := newTestEngine(t, nil)

	step := func(content, category string) {
		_, err := s.Insert(ctx, types.MemoryDraft{Content: content, Category: category, AgentID: "test"})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		step("design the retry architecture", CategoryDesign)
		// Uncategorized content falls back to keyword inference.
		step("implemented the retry feature", "")
	}
	step("design the cache architecture", CategoryDesign)

	n, err := e.workflows.Refresh(ctx, s)
	require.NoError(t, err)
	assert.Positive(t, n)

	patterns, err := e.Patterns().Patterns(ctx, s, types.PatternWorkflow)
	require.NoError(t, err)
	require.NotEmpty(t, patterns)

	m, err := e.Patterns().Matcher(ctx, s, "")
	require.NoError(t, err)
	impl := types.Memory{Content: "implemented the cache layer", Category: CategoryImplement}
	other := types.Memory{Content: "release notes", Category: CategoryDocs}
	assert.Greater(t, m.Score(impl), m.Score(other))
}

func TestInferCategory(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{"Architecture diagram for the ingest service", CategoryDesign},
		{"Fixed a panic in the worker, the bug was a nil map", CategoryDebug},
		{"pytest fixture for the temp database", CategoryTest},
		{"Deploy to production after the helm rollout", CategoryDeploy},
		{"Updated the README", CategoryDocs},
		{"Lunch at noon", ""},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, InferCategory(tt.content))
		})
	}
}
