package data

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/pkg/types"
)

// everythingIsOld treats every stored memory as past both thresholds.
func everythingIsOld() ArchivePolicy {
	p := DefaultArchivePolicy()
	p.WarmAfter = -time.Hour
	p.ColdAfter = -time.Hour
	p.SummaryChars = 40
	return p
}

func TestArchiveTierPass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := "Deploys go through the staging cluster first. Then canary for an hour. " +
		strings.Repeat("Rollback is automatic when error budgets burn. ", 20)
	m, err := s.Insert(ctx, types.MemoryDraft{Content: original, AgentID: "a", Importance: 4})
	require.NoError(t, err)
	pinned, err := s.Insert(ctx, types.MemoryDraft{Content: original, AgentID: "a", Importance: 9})
	require.NoError(t, err)

	policy := everythingIsOld()

	// active -> warm
	report, err := s.ArchiveTierPass(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warmed)
	assert.Equal(t, 0, report.Cooled)

	warm, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, warm.Tier)
	assert.Less(t, len(warm.Content), len(original))
	assert.True(t, strings.HasPrefix(warm.Content, "Deploys go through"))

	kept, err := s.Get(ctx, pinned.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierActive, kept.Tier, "high importance memories are protected")

	// warm -> cold
	report, err = s.ArchiveTierPass(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Warmed)
	assert.Equal(t, 1, report.Cooled)

	cold, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierCold, cold.Tier)
	assert.True(t, strings.HasPrefix(cold.Content, "[archived]"))

	// cold stays cold
	report, err = s.ArchiveTierPass(ctx, policy)
	require.NoError(t, err)
	assert.Zero(t, report.Count())

	transitions, err := s.Transitions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, types.TierActive, transitions[0].From)
	assert.Equal(t, types.TierWarm, transitions[0].To)
	assert.Equal(t, len(strings.TrimSpace(original)), transitions[0].OriginalSize)
	assert.Less(t, transitions[0].CompressedSize, transitions[0].OriginalSize)
	assert.Equal(t, types.TierCold, transitions[1].To)
}

func TestRestoreFromArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := strings.Repeat("Remember to rotate signing keys quarterly. ", 10)
	m, err := s.Insert(ctx, types.MemoryDraft{Content: original, AgentID: "a"})
	require.NoError(t, err)

	policy := everythingIsOld()
	_, err = s.ArchiveTierPass(ctx, policy)
	require.NoError(t, err)
	_, err = s.ArchiveTierPass(ctx, policy)
	require.NoError(t, err)

	restored, err := s.Restore(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierActive, restored.Tier)
	assert.Equal(t, strings.TrimSpace(original), restored.Content)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, restored.Content, got.Content)

	again, err := s.Restore(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TierActive, again.Tier)

	transitions, err := s.Transitions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, types.TierActive, transitions[2].To)
}

func TestRecentMemoriesStayActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, types.MemoryDraft{Content: "fresh", AgentID: "a"})
	require.NoError(t, err)

	report, err := s.ArchiveTierPass(ctx, DefaultArchivePolicy())
	require.NoError(t, err)
	assert.Zero(t, report.Count())
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "short", Summarize("short", 40))
	assert.Equal(t, "One. Two. …", Summarize("One. Two. Three is a much longer sentence here.", 12))

	long := Summarize(strings.Repeat("word ", 50), 30)
	assert.True(t, strings.HasSuffix(long, " …"))
	assert.LessOrEqual(t, len([]rune(long)), 32)
}
