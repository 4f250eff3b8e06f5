package data

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, types.MemoryDraft{
		Content:  "  Use JWT with FastAPI  ",
		Tags:     []string{"Auth", "auth", " python "},
		AgentID:  "claude",
		Protocol: "mcp",
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Use JWT with FastAPI", got.Content)
	assert.Equal(t, []string{"auth", "python"}, got.Tags)
	assert.Equal(t, DefaultImportance, got.Importance)
	assert.Equal(t, types.TierActive, got.Tier)
	assert.Equal(t, types.DefaultProfile, got.ProfileID)
	assert.Equal(t, "claude", got.Provenance.AgentID)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)
}

func TestInsertValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		draft types.MemoryDraft
		field string
	}{
		{"empty content", types.MemoryDraft{Content: "   ", AgentID: "a"}, "content"},
		{"importance too high", types.MemoryDraft{Content: "x", AgentID: "a", Importance: 11}, "importance"},
		{"missing agent", types.MemoryDraft{Content: "x"}, "agentid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, tt.draft)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected writes must not change state")
}

func TestWriteOrderingUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 6, 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Insert(ctx, types.MemoryDraft{
					Content: fmt.Sprintf("writer %d item %d", w, i),
					AgentID: fmt.Sprintf("agent-%d", w),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	all, err := s.Read(ctx, types.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, all, writers*perWriter)

	seen := make(map[string]bool)
	last := make(map[string]int)
	for _, m := range all {
		require.False(t, seen[m.Content], "duplicate write %q", m.Content)
		seen[m.Content] = true

		fields := strings.Fields(m.Content)
		i, _ := strconv.Atoi(fields[3])
		if prev, ok := last[m.Provenance.AgentID]; ok {
			assert.Greater(t, i, prev, "writes of %s applied out of order", m.Provenance.AgentID)
		}
		last[m.Provenance.AgentID] = i
	}
}

func TestReadIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 40; i++ {
			_, err := s.Insert(ctx, types.MemoryDraft{
				Content: strings.Repeat("x", i*50),
				Tags:    []string{fmt.Sprintf("len-%d", i*50)},
				AgentID: "writer",
			})
			assert.NoError(t, err)
		}
	}()

	for {
		mems, err := s.Read(ctx, types.QueryFilter{})
		require.NoError(t, err)
		for _, m := range mems {
			require.Len(t, m.Tags, 1)
			assert.Equal(t, fmt.Sprintf("len-%d", len(m.Content)), m.Tags[0])
		}
		select {
		case <-done:
			mems, err := s.Read(ctx, types.QueryFilter{})
			require.NoError(t, err)
			assert.Len(t, mems, 40)
			return
		default:
		}
	}
}

func TestReadFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.Insert(ctx, types.MemoryDraft{Content: "Postgres connection pooling", Tags: []string{"db"}, AgentID: "a", Project: "api"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, types.MemoryDraft{Content: "React hooks 100% explained", Tags: []string{"ui"}, AgentID: "b", Project: "web"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter types.QueryFilter
		want   int
	}{
		{"all", types.QueryFilter{}, 2},
		{"text any token", types.QueryFilter{Text: "postgres hooks"}, 2},
		{"text one", types.QueryFilter{Text: "POOLING"}, 1},
		{"literal percent", types.QueryFilter{Text: "100%"}, 1},
		{"tag", types.QueryFilter{Tags: []string{"DB"}}, 1},
		{"project", types.QueryFilter{Project: "web"}, 1},
		{"agent", types.QueryFilter{AgentID: "a"}, 1},
		{"ids", types.QueryFilter{IDs: []string{a.ID}}, 1},
		{"tier", types.QueryFilter{Tiers: []types.Tier{types.TierCold}}, 0},
		{"limit", types.QueryFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Read(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, types.MemoryDraft{Content: "note", AgentID: "a", Protocol: "cli"})
	require.NoError(t, err)

	imp := 8
	up, err := s.Update(ctx, m.ID, Patch{Importance: &imp, Tags: []string{"Keep"}})
	require.NoError(t, err)
	assert.Equal(t, 8, up.Importance)
	assert.Equal(t, []string{"keep"}, up.Tags)

	bad := 0
	_, err = s.Update(ctx, m.ID, Patch{Importance: &bad})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	deleted, err := s.Delete(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, deleted.ID)

	_, err = s.Get(ctx, m.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = s.Delete(ctx, m.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	stats, err := s.SourceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceStat{Source: "cli", Created: 1, Deleted: 1}, stats["cli"])
	assert.Zero(t, stats["cli"].Retained())
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.Insert(ctx, types.MemoryDraft{Content: "note", AgentID: "a"})
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, []string{m.ID}))
	require.NoError(t, s.Touch(ctx, []string{m.ID}))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	assert.False(t, got.LastAccessed.Before(got.CreatedAt))
}
