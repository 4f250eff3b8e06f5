package engine

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/ranking"
	"github.com/normanking/cortexmem/pkg/types"
)

// SearchRequest is a ranked recall.
type SearchRequest struct {
	Profile string
	Query   string
	Tags    []string     // Candidates must carry every tag
	Tiers   []types.Tier // Defaults to active and warm
	Project string       // Explicit project; also inferred from Path and tags
	Path    string       // Caller's working directory
	AgentID string       // Recalling agent, credited to other authors
	Limit   int
}

// Search selects candidates matching any query term, ranks them with the
// profile's current phase and records the recall: access counts on the
// returned memories and recalled_by_other evidence for their authors.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (ranking.Result, error) {
	s, err := e.store(req.Profile)
	if err != nil {
		return ranking.Result{}, err
	}

	tiers := req.Tiers
	if len(tiers) == 0 {
		tiers = []types.Tier{types.TierActive, types.TierWarm}
	}
	candidates, err := s.Read(ctx, types.QueryFilter{
		Text:  strings.TrimSpace(req.Query),
		Tags:  req.Tags,
		Tiers: tiers,
	})
	if err != nil {
		return ranking.Result{}, err
	}

	res := e.ranker.Rank(ctx, s, ranking.Request{
		Query:      req.Query,
		Candidates: candidates,
		Context:    ranking.ProjectHint{Project: req.Project, Path: req.Path, Tags: req.Tags},
		Limit:      req.Limit,
	})
	if res.Warning != nil {
		log.Warn().Err(res.Warning).Str("profile", s.Name()).Msg("Ranking degraded")
	}
	if len(res.Memories) == 0 {
		return res, nil
	}

	recalled := make([]types.Memory, len(res.Memories))
	ids := make([]string, len(res.Memories))
	for i, sm := range res.Memories {
		recalled[i] = sm.Memory
		ids[i] = sm.Memory.ID
	}
	if err := s.Touch(ctx, ids); err != nil {
		log.Warn().Err(err).Str("profile", s.Name()).Msg("Failed to record access")
	}
	if err := e.trust.ObserveRecall(ctx, req.AgentID, recalled); err != nil {
		log.Warn().Err(err).Str("profile", s.Name()).Msg("Failed to record recall evidence")
	}
	return res, nil
}
