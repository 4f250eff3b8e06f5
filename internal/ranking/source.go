package ranking

import (
	"context"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/pkg/types"
)

// SourceQualityScorer rates the tool a memory came from by how many of its
// memories were kept rather than deleted.
type SourceQualityScorer struct {
	stats map[string]data.SourceStat
}

// LoadSourceQuality reads the profile's per-source counters.
func LoadSourceQuality(ctx context.Context, s *data.Store) (*SourceQualityScorer, error) {
	stats, err := s.SourceStats(ctx)
	if err != nil {
		return nil, err
	}
	return &SourceQualityScorer{stats: stats}, nil
}

// Score is the Beta(1,1) posterior mean of the retained share for p's
// source. Unknown sources score 0.5.
func (q *SourceQualityScorer) Score(p types.Provenance) float64 {
	st := q.stats[data.SourceOf(p)]
	return float64(st.Retained()+1) / float64(st.Created+2)
}

// Scores returns the score of every known source.
func (q *SourceQualityScorer) Scores() map[string]float64 {
	out := make(map[string]float64, len(q.stats))
	for name, st := range q.stats {
		out[name] = float64(st.Retained()+1) / float64(st.Created+2)
	}
	return out
}
