package ranking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/pkg/types"
)

// BootstrapActor is the actor recorded on synthetic signals.
const BootstrapActor = "bootstrap"

// feedbackCounts splits the profile's feedback log into organic and
// synthetic signals.
func feedbackCounts(ctx context.Context, s *data.Store) (organic, synthetic int, err error) {
	err = s.Reader().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(synthetic = 0), 0), COALESCE(SUM(synthetic = 1), 0)
		FROM feedback`).Scan(&organic, &synthetic)
	if err != nil {
		return 0, 0, fmt.Errorf("count feedback: %w", err)
	}
	return organic, synthetic, nil
}

// phaseFor maps feedback volume to a phase. Synthetic signals count toward
// rule-based ranking only, and only up to MaxSynthetic of them.
func (c Config) phaseFor(organic, synthetic int) types.Phase {
	if organic >= c.MLAt {
		return types.PhaseML
	}
	if synthetic > c.MaxSynthetic {
		synthetic = c.MaxSynthetic
	}
	if organic+synthetic >= c.RuleBasedAt {
		return types.PhaseRuleBased
	}
	return types.PhaseBaseline
}

func storedPhase(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (types.Phase, error) {
	var phase string
	err := q.QueryRowContext(ctx, `SELECT phase FROM ranking_state WHERE id = 1`).Scan(&phase)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PhaseBaseline, nil
	}
	if err != nil {
		return types.PhaseBaseline, fmt.Errorf("load ranking phase: %w", err)
	}
	return types.Phase(phase), nil
}

// Phase returns the profile's ranking phase. The stored phase is a
// high-water mark: it advances when feedback volume crosses a threshold and
// never moves back, even if feedback is later removed.
func (e *Engine) Phase(ctx context.Context, s *data.Store) (types.Phase, error) {
	organic, synthetic, err := feedbackCounts(ctx, s)
	if err != nil {
		return types.PhaseBaseline, err
	}
	stored, err := storedPhase(ctx, s.Reader())
	if err != nil {
		return types.PhaseBaseline, err
	}

	computed := e.cfg.phaseFor(organic, synthetic)
	if computed.Ordinal() <= stored.Ordinal() {
		e.metrics.Phase(s.Name(), stored.Ordinal())
		return stored, nil
	}

	var current types.Phase
	err = s.Queue().Submit(ctx, data.Op{
		Name:    "advance_phase",
		Payload: computed,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			prev, err := storedPhase(ctx, tx)
			if err != nil {
				return err
			}
			current = prev
			if computed.Ordinal() <= prev.Ordinal() {
				return nil
			}
			current = computed
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ranking_state (id, phase, updated_at) VALUES (1, ?, ?)
				ON CONFLICT(id) DO UPDATE SET phase = excluded.phase, updated_at = excluded.updated_at`,
				string(computed), time.Now().UnixNano())
			if err != nil {
				return fmt.Errorf("store ranking phase: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return stored, err
	}

	if current != stored {
		log.Info().
			Str("profile", s.Name()).
			Str("from", string(stored)).
			Str("to", string(current)).
			Int("organic", organic).
			Int("synthetic", synthetic).
			Msg("Ranking phase advanced")
	}
	e.metrics.Phase(s.Name(), current.Ordinal())
	return current, nil
}

// ============================================================================
// FEEDBACK
// ============================================================================

// validateFeedback checks sig and returns the memory it refers to.
func validateFeedback(ctx context.Context, s *data.Store, sig *types.FeedbackSignal) (*types.Memory, error) {
	if err := data.Validator().Struct(sig); err != nil {
		return nil, errs.FromValidator(err)
	}
	if !sig.Kind.Valid() {
		return nil, errs.NewValidation("kind", fmt.Sprintf("unknown feedback kind %q", sig.Kind))
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	return s.Get(ctx, sig.MemoryID)
}

// RecordFeedback appends sig to the profile's feedback log together with the
// features the memory was last served with, feeds organic signals to the
// pattern learner and returns the resulting phase.
func (e *Engine) RecordFeedback(ctx context.Context, s *data.Store, sig types.FeedbackSignal) (types.Phase, error) {
	m, err := validateFeedback(ctx, s, &sig)
	if err != nil {
		return types.PhaseBaseline, err
	}

	features := e.impression(sig.QueryFingerprint, sig.MemoryID)
	if err := insertFeedback(ctx, s, []types.FeedbackSignal{sig}, [][]float64{features}); err != nil {
		return types.PhaseBaseline, err
	}
	e.metrics.FeedbackRecorded(s.Name(), string(sig.Kind), sig.Synthetic)

	if !sig.Synthetic {
		// Learning is best effort; the signal is already logged.
		if _, err := e.patterns.Observe(ctx, s, *m, sig); err != nil {
			log.Warn().Err(err).Str("profile", s.Name()).Str("memory", m.ID).Msg("Pattern learning failed")
		}
	}

	return e.Phase(ctx, s)
}

// insertFeedback appends signals in one queued transaction. features, when
// non-nil, is parallel to sigs; nil rows are stored as NULL.
func insertFeedback(ctx context.Context, s *data.Store, sigs []types.FeedbackSignal, features [][]float64) error {
	encoded := make([]sql.NullString, len(sigs))
	for i := range sigs {
		if i >= len(features) || features[i] == nil {
			continue
		}
		b, err := json.Marshal(features[i])
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		encoded[i] = sql.NullString{String: string(b), Valid: true}
	}

	return s.Queue().Submit(ctx, data.Op{
		Name:    "record_feedback",
		Payload: sigs,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			for i, sig := range sigs {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO feedback (memory_id, actor_id, kind, query_fingerprint, value, synthetic, features, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					sig.MemoryID, sig.ActorID, string(sig.Kind), sig.QueryFingerprint, sig.Value,
					sig.Synthetic, encoded[i], sig.Timestamp.UnixNano())
				if err != nil {
					return fmt.Errorf("insert feedback: %w", err)
				}
			}
			return nil
		},
	})
}

// Feedback returns the profile's feedback log, newest first.
func (e *Engine) Feedback(ctx context.Context, s *data.Store, limit int) ([]types.FeedbackSignal, error) {
	query := `SELECT memory_id, actor_id, kind, query_fingerprint, value, synthetic, created_at
		FROM feedback ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.Reader().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []types.FeedbackSignal
	for rows.Next() {
		var (
			sig  types.FeedbackSignal
			kind string
			at   int64
		)
		if err := rows.Scan(&sig.MemoryID, &sig.ActorID, &kind, &sig.QueryFingerprint, &sig.Value, &sig.Synthetic, &at); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		sig.Kind = types.FeedbackKind(kind)
		sig.Timestamp = time.Unix(0, at).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// ============================================================================
// BOOTSTRAP
// ============================================================================

// Bootstrap seeds up to n synthetic signals on the profile's most important
// active memories so rule-based ranking is reachable before organic feedback
// accumulates. The total number of synthetic signals never exceeds
// MaxSynthetic. It returns how many signals were added.
func (e *Engine) Bootstrap(ctx context.Context, s *data.Store, n int) (int, error) {
	_, synthetic, err := feedbackCounts(ctx, s)
	if err != nil {
		return 0, err
	}
	if room := e.cfg.MaxSynthetic - synthetic; n > room {
		n = room
	}
	if n <= 0 {
		return 0, nil
	}

	ids, importance, err := bootstrapCandidates(ctx, s)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, &errs.InsufficientDataError{ProfileID: s.Name(), Eligible: 0, Required: 1}
	}

	now := time.Now().UTC()
	sigs := make([]types.FeedbackSignal, n)
	for i := range sigs {
		j := i % len(ids)
		kind := types.FeedbackClick
		if importance[j] >= 7 {
			kind = types.FeedbackThumbsUp
		}
		sigs[i] = types.FeedbackSignal{
			MemoryID:  ids[j],
			ActorID:   BootstrapActor,
			Kind:      kind,
			Synthetic: true,
			Timestamp: now,
		}
	}
	if err := insertFeedback(ctx, s, sigs, nil); err != nil {
		return 0, err
	}
	for _, sig := range sigs {
		e.metrics.FeedbackRecorded(s.Name(), string(sig.Kind), true)
	}

	log.Info().Str("profile", s.Name()).Int("signals", n).Msg("Seeded synthetic feedback")
	if _, err := e.Phase(ctx, s); err != nil {
		return n, err
	}
	return n, nil
}

// bootstrapCandidates lists active memories, most important and most
// recalled first.
func bootstrapCandidates(ctx context.Context, s *data.Store) ([]string, []int, error) {
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT id, importance FROM memories
		WHERE tier = ?
		ORDER BY importance DESC, access_count DESC, seq
		LIMIT 50`, string(types.TierActive))
	if err != nil {
		return nil, nil, fmt.Errorf("query bootstrap candidates: %w", err)
	}
	defer rows.Close()

	var (
		ids        []string
		importance []int
	)
	for rows.Next() {
		var (
			id  string
			imp int
		)
		if err := rows.Scan(&id, &imp); err != nil {
			return nil, nil, fmt.Errorf("scan bootstrap candidate: %w", err)
		}
		ids = append(ids, id)
		importance = append(importance, imp)
	}
	return ids, importance, rows.Err()
}
