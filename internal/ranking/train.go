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

// TrainReport summarizes one retraining run.
type TrainReport struct {
	ProfileID        string        `json:"profile_id"`
	Version          int           `json:"version"`
	Queries          int           `json:"queries"`
	Pairs            int           `json:"pairs"`
	Trees            int           `json:"trees"`
	WorkflowPatterns int           `json:"workflow_patterns"`
	Duration         time.Duration `json:"duration"`
}

// Retrain refreshes workflow patterns and fits a new model from the
// profile's organic feedback. Too few labeled pairs fail with
// InsufficientDataError and leave the current model in place. It is a
// batch job and never runs inside a ranking call.
func (e *Engine) Retrain(ctx context.Context, s *data.Store) (TrainReport, error) {
	start := time.Now()
	report := TrainReport{ProfileID: s.Name()}

	n, err := e.workflows.Refresh(ctx, s)
	if err != nil {
		log.Warn().Err(err).Str("profile", s.Name()).Msg("Workflow mining failed")
	}
	report.WorkflowPatterns = n

	groups, err := loadJudgments(ctx, s, e.cfg.DwellPositive)
	if err != nil {
		return report, err
	}
	report.Queries = len(groups)
	report.Pairs = countPairs(groups)
	if report.Pairs < e.cfg.Train.MinPairs {
		return report, &errs.InsufficientDataError{ProfileID: s.Name(), Eligible: report.Pairs, Required: e.cfg.Train.MinPairs}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	model := trainLambdaMART(groups, NumFeatures, e.cfg.Train)
	model.TrainingPairs = report.Pairs
	model.TrainedAt = time.Now().UTC()

	version, err := saveModel(ctx, s, model)
	if err != nil {
		return report, err
	}
	model.Version = version

	e.mu.Lock()
	e.models[s.Path()] = model
	e.mu.Unlock()

	report.Version = version
	report.Trees = len(model.Trees)
	report.Duration = time.Since(start)
	log.Info().
		Str("profile", s.Name()).
		Int("version", version).
		Int("queries", report.Queries).
		Int("pairs", report.Pairs).
		Dur("took", report.Duration).
		Msg("Ranking model trained")
	return report, nil
}

// model returns the profile's model, loading it on first use.
func (e *Engine) model(ctx context.Context, s *data.Store) (*Model, error) {
	e.mu.Lock()
	m, ok := e.models[s.Path()]
	e.mu.Unlock()
	if ok {
		return m, nil
	}

	m, err := loadModel(ctx, s)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.models[s.Path()] = m
	e.mu.Unlock()
	return m, nil
}

// Model returns the profile's current model.
func (e *Engine) Model(ctx context.Context, s *data.Store) (*Model, error) {
	return e.model(ctx, s)
}

// ============================================================================
// JUDGMENTS
// ============================================================================

// label grades: pin > thumbs up > click or long dwell > nothing.
func grade(kind types.FeedbackKind, value, dwellPositive float64) float64 {
	switch kind {
	case types.FeedbackPin:
		return 3
	case types.FeedbackThumbsUp:
		return 2
	case types.FeedbackClick:
		return 1
	case types.FeedbackDwellTime:
		if value >= dwellPositive {
			return 1
		}
	}
	return 0
}

// loadJudgments groups organic feedback that carries served features by
// query. Each memory gets its best grade, or zero when thumbs-down outvote
// endorsements. Groups without two distinct labels carry no pairs and are
// dropped.
func loadJudgments(ctx context.Context, s *data.Store, dwellPositive float64) ([][]sample, error) {
	rows, err := s.Reader().QueryContext(ctx, `
		SELECT query_fingerprint, memory_id, kind, value, features
		FROM feedback
		WHERE synthetic = 0 AND query_fingerprint != '' AND features IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query judgments: %w", err)
	}
	defer rows.Close()

	type judgment struct {
		features []float64
		best     float64
		up, down int
	}
	var (
		queries []string
		docs    = make(map[string][]string)
		byKey   = make(map[string]*judgment)
	)
	for rows.Next() {
		var (
			fp, id, kind, raw string
			value             float64
		)
		if err := rows.Scan(&fp, &id, &kind, &value, &raw); err != nil {
			return nil, fmt.Errorf("scan judgment: %w", err)
		}
		var features []float64
		if err := json.Unmarshal([]byte(raw), &features); err != nil || len(features) != NumFeatures {
			continue
		}

		key := fp + "|" + id
		j := byKey[key]
		if j == nil {
			j = &judgment{}
			byKey[key] = j
			if docs[fp] == nil {
				queries = append(queries, fp)
			}
			docs[fp] = append(docs[fp], key)
		}
		j.features = features
		k := types.FeedbackKind(kind)
		if g := grade(k, value, dwellPositive); g > j.best {
			j.best = g
		}
		switch k {
		case types.FeedbackThumbsDown:
			j.down++
		case types.FeedbackThumbsUp, types.FeedbackPin:
			j.up++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var groups [][]sample
	for _, fp := range queries {
		var (
			g        []sample
			distinct = make(map[float64]bool)
		)
		for _, key := range docs[fp] {
			j := byKey[key]
			label := j.best
			if j.down > j.up {
				label = 0
			}
			g = append(g, sample{features: j.features, label: label})
			distinct[label] = true
		}
		if len(distinct) > 1 {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// ============================================================================
// PERSISTENCE
// ============================================================================

// saveModel stores m as the profile's current model and returns its version.
func saveModel(ctx context.Context, s *data.Store, m *Model) (int, error) {
	var version int
	err := s.Queue().Submit(ctx, data.Op{
		Name:    "save_model",
		Payload: m.TrainingPairs,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			var prev int
			err := tx.QueryRowContext(ctx, `SELECT version FROM ranking_models WHERE id = 1`).Scan(&prev)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load model version: %w", err)
			}
			version = prev + 1

			stored := *m
			stored.Version = version
			raw, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal model: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ranking_models (id, version, model, feature_count, training_pairs, trained_at)
				VALUES (1, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					version = excluded.version,
					model = excluded.model,
					feature_count = excluded.feature_count,
					training_pairs = excluded.training_pairs,
					trained_at = excluded.trained_at`,
				version, string(raw), m.FeatureCount, m.TrainingPairs, m.TrainedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("store model: %w", err)
			}
			return nil
		},
	})
	return version, err
}

func loadModel(ctx context.Context, s *data.Store) (*Model, error) {
	var raw string
	err := s.Reader().QueryRowContext(ctx, `SELECT model FROM ranking_models WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	var m Model
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	return &m, nil
}
