package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/pkg/types"
)

// Identity names the agent performing an operation.
type Identity struct {
	ID       string
	Name     string
	Protocol string
	Profile  string // Active profile, used to tag agent.connected
}

// agentState is the in-process half of an agent's trust state. The evidence
// totals live in the system store so every process sees the same score.
type agentState struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	writes  []time.Time
	known   bool
}

// Gate authorizes mutations and accumulates trust evidence.
type Gate struct {
	store   *data.Store
	cfg     Config
	sink    bus.Sink
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	agents map[string]*agentState
}

// New creates a gate persisting to the system store.
func New(system *data.Store, cfg Config, sink bus.Sink, m *metrics.Metrics) *Gate {
	if sink == nil {
		sink = bus.Discard
	}
	return &Gate{
		store:   system,
		cfg:     cfg,
		sink:    sink,
		metrics: m,
		now:     time.Now,
		agents:  make(map[string]*agentState),
	}
}

func (g *Gate) state(id string) *agentState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.agents[id]
	if !ok {
		st = &agentState{limiter: rate.NewLimiter(rate.Limit(g.cfg.WriteRate), g.cfg.WriteBurst)}
		g.agents[id] = st
	}
	return st
}

// ═══════════════════════════════════════════════════════════════════════════════
// AUTHORIZATION
// ═══════════════════════════════════════════════════════════════════════════════

// Authorize checks whether the agent may perform op right now. A write that
// passes consumes a rate-limit token.
func (g *Gate) Authorize(ctx context.Context, agentID string, op types.Operation) error {
	st := g.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return g.authorizeLocked(ctx, agentID, op, st)
}

func (g *Gate) authorizeLocked(ctx context.Context, agentID string, op types.Operation, st *agentState) error {
	score, err := g.Score(ctx, agentID)
	if err != nil {
		return err
	}
	if score < g.cfg.DenyBelow {
		g.metrics.TrustDenied(string(op), errs.ReasonLowTrust)
		log.Warn().Str("agent", agentID).Str("op", string(op)).Float64("score", score).Msg("trust denied")
		return &errs.TrustDeniedError{
			AgentID: agentID, Operation: op, Score: score,
			Threshold: g.cfg.DenyBelow, Reason: errs.ReasonLowTrust,
		}
	}
	if op == types.OpWrite && !st.limiter.AllowN(g.now(), 1) {
		g.metrics.TrustDenied(string(op), errs.ReasonRateLimited)
		return &errs.TrustDeniedError{
			AgentID: agentID, Operation: op, Score: score,
			Threshold: g.cfg.DenyBelow, Reason: errs.ReasonRateLimited,
		}
	}
	return nil
}

// Guard authorizes op, runs fn and records the evidence its outcome implies,
// all while holding the agent's lock, so no other trust-affecting signal for
// the agent interleaves between the check and the mutation. fn returns the
// memory it created (write) or removed (delete).
func (g *Gate) Guard(ctx context.Context, who Identity, op types.Operation, fn func(context.Context) (*types.Memory, error)) error {
	st := g.state(who.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := g.ensureAgentLocked(ctx, who, st); err != nil {
		return err
	}
	if err := g.authorizeLocked(ctx, who.ID, op, st); err != nil {
		return err
	}

	m, err := fn(ctx)
	if err != nil {
		return err
	}

	// The mutation is committed; evidence failures are logged, not returned.
	var obsErr error
	switch op {
	case types.OpWrite:
		obsErr = g.observeWriteLocked(ctx, who.ID, st)
	case types.OpDelete:
		obsErr = g.observeDeleteLocked(ctx, who.ID, m)
	}
	if obsErr != nil {
		log.Error().Err(obsErr).Str("agent", who.ID).Str("op", string(op)).Msg("record trust evidence")
	}
	return nil
}

// observeWriteLocked counts the write and emits write_burst once the sliding
// window is over its threshold.
func (g *Gate) observeWriteLocked(ctx context.Context, agentID string, st *agentState) error {
	now := g.now()
	cutoff := now.Add(-g.cfg.BurstWindow)
	kept := st.writes[:0]
	for _, t := range st.writes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.writes = append(kept, now)

	if err := g.bumpCounters(ctx, agentID, 1, 0); err != nil {
		return err
	}
	if g.cfg.BurstThreshold > 0 && len(st.writes) > g.cfg.BurstThreshold {
		return g.record(ctx, agentID, types.SignalWriteBurst, g.cfg.weight(types.SignalWriteBurst))
	}
	return nil
}

// observeDeleteLocked emits quick_delete when an agent removes its own memory
// shortly after creating it.
func (g *Gate) observeDeleteLocked(ctx context.Context, agentID string, m *types.Memory) error {
	if m == nil || m.Provenance.AgentID != agentID {
		return nil
	}
	if g.now().Sub(m.CreatedAt) > g.cfg.QuickDeleteWindow {
		return nil
	}
	return g.record(ctx, agentID, types.SignalQuickDelete, g.cfg.weight(types.SignalQuickDelete))
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVIDENCE
// ═══════════════════════════════════════════════════════════════════════════════

// RecordSignal appends one piece of evidence. A zero weight takes the
// configured default for the kind.
func (g *Gate) RecordSignal(ctx context.Context, sig types.TrustSignal) error {
	if !sig.Kind.Valid() {
		return errs.NewValidation("kind", "unknown signal kind "+string(sig.Kind))
	}
	if sig.AgentID == "" {
		return errs.NewValidation("agent_id", "required")
	}
	if sig.Weight < 0 {
		return errs.NewValidation("weight", "must be non-negative")
	}
	if sig.Weight == 0 {
		sig.Weight = g.cfg.weight(sig.Kind)
	}

	st := g.state(sig.AgentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := g.ensureAgentLocked(ctx, Identity{ID: sig.AgentID}, st); err != nil {
		return err
	}
	return g.record(ctx, sig.AgentID, sig.Kind, sig.Weight)
}

// ObserveRecall credits the authors of recalled memories written by someone
// other than the recalling agent.
func (g *Gate) ObserveRecall(ctx context.Context, recallerID string, recalled []types.Memory) error {
	if recallerID != "" {
		if err := g.bumpCounters(ctx, recallerID, 0, 1); err != nil {
			return err
		}
	}
	for _, m := range recalled {
		author := m.Provenance.AgentID
		if author == "" || author == recallerID {
			continue
		}
		if err := g.RecordSignal(ctx, types.TrustSignal{AgentID: author, Kind: types.SignalRecalledByOther}); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRetention credits the author of a high-importance memory that
// survived long enough to be archived rather than deleted.
func (g *Gate) ObserveRetention(ctx context.Context, m types.Memory) error {
	if m.Provenance.AgentID == "" {
		return nil
	}
	return g.RecordSignal(ctx, types.TrustSignal{AgentID: m.Provenance.AgentID, Kind: types.SignalRetainedImportant})
}

// ObserveFeedback passes explicit ratings of a memory on to its author.
func (g *Gate) ObserveFeedback(ctx context.Context, m types.Memory, kind types.FeedbackKind) error {
	author := m.Provenance.AgentID
	if author == "" {
		return nil
	}
	switch kind {
	case types.FeedbackThumbsUp:
		return g.RecordSignal(ctx, types.TrustSignal{AgentID: author, Kind: types.SignalThumbsUpReceived})
	case types.FeedbackThumbsDown:
		return g.RecordSignal(ctx, types.TrustSignal{AgentID: author, Kind: types.SignalThumbsDownReceived})
	}
	return nil
}

// record persists one signal and the agent's updated evidence totals in a
// single queued transaction.
func (g *Gate) record(ctx context.Context, agentID string, kind types.SignalKind, weight float64) error {
	now := g.now().UnixNano()
	pos, neg := 0.0, 0.0
	if kind.Positive() {
		pos = weight
	} else {
		neg = weight
	}

	err := g.store.Queue().Submit(ctx, data.Op{
		Name:    "trust_signal",
		Payload: types.TrustSignal{AgentID: agentID, Kind: kind, Weight: weight},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO trust_signals (agent_id, kind, weight, created_at) VALUES (?, ?, ?, ?)`,
				agentID, string(kind), weight, now); err != nil {
				return fmt.Errorf("insert trust signal: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, positive_evidence, negative_evidence, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					positive_evidence = positive_evidence + excluded.positive_evidence,
					negative_evidence = negative_evidence + excluded.negative_evidence,
					last_seen = excluded.last_seen`,
				agentID, pos, neg, now, now); err != nil {
				return fmt.Errorf("update agent evidence: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	g.metrics.TrustSignal(string(kind))
	log.Debug().Str("agent", agentID).Str("kind", string(kind)).Float64("weight", weight).Msg("trust signal")
	return nil
}

func (g *Gate) bumpCounters(ctx context.Context, agentID string, writes, recalls int) error {
	now := g.now().UnixNano()
	return g.store.Queue().Submit(ctx, data.Op{
		Name:    "agent_activity",
		Payload: map[string]any{"agent": agentID, "writes": writes, "recalls": recalls},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, writes_count, recalls_count, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					writes_count = writes_count + excluded.writes_count,
					recalls_count = recalls_count + excluded.recalls_count,
					last_seen = excluded.last_seen`,
				agentID, writes, recalls, now, now)
			if err != nil {
				return fmt.Errorf("update agent activity: %w", err)
			}
			return nil
		},
	})
}

// ensureAgentLocked registers an agent on first sight and emits agent.connected.
func (g *Gate) ensureAgentLocked(ctx context.Context, who Identity, st *agentState) error {
	if st.known {
		return nil
	}

	now := g.now().UnixNano()
	created := false
	err := g.store.Queue().Submit(ctx, data.Op{
		Name:    "agent_register",
		Payload: who,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO agents (id, name, protocol, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				who.ID, who.Name, who.Protocol, now, now)
			if err != nil {
				return fmt.Errorf("register agent: %w", err)
			}
			n, _ := res.RowsAffected()
			created = n > 0
			if !created && (who.Name != "" || who.Protocol != "") {
				_, err = tx.ExecContext(ctx, `
					UPDATE agents SET
						name = CASE WHEN ? <> '' THEN ? ELSE name END,
						protocol = CASE WHEN ? <> '' THEN ? ELSE protocol END
					WHERE id = ?`,
					who.Name, who.Name, who.Protocol, who.Protocol, who.ID)
				if err != nil {
					return fmt.Errorf("update agent identity: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	st.known = true

	if created {
		a := types.Agent{ID: who.ID, Name: who.Name, Protocol: who.Protocol, TrustScore: g.cfg.score(0, 0), LastSeen: time.Unix(0, now).UTC()}
		if err := g.sink.Publish(bus.NewAgentConnected(who.Profile, a)); err != nil {
			log.Warn().Err(err).Str("agent", who.ID).Msg("publish agent.connected")
		}
		log.Info().Str("agent", who.ID).Str("protocol", who.Protocol).Msg("agent connected")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES & ADMINISTRATION
// ═══════════════════════════════════════════════════════════════════════════════

// Score returns the agent's current trust score. Unknown agents score the
// prior mean.
func (g *Gate) Score(ctx context.Context, agentID string) (float64, error) {
	a, err := g.Agent(ctx, agentID)
	var nf *errs.NotFoundError
	if errors.As(err, &nf) {
		return g.cfg.score(0, 0), nil
	}
	if err != nil {
		return 0, err
	}
	return a.TrustScore, nil
}

const agentColumns = `id, name, protocol, positive_evidence, negative_evidence, writes_count, recalls_count, last_seen`

// Agent returns one agent with its score.
func (g *Gate) Agent(ctx context.Context, agentID string) (*types.Agent, error) {
	row := g.store.Reader().QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	a, err := g.scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("agent", agentID)
	}
	return a, err
}

// Agents lists every known agent, lowest score first.
func (g *Gate) Agents(ctx context.Context) ([]types.Agent, error) {
	rows, err := g.store.Reader().QueryContext(ctx, `SELECT `+agentColumns+` FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := g.scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore < out[j].TrustScore
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Signals returns an agent's evidence log, oldest first.
func (g *Gate) Signals(ctx context.Context, agentID string) ([]types.TrustSignal, error) {
	rows, err := g.store.Reader().QueryContext(ctx,
		`SELECT agent_id, kind, weight, created_at FROM trust_signals WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query trust signals: %w", err)
	}
	defer rows.Close()

	var out []types.TrustSignal
	for rows.Next() {
		var (
			s    types.TrustSignal
			kind string
			at   int64
		)
		if err := rows.Scan(&s.AgentID, &kind, &s.Weight, &at); err != nil {
			return nil, fmt.Errorf("scan trust signal: %w", err)
		}
		s.Kind = types.SignalKind(kind)
		s.Timestamp = time.Unix(0, at).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// ResetAgent clears an agent's evidence and rate-limit state. This is the
// only way a score returns to the prior.
func (g *Gate) ResetAgent(ctx context.Context, agentID string) error {
	st := g.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	err := g.store.Queue().Submit(ctx, data.Op{
		Name:    "agent_reset",
		Payload: map[string]string{"agent": agentID},
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE agents SET positive_evidence = 0, negative_evidence = 0 WHERE id = ?`, agentID)
			if err != nil {
				return fmt.Errorf("reset agent: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NewNotFound("agent", agentID)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM trust_signals WHERE agent_id = ?`, agentID); err != nil {
				return fmt.Errorf("clear trust signals: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	st.writes = nil
	st.limiter = rate.NewLimiter(rate.Limit(g.cfg.WriteRate), g.cfg.WriteBurst)
	log.Info().Str("agent", agentID).Msg("agent trust reset")
	return nil
}

func (g *Gate) scanAgent(row interface{ Scan(...any) error }) (*types.Agent, error) {
	var (
		a        types.Agent
		lastSeen int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Protocol, &a.PositiveEvidence, &a.NegativeEvidence,
		&a.WritesCount, &a.RecallsCount, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.LastSeen = time.Unix(0, lastSeen).UTC()
	a.TrustScore = g.cfg.score(a.PositiveEvidence, a.NegativeEvidence)
	return &a, nil
}
