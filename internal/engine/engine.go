// Package engine is the single entry point to a cortexmem data directory. It
// owns the profile stores, the trust gate, the graph engine and the ranker,
// and routes every operation through them in the order the system's
// guarantees depend on: validation, then trust, then the profile's write
// queue, then domain events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/cortexmem/internal/bus"
	"github.com/normanking/cortexmem/internal/config"
	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/errs"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/internal/ranking"
	"github.com/normanking/cortexmem/internal/scheduler"
	"github.com/normanking/cortexmem/internal/trust"
	"github.com/normanking/cortexmem/pkg/types"
)

// retainImportance is the importance at which a memory that ages into the
// warm tier, instead of being deleted, earns its author a retention signal.
const retainImportance = 8

// Options are the optional collaborators of an engine.
type Options struct {
	// Sink receives domain events. When nil the engine owns an in-process bus.
	Sink bus.Sink
	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics
}

// Engine is an open data directory.
type Engine struct {
	cfg      *config.Config
	profiles *data.Profiles
	trust    *trust.Gate
	graph    graph.Engine
	ranker   ranking.Ranker
	sink     bus.Sink
	metrics  *metrics.Metrics
	archive  data.ArchivePolicy

	bus       *bus.Bus // Set when the engine owns its sink
	collector *metrics.Collector
	warnings  []*errs.RecoveredEmptyStoreWarning
	closers   []func()
}

// Open opens the data directory named by cfg.
func Open(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		archive: cfg.Archive.ToPolicy(),
	}
	if e.sink == nil {
		e.bus = bus.New()
		e.sink = e.bus
		if e.metrics != nil {
			e.collector = metrics.NewCollector(e.bus, e.metrics)
			e.collector.Start()
		}
	}

	profiles, warnings, err := data.OpenProfiles(cfg.Storage.DataDir, cfg.Storage.Options(e.metrics))
	if err != nil {
		e.closeBus()
		return nil, err
	}
	e.profiles = profiles
	e.warnings = warnings

	e.trust = trust.New(profiles.System(), cfg.Trust.ToTrust(), e.sink, e.metrics)

	if cfg.Graph.Enabled {
		g, err := graph.New(cfg.Graph.ToGraph(), e.sink, e.metrics)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("create graph engine: %w", err)
		}
		e.graph = g
		e.closers = append(e.closers, g.Close)
	} else {
		e.graph = graph.Noop{}
	}

	if cfg.Ranking.Enabled {
		r, err := ranking.New(cfg.Ranking.ToRanking(), ranking.Deps{
			Trust:   e.trust,
			Graph:   e.graph,
			Sink:    e.sink,
			Metrics: e.metrics,
		})
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("create ranker: %w", err)
		}
		e.ranker = r
		e.closers = append(e.closers, r.Close)
	} else {
		e.ranker = ranking.NewBaseline(cfg.Ranking.ToRanking())
	}

	for _, w := range warnings {
		log.Warn().Str("path", w.Path).Err(w.Cause).Msg("Store recovered empty")
	}
	log.Info().
		Str("data_dir", cfg.Storage.DataDir).
		Str("active", profiles.Active()).
		Bool("graph", cfg.Graph.Enabled).
		Bool("ranking", cfg.Ranking.Enabled).
		Msg("Engine opened")
	return e, nil
}

// Close flushes and closes every store.
func (e *Engine) Close() error {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil

	var err error
	if e.profiles != nil {
		err = e.profiles.Close()
	}
	e.closeBus()
	return err
}

func (e *Engine) closeBus() {
	if e.collector != nil {
		e.collector.Stop()
	}
	if e.bus != nil {
		_ = e.bus.Close()
	}
}

// Warnings returns the stores that were recovered empty when the engine
// opened. Profiles opened later log their own warning.
func (e *Engine) Warnings() []*errs.RecoveredEmptyStoreWarning { return e.warnings }

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() *config.Config { return e.cfg }

// store resolves a profile name; empty means the active profile.
func (e *Engine) store(profile string) (*data.Store, error) {
	if profile == "" {
		profile = e.profiles.Active()
	}
	s, warn, err := e.profiles.Store(profile)
	if err != nil {
		return nil, err
	}
	if warn != nil {
		log.Warn().Str("profile", profile).Str("path", warn.Path).Msg("Profile store recovered empty")
	}
	return s, nil
}

func (e *Engine) publish(ev bus.Event) {
	if err := e.sink.Publish(ev); err != nil {
		log.Debug().Err(err).Str("event", string(ev.Type())).Msg("Event not delivered")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORIES
// ═══════════════════════════════════════════════════════════════════════════════

// Write validates draft, checks the writing agent's trust and stores the
// memory in draft.ProfileID (or the active profile). An empty category is
// inferred from the content.
func (e *Engine) Write(ctx context.Context, draft types.MemoryDraft) (*types.Memory, error) {
	draft.Content = strings.TrimSpace(draft.Content)
	if err := data.Validator().Struct(draft); err != nil {
		return nil, errs.FromValidator(err)
	}
	s, err := e.store(draft.ProfileID)
	if err != nil {
		return nil, err
	}
	if draft.Category == "" {
		draft.Category = ranking.InferCategory(draft.Content)
	}

	who := trust.Identity{ID: draft.AgentID, Name: draft.AgentID, Protocol: draft.Protocol, Profile: s.Name()}
	var created *types.Memory
	err = e.trust.Guard(ctx, who, types.OpWrite, func(ctx context.Context) (*types.Memory, error) {
		m, err := s.Insert(ctx, draft)
		created = m
		return m, err
	})
	if err != nil {
		return nil, err
	}

	e.publish(bus.NewMemoryCreated(*created))
	log.Debug().Str("profile", s.Name()).Str("id", created.ID).Str("agent", draft.AgentID).Msg("Memory written")
	return created, nil
}

// Read returns memories matching filter from a consistent snapshot. It does
// not rank and does not count as a recall.
func (e *Engine) Read(ctx context.Context, filter types.QueryFilter) ([]types.Memory, error) {
	s, err := e.store(filter.ProfileID)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, filter)
}

// Get returns one memory.
func (e *Engine) Get(ctx context.Context, profile, id string) (*types.Memory, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Update patches a memory's metadata.
func (e *Engine) Update(ctx context.Context, profile, id string, patch data.Patch) (*types.Memory, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	m, err := s.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.publish(bus.NewMemoryUpdated(*m, "patched"))
	return m, nil
}

// Delete removes a memory on behalf of agentID. Deleting your own memory
// shortly after writing it counts against your trust.
func (e *Engine) Delete(ctx context.Context, profile, id, agentID string) error {
	s, err := e.store(profile)
	if err != nil {
		return err
	}
	if agentID == "" {
		return errs.NewValidation("agent_id", "required")
	}

	who := trust.Identity{ID: agentID, Name: agentID, Profile: s.Name()}
	err = e.trust.Guard(ctx, who, types.OpDelete, func(ctx context.Context) (*types.Memory, error) {
		return s.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	e.publish(bus.NewMemoryDeleted(s.Name(), id, agentID))
	return nil
}

// ArchiveTierPass demotes aged memories in profile. High-importance
// memories reaching the warm tier credit their authors.
func (e *Engine) ArchiveTierPass(ctx context.Context, profile string) (types.ArchiveReport, error) {
	s, err := e.store(profile)
	if err != nil {
		return types.ArchiveReport{}, err
	}
	report, err := s.ArchiveTierPass(ctx, e.archive)
	if err != nil {
		return report, err
	}

	for _, t := range report.Transitions {
		m, err := s.Get(ctx, t.MemoryID)
		if err != nil {
			log.Warn().Err(err).Str("id", t.MemoryID).Msg("Archived memory vanished")
			continue
		}
		e.publish(bus.NewMemoryUpdated(*m, "tier:"+string(t.To)))
		if t.To == types.TierWarm && m.Importance >= retainImportance {
			if err := e.trust.ObserveRetention(ctx, *m); err != nil {
				log.Warn().Err(err).Str("id", m.ID).Msg("Failed to record retention")
			}
		}
	}
	return report, nil
}

// Restore brings an archived memory back to the active tier.
func (e *Engine) Restore(ctx context.Context, profile, id string) (*types.Memory, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	m, err := s.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	e.publish(bus.NewMemoryUpdated(*m, "restored"))
	return m, nil
}

// Transitions returns a memory's tier history.
func (e *Engine) Transitions(ctx context.Context, profile, id string) ([]types.TierTransition, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return s.Transitions(ctx, id)
}

// DeadLetters lists writes that exhausted their retries.
func (e *Engine) DeadLetters(ctx context.Context, profile string, limit int) ([]types.DeadLetter, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return s.DeadLetters(ctx, limit)
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROFILES
// ═══════════════════════════════════════════════════════════════════════════════

// CreateProfile registers a new, empty profile.
func (e *Engine) CreateProfile(name string) error { return e.profiles.Create(name) }

// SwitchProfile makes name the active profile.
func (e *Engine) SwitchProfile(name string) error { return e.profiles.Switch(name) }

// DeleteProfile removes a profile after migrating its memories into the
// default profile, and returns how many were migrated.
func (e *Engine) DeleteProfile(ctx context.Context, name string) (int, error) {
	return e.profiles.Delete(ctx, name)
}

// ListProfiles describes every profile.
func (e *Engine) ListProfiles(ctx context.Context) ([]types.ProfileInfo, error) {
	return e.profiles.List(ctx)
}

// ActiveProfile returns the active profile name.
func (e *Engine) ActiveProfile() string { return e.profiles.Active() }

// ═══════════════════════════════════════════════════════════════════════════════
// TRUST
// ═══════════════════════════════════════════════════════════════════════════════

// Authorize reports whether agentID may perform op right now. A passing
// write check consumes a rate-limit token.
func (e *Engine) Authorize(ctx context.Context, agentID string, op types.Operation) error {
	return e.trust.Authorize(ctx, agentID, op)
}

// Score returns the agent's trust score.
func (e *Engine) Score(ctx context.Context, agentID string) (float64, error) {
	return e.trust.Score(ctx, agentID)
}

// RecordSignal appends trust evidence.
func (e *Engine) RecordSignal(ctx context.Context, sig types.TrustSignal) error {
	return e.trust.RecordSignal(ctx, sig)
}

// Agents lists known agents.
func (e *Engine) Agents(ctx context.Context) ([]types.Agent, error) { return e.trust.Agents(ctx) }

// Signals lists an agent's evidence, newest first.
func (e *Engine) Signals(ctx context.Context, agentID string) ([]types.TrustSignal, error) {
	return e.trust.Signals(ctx, agentID)
}

// ResetAgent discards an agent's evidence.
func (e *Engine) ResetAgent(ctx context.Context, agentID string) error {
	return e.trust.ResetAgent(ctx, agentID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// GRAPH
// ═══════════════════════════════════════════════════════════════════════════════

// Build rebuilds the profile's knowledge graph.
func (e *Engine) Build(ctx context.Context, profile string) (types.BuildReport, error) {
	s, err := e.store(profile)
	if err != nil {
		return types.BuildReport{}, err
	}
	return e.graph.Build(ctx, s)
}

// Stats describes the profile's current graph generation.
func (e *Engine) Stats(ctx context.Context, profile string) (graph.Stats, error) {
	s, err := e.store(profile)
	if err != nil {
		return graph.Stats{}, err
	}
	return e.graph.Stats(ctx, s)
}

// Related returns memories within depth hops of memoryID.
func (e *Engine) Related(ctx context.Context, profile, memoryID string, depth int) ([]types.RelatedMemory, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return e.graph.Related(ctx, s, memoryID, depth)
}

// ClusterMembers returns a cluster with its members.
func (e *Engine) ClusterMembers(ctx context.Context, profile, clusterID string) (*types.Cluster, error) {
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return e.graph.ClusterMembers(ctx, s, clusterID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// RANKING
// ═══════════════════════════════════════════════════════════════════════════════

// ErrLearningDisabled is returned by learning operations when the adaptive
// ranker is switched off.
var ErrLearningDisabled = errors.New("adaptive ranking disabled")

// Rank orders caller-supplied candidates.
func (e *Engine) Rank(ctx context.Context, profile string, req ranking.Request) (ranking.Result, error) {
	s, err := e.store(profile)
	if err != nil {
		return ranking.Result{}, err
	}
	return e.ranker.Rank(ctx, s, req), nil
}

// RecordFeedback logs a feedback signal and returns the profile's phase.
// Organic ratings are passed on to the memory's author as trust evidence.
func (e *Engine) RecordFeedback(ctx context.Context, profile string, sig types.FeedbackSignal) (types.Phase, error) {
	s, err := e.store(profile)
	if err != nil {
		return types.PhaseBaseline, err
	}
	phase, err := e.ranker.RecordFeedback(ctx, s, sig)
	if err != nil {
		return phase, err
	}

	if !sig.Synthetic {
		m, err := s.Get(ctx, sig.MemoryID)
		if err == nil {
			err = e.trust.ObserveFeedback(ctx, *m, sig.Kind)
		}
		if err != nil {
			log.Warn().Err(err).Str("memory", sig.MemoryID).Msg("Failed to pass feedback to trust")
		}
	}
	return phase, nil
}

// Phase returns the profile's ranking phase.
func (e *Engine) Phase(ctx context.Context, profile string) (types.Phase, error) {
	s, err := e.store(profile)
	if err != nil {
		return types.PhaseBaseline, err
	}
	return e.ranker.Phase(ctx, s)
}

func (e *Engine) learner() (*ranking.Engine, error) {
	r, ok := e.ranker.(*ranking.Engine)
	if !ok {
		return nil, ErrLearningDisabled
	}
	return r, nil
}

// Bootstrap seeds up to n synthetic signals from the profile's most
// important memories and returns how many were added.
func (e *Engine) Bootstrap(ctx context.Context, profile string, n int) (int, error) {
	r, err := e.learner()
	if err != nil {
		return 0, err
	}
	s, err := e.store(profile)
	if err != nil {
		return 0, err
	}
	return r.Bootstrap(ctx, s, n)
}

// Retrain fits a new ranking model for the profile.
func (e *Engine) Retrain(ctx context.Context, profile string) (ranking.TrainReport, error) {
	r, err := e.learner()
	if err != nil {
		return ranking.TrainReport{}, err
	}
	s, err := e.store(profile)
	if err != nil {
		return ranking.TrainReport{}, err
	}
	return r.Retrain(ctx, s)
}

// Feedback returns the profile's feedback log, newest first.
func (e *Engine) Feedback(ctx context.Context, profile string, limit int) ([]types.FeedbackSignal, error) {
	r, err := e.learner()
	if err != nil {
		return nil, err
	}
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return r.Feedback(ctx, s, limit)
}

// Patterns lists learned patterns of one type, or all types when empty.
func (e *Engine) Patterns(ctx context.Context, profile, patternType string) ([]types.Pattern, error) {
	r, err := e.learner()
	if err != nil {
		return nil, err
	}
	s, err := e.store(profile)
	if err != nil {
		return nil, err
	}
	return r.Patterns().Patterns(ctx, s, patternType)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULING
// ═══════════════════════════════════════════════════════════════════════════════

// Scheduler returns a scheduler running the configured maintenance jobs
// across every profile. The caller starts and stops it.
func (e *Engine) Scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(func(context.Context) ([]string, error) {
		return e.profiles.Names(), nil
	}, e.cfg.Scheduler.Concurrency)

	jobs := []struct {
		name string
		spec string
		run  scheduler.JobFunc
	}{
		{"archive", e.cfg.Scheduler.Archive, func(ctx context.Context, p string) error {
			_, err := e.ArchiveTierPass(ctx, p)
			return err
		}},
		{"graph", e.cfg.Scheduler.Graph, func(ctx context.Context, p string) error {
			_, err := e.Build(ctx, p)
			return err
		}},
		{"retrain", e.cfg.Scheduler.Retrain, func(ctx context.Context, p string) error {
			_, err := e.Retrain(ctx, p)
			if errors.Is(err, ErrLearningDisabled) {
				return nil
			}
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.run); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

var _ io.Closer = (*Engine)(nil)
