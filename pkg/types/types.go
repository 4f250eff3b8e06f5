// Package types defines shared types used across all cortexmem modules.
package types

import (
	"strings"
	"time"
)

// DefaultProfile is the profile that always exists and receives memories
// migrated out of deleted profiles.
const DefaultProfile = "default"

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Tier is the storage tier of a memory. Tiers only move forward
// (active → warm → cold) except through an explicit restore.
type Tier string

const (
	TierActive Tier = "active" // Full content, searchable
	TierWarm   Tier = "warm"   // Lossy summary in place, original archived
	TierCold   Tier = "cold"   // Stub in place, full record compressed
)

// Rank returns the ordinal of a tier for forward-only comparisons.
func (t Tier) Rank() int {
	switch t {
	case TierActive:
		return 0
	case TierWarm:
		return 1
	case TierCold:
		return 2
	default:
		return -1
	}
}

// Provenance records who wrote a memory and through which client.
type Provenance struct {
	AgentID  string `json:"agent_id"`
	Protocol string `json:"protocol"`
}

// Memory is one stored unit of knowledge.
type Memory struct {
	ID           string     `json:"id"`
	Content      string     `json:"content"`
	ProfileID    string     `json:"profile_id"`
	Tags         []string   `json:"tags,omitempty"`
	Importance   int        `json:"importance"`
	Tier         Tier       `json:"tier"`
	ClusterID    string     `json:"cluster_id,omitempty"`
	Project      string     `json:"project,omitempty"`
	Category     string     `json:"category,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
	Provenance   Provenance `json:"provenance"`
}

// HasTag reports whether the memory carries the given tag (case-insensitive).
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// MemoryDraft is the caller-supplied input for a write.
type MemoryDraft struct {
	Content    string   `json:"content" validate:"required,notblank"`
	ProfileID  string   `json:"profile_id,omitempty"`
	Tags       []string `json:"tags,omitempty" validate:"dive,required,max=64"`
	Importance int      `json:"importance" validate:"omitempty,min=1,max=10"`
	Project    string   `json:"project,omitempty" validate:"max=128"`
	Category   string   `json:"category,omitempty" validate:"max=64"`
	AgentID    string   `json:"agent_id" validate:"required,notblank"`
	Protocol   string   `json:"protocol,omitempty"`
}

// QueryFilter selects memories for a snapshot read.
type QueryFilter struct {
	ProfileID string
	IDs       []string
	Text      string // Matches any token of the text (substring, case-insensitive)
	Tags      []string
	Tiers     []Tier
	ClusterID string
	Project   string
	AgentID   string
	Since     time.Time
	Limit     int
}

// TierTransition is the audit record of a tier demotion or restore.
type TierTransition struct {
	MemoryID       string    `json:"memory_id"`
	From           Tier      `json:"from"`
	To             Tier      `json:"to"`
	OriginalSize   int       `json:"original_size"`
	CompressedSize int       `json:"compressed_size"`
	At             time.Time `json:"at"`
}

// ArchiveReport summarizes one archive tier pass.
type ArchiveReport struct {
	ProfileID   string           `json:"profile_id"`
	Warmed      int              `json:"warmed"`
	Cooled      int              `json:"cooled"`
	Transitions []TierTransition `json:"transitions,omitempty"`
}

// Count returns the number of memories demoted by the pass.
func (r ArchiveReport) Count() int { return r.Warmed + r.Cooled }

// DeadLetter is a write that exhausted its retry budget.
type DeadLetter struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// ProfileInfo describes one profile store.
type ProfileInfo struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Active      bool   `json:"active"`
	MemoryCount int    `json:"memory_count"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// GRAPH TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// RelationshipType records why two memories are linked.
type RelationshipType string

const (
	RelEntityOverlap    RelationshipType = "entity_overlap"
	RelVectorSimilarity RelationshipType = "vector_similarity"
)

// GraphNode is the graph view of one memory within a build generation.
type GraphNode struct {
	MemoryID   string    `json:"memory_id"`
	ProfileID  string    `json:"profile_id"`
	Generation int64     `json:"generation"`
	Entities   []string  `json:"entities"`
	Vector     []float32 `json:"-"`
}

// GraphEdge is an undirected similarity edge. Source < Target always.
type GraphEdge struct {
	Source         string           `json:"source"`
	Target         string           `json:"target"`
	Weight         float64          `json:"weight"`
	Relationship   RelationshipType `json:"relationship_type"`
	SharedEntities []string         `json:"shared_entities,omitempty"`
	Generation     int64            `json:"generation"`
}

// Cluster is a community of related memories. Hierarchy is expressed via
// ParentID back-references; depth 0 clusters have no parent.
type Cluster struct {
	ID            string   `json:"id"`
	ProfileID     string   `json:"profile_id"`
	ParentID      string   `json:"parent_cluster_id,omitempty"`
	Depth         int      `json:"depth"`
	MemberIDs     []string `json:"member_ids"`
	Name          string   `json:"name"`
	TopEntities   []string `json:"top_entities"`
	AvgImportance float64  `json:"avg_importance"`
	Generation    int64    `json:"generation"`
}

// BuildReport summarizes a graph build.
type BuildReport struct {
	ProfileID    string        `json:"profile_id"`
	Generation   int64         `json:"generation"`
	NodeCount    int           `json:"node_count"`
	EdgeCount    int           `json:"edge_count"`
	ClusterCount int           `json:"cluster_count"`
	Resumed      bool          `json:"resumed"`
	Duration     time.Duration `json:"duration"`
}

// RelatedMemory is one neighbor returned by a graph traversal.
type RelatedMemory struct {
	MemoryID       string           `json:"memory_id"`
	Hops           int              `json:"hops"`
	Weight         float64          `json:"weight"`
	SharedEntities []string         `json:"shared_entities,omitempty"`
	Relationship   RelationshipType `json:"relationship_type"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRUST TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Operation is a mutating operation gated by trust.
type Operation string

const (
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// Agent is a writing or reading client process.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Protocol         string    `json:"protocol"`
	TrustScore       float64   `json:"trust_score"`
	PositiveEvidence float64   `json:"positive_evidence"`
	NegativeEvidence float64   `json:"negative_evidence"`
	WritesCount      int       `json:"writes_count"`
	RecallsCount     int       `json:"recalls_count"`
	LastSeen         time.Time `json:"last_seen"`
}

// SignalKind is the closed set of trust evidence kinds.
type SignalKind string

const (
	SignalWriteBurst         SignalKind = "write_burst"
	SignalQuickDelete        SignalKind = "quick_delete"
	SignalThumbsDownReceived SignalKind = "thumbs_down_received"
	SignalRecalledByOther    SignalKind = "recalled_by_other"
	SignalRetainedImportant  SignalKind = "retained_high_importance"
	SignalThumbsUpReceived   SignalKind = "thumbs_up_received"
	SignalAdminVouch         SignalKind = "admin_vouch"
)

// Positive reports whether the signal raises trust.
func (k SignalKind) Positive() bool {
	switch k {
	case SignalRecalledByOther, SignalRetainedImportant, SignalThumbsUpReceived, SignalAdminVouch:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalWriteBurst, SignalQuickDelete, SignalThumbsDownReceived,
		SignalRecalledByOther, SignalRetainedImportant, SignalThumbsUpReceived, SignalAdminVouch:
		return true
	default:
		return false
	}
}

// TrustSignal is one append-only piece of trust evidence.
type TrustSignal struct {
	AgentID   string     `json:"agent_id"`
	Kind      SignalKind `json:"kind"`
	Weight    float64    `json:"weight"`
	Timestamp time.Time  `json:"timestamp"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// RANKING TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// FeedbackKind is the closed set of feedback signal kinds.
type FeedbackKind string

const (
	FeedbackThumbsUp   FeedbackKind = "thumbs_up"
	FeedbackThumbsDown FeedbackKind = "thumbs_down"
	FeedbackPin        FeedbackKind = "pin"
	FeedbackDwellTime  FeedbackKind = "dwell_time"
	FeedbackClick      FeedbackKind = "click"
)

// Valid reports whether k is a known feedback kind.
func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackThumbsUp, FeedbackThumbsDown, FeedbackPin, FeedbackDwellTime, FeedbackClick:
		return true
	default:
		return false
	}
}

// Positive reports whether the feedback endorses the memory.
func (k FeedbackKind) Positive() bool {
	return k == FeedbackThumbsUp || k == FeedbackPin || k == FeedbackClick
}

// FeedbackSignal is one append-only piece of ranking evidence.
type FeedbackSignal struct {
	MemoryID         string       `json:"memory_id" validate:"required"`
	ActorID          string       `json:"actor_id" validate:"required"`
	Kind             FeedbackKind `json:"kind" validate:"required"`
	QueryFingerprint string       `json:"query_fingerprint"`
	Value            float64      `json:"value" validate:"gte=0"`
	Synthetic        bool         `json:"synthetic"`
	Timestamp        time.Time    `json:"timestamp"`
}

// Phase is the maturity of a profile's ranking pipeline.
type Phase string

const (
	PhaseBaseline  Phase = "baseline"
	PhaseRuleBased Phase = "rule_based"
	PhaseML        Phase = "ml"
)

// Ordinal returns the position of a phase in the forward-only progression.
func (p Phase) Ordinal() int {
	switch p {
	case PhaseRuleBased:
		return 1
	case PhaseML:
		return 2
	default:
		return 0
	}
}

// Below returns the phase one step down, used when degrading.
func (p Phase) Below() Phase {
	switch p {
	case PhaseML:
		return PhaseRuleBased
	default:
		return PhaseBaseline
	}
}

// Pattern types learned from activity.
const (
	PatternTechPreference = "tech_preference"
	PatternWorkflow       = "workflow"
)

// MaxPatternConfidence caps learned confidence below certainty.
const MaxPatternConfidence = 0.95

// Pattern is a learned preference used as a ranking feature.
type Pattern struct {
	ProfileID     string    `json:"profile_id"`
	PatternType   string    `json:"pattern_type"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Project       string    `json:"project,omitempty"` // Empty for patterns not tied to a project
	Confidence    float64   `json:"confidence"`
	EvidenceCount int       `json:"evidence_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// ScoredMemory is one ranked result.
type ScoredMemory struct {
	Memory   Memory    `json:"memory"`
	Score    float64   `json:"score"`
	Features []float64 `json:"features,omitempty"`
}
