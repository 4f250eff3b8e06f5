// Package bus provides in-process distribution of the memory engine's domain
// events. The event set is closed: every payload type lives in this file and
// implements the unexported event marker, so a type switch over Event is
// exhaustive.
package bus

import (
	"time"

	"github.com/normanking/cortexmem/pkg/types"
)

// EventType names a domain event.
type EventType string

// Domain event types.
const (
	EventMemoryCreated  EventType = "memory.created"
	EventMemoryUpdated  EventType = "memory.updated"
	EventMemoryDeleted  EventType = "memory.deleted"
	EventGraphUpdated   EventType = "graph.updated"
	EventPatternLearned EventType = "pattern.learned"
	EventAgentConnected EventType = "agent.connected"
)

// AllEventTypes lists every event type in emission-independent order.
var AllEventTypes = []EventType{
	EventMemoryCreated,
	EventMemoryUpdated,
	EventMemoryDeleted,
	EventGraphUpdated,
	EventPatternLearned,
	EventAgentConnected,
}

// Event is a structured domain notification.
type Event interface {
	Type() EventType
	Timestamp() time.Time
	Profile() string
	event()
}

// Sink receives domain events. The fan-out transport (SSE, WebSocket,
// webhooks) lives behind this interface.
type Sink interface {
	Publish(Event) error
}

// header is embedded by every event payload.
type header struct {
	At        time.Time `json:"timestamp"`
	ProfileID string    `json:"profile_id"`
}

func newHeader(profile string) header {
	return header{At: time.Now().UTC(), ProfileID: profile}
}

func (h header) Timestamp() time.Time { return h.At }
func (h header) Profile() string      { return h.ProfileID }
func (header) event()                 {}

// MemoryCreated is emitted after a write is applied.
type MemoryCreated struct {
	header
	Memory types.Memory `json:"memory"`
}

func (MemoryCreated) Type() EventType { return EventMemoryCreated }

// MemoryUpdated is emitted after metadata, tier or content of a memory changed.
type MemoryUpdated struct {
	header
	Memory types.Memory `json:"memory"`
	Reason string       `json:"reason"`
}

func (MemoryUpdated) Type() EventType { return EventMemoryUpdated }

// MemoryDeleted is emitted after a delete is applied.
type MemoryDeleted struct {
	header
	MemoryID string `json:"memory_id"`
	AgentID  string `json:"agent_id"`
}

func (MemoryDeleted) Type() EventType { return EventMemoryDeleted }

// GraphUpdated is emitted after a new graph generation is published.
type GraphUpdated struct {
	header
	Report types.BuildReport `json:"report"`
}

func (GraphUpdated) Type() EventType { return EventGraphUpdated }

// PatternLearned is emitted when a pattern first reaches the learned
// confidence and evidence floors.
type PatternLearned struct {
	header
	Pattern types.Pattern `json:"pattern"`
}

func (PatternLearned) Type() EventType { return EventPatternLearned }

// AgentConnected is emitted the first time an agent is observed.
type AgentConnected struct {
	header
	Agent types.Agent `json:"agent"`
}

func (AgentConnected) Type() EventType { return EventAgentConnected }

// NewMemoryCreated builds a memory.created event.
func NewMemoryCreated(m types.Memory) MemoryCreated {
	return MemoryCreated{header: newHeader(m.ProfileID), Memory: m}
}

// NewMemoryUpdated builds a memory.updated event.
func NewMemoryUpdated(m types.Memory, reason string) MemoryUpdated {
	return MemoryUpdated{header: newHeader(m.ProfileID), Memory: m, Reason: reason}
}

// NewMemoryDeleted builds a memory.deleted event.
func NewMemoryDeleted(profile, memoryID, agentID string) MemoryDeleted {
	return MemoryDeleted{header: newHeader(profile), MemoryID: memoryID, AgentID: agentID}
}

// NewGraphUpdated builds a graph.updated event.
func NewGraphUpdated(r types.BuildReport) GraphUpdated {
	return GraphUpdated{header: newHeader(r.ProfileID), Report: r}
}

// NewPatternLearned builds a pattern.learned event.
func NewPatternLearned(p types.Pattern) PatternLearned {
	return PatternLearned{header: newHeader(p.ProfileID), Pattern: p}
}

// NewAgentConnected builds an agent.connected event. Agents are global, so the
// profile is the one active when the agent was first seen.
func NewAgentConnected(profile string, a types.Agent) AgentConnected {
	return AgentConnected{header: newHeader(profile), Agent: a}
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) error { return nil }
