// Package messages defines the envelopes exchanged with sibling services
// over the external bus, plus constructors that stamp them consistently.
package messages

import (
	"time"

	"github.com/ccmesh/routing-engine/pkg/models"
)

// Outbound event types published by the engine.
const (
	TypeAgentStateChanged   = "AGENT_STATE_CHANGED"
	TypeAgentStateUnchanged = "AGENT_STATE_UNCHANGED"
	TypeTaskStateChanged    = "TASK_STATE_CHANGED"
)

// Inbound command types consumed by the engine. A bus command drives the
// same code path as a local API call.
const (
	TypeAgentStateCommand      = "AGENT_STATE"
	TypeAgentMediaStateCommand = "AGENT_MRD_STATE"
	TypeTaskStateCommand       = "TASK_STATE"
)

// PresenceEvent announces an agent availability or capacity change.
type PresenceEvent struct {
	Type      string               `json:"type"`
	Presence  models.AgentPresence `json:"presence"`
	Timestamp time.Time            `json:"timestamp"`
}

// AgentStateChanged builds the event published when an agent's presence
// actually changed.
func AgentStateChanged(p models.AgentPresence) *PresenceEvent {
	return &PresenceEvent{
		Type:      TypeAgentStateChanged,
		Presence:  p,
		Timestamp: time.Now(),
	}
}

// AgentStateUnchanged builds the event published when a requested change was
// a no-op, so callers can settle without waiting for a change that will
// never come.
func AgentStateUnchanged(p models.AgentPresence) *PresenceEvent {
	return &PresenceEvent{
		Type:      TypeAgentStateUnchanged,
		Presence:  p,
		Timestamp: time.Now(),
	}
}

// TaskEvent announces a task lifecycle change.
type TaskEvent struct {
	Type      string              `json:"type"`
	Task      models.TaskSnapshot `json:"task"`
	Timestamp time.Time           `json:"timestamp"`
}

// TaskStateChanged builds the event published on a task lifecycle change.
func TaskStateChanged(snapshot models.TaskSnapshot) *TaskEvent {
	return &TaskEvent{
		Type:      TypeTaskStateChanged,
		Task:      snapshot,
		Timestamp: time.Now(),
	}
}

// AgentStateCommand requests an agent availability change.
type AgentStateCommand struct {
	Type      string            `json:"type"`
	AgentID   string            `json:"agent_id"`
	State     models.AgentState `json:"state"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewAgentStateCommand builds an availability-change command.
func NewAgentStateCommand(agentID string, state models.AgentState) *AgentStateCommand {
	return &AgentStateCommand{
		Type:      TypeAgentStateCommand,
		AgentID:   agentID,
		State:     state,
		Timestamp: time.Now(),
	}
}

// MediaStateCommand requests a capacity change for one (agent, media domain)
// pair, e.g. from an externally managed voice system.
type MediaStateCommand struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id"`
	MrdID     string          `json:"mrd_id"`
	State     models.MrdState `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMediaStateCommand builds a capacity-change command.
func NewMediaStateCommand(agentID, mrdID string, state models.MrdState) *MediaStateCommand {
	return &MediaStateCommand{
		Type:      TypeAgentMediaStateCommand,
		AgentID:   agentID,
		MrdID:     mrdID,
		State:     state,
		Timestamp: time.Now(),
	}
}

// TaskStateCommand requests a task lifecycle change.
type TaskStateCommand struct {
	Type      string            `json:"type"`
	TaskID    string            `json:"task_id"`
	State     models.TaskState  `json:"state"`
	Reason    models.ReasonCode `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewTaskStateCommand builds a task lifecycle command.
func NewTaskStateCommand(taskID string, state models.TaskState, reason models.ReasonCode) *TaskStateCommand {
	return &TaskStateCommand{
		Type:      TypeTaskStateCommand,
		TaskID:    taskID,
		State:     state,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}
