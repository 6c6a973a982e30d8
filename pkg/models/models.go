package models

import "time"

// AgentState represents an agent's overall availability status.
type AgentState string

const (
	AgentLogout   AgentState = "LOGOUT"
	AgentLogin    AgentState = "LOGIN"
	AgentNotReady AgentState = "NOT_READY"
	AgentReady    AgentState = "READY"
)

// MrdState represents an agent's capacity status on one media routing domain.
type MrdState string

const (
	MrdLogout          MrdState = "LOGOUT"
	MrdLogin           MrdState = "LOGIN"
	MrdNotReady        MrdState = "NOT_READY"
	MrdPendingNotReady MrdState = "PENDING_NOT_READY"
	MrdReady           MrdState = "READY"
	MrdActive          MrdState = "ACTIVE"
	MrdBusy            MrdState = "BUSY"
	MrdInterrupted     MrdState = "INTERRUPTED"
	MrdUnknown         MrdState = "UNKNOWN"
)

// TaskState represents a task's lifecycle status.
type TaskState string

const (
	TaskQueued   TaskState = "QUEUED"
	TaskReserved TaskState = "RESERVED"
	TaskActive   TaskState = "ACTIVE"
	TaskWrapUp   TaskState = "WRAP_UP"
	TaskPaused   TaskState = "PAUSED"
	TaskClosed   TaskState = "CLOSED"
)

// ReasonCode qualifies a task state change.
type ReasonCode string

const (
	ReasonNone      ReasonCode = "NONE"
	ReasonDone      ReasonCode = "DONE"
	ReasonRona      ReasonCode = "RONA"
	ReasonCancelled ReasonCode = "CANCELLED"
	ReasonNoAgent   ReasonCode = "NO_AGENT_AVAILABLE"
	ReasonRerouted  ReasonCode = "REROUTED"
)

// RoutingMode controls how a task counts against agent capacity.
// Push tasks are offered by the router and occupy per-MRD capacity slots;
// pull and external tasks are tracked on the agent's generic task list only.
type RoutingMode string

const (
	RoutingModePush     RoutingMode = "PUSH"
	RoutingModePull     RoutingMode = "PULL"
	RoutingModeExternal RoutingMode = "EXTERNAL"
)

// MediaDomain describes a media routing domain (MRD): one channel type with
// its own capacity rules, e.g. voice or chat.
type MediaDomain struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Interruptible bool   `json:"interruptible"`
	// Managed is false for domains whose agent state is driven by an external
	// system (e.g. a voice PBX). Unmanaged domains bypass not-ready gating.
	Managed     bool `json:"managed"`
	MaxRequests int  `json:"max_requests"` // default per-agent concurrent task capacity
}

// AttributeType distinguishes boolean from proficiency-level routing attributes.
type AttributeType string

const (
	AttributeBoolean     AttributeType = "BOOLEAN"
	AttributeProficiency AttributeType = "PROFICIENCY_LEVEL"
)

// RoutingAttribute is a named trait agents can be associated with and queue
// steps can match on. Boolean attributes use values 0 and 1; proficiency
// attributes use a numeric level.
type RoutingAttribute struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         AttributeType `json:"type"`
	DefaultValue int           `json:"default_value"`
}

// Priority bounds for queued tasks. PriorityMax is reserved for direct
// transfers, conferences, and rerouted tasks.
const (
	PriorityMin = 1
	PriorityMax = 11
)

// ClampPriority forces a priority into the [PriorityMin, PriorityMax] range.
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}

// AgentPresence is the serialized snapshot published on agent state changes.
type AgentPresence struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	State       AgentState      `json:"state"`
	StateChange time.Time       `json:"state_change_time"`
	MrdStates   []MrdStateEntry `json:"mrd_states"`
}

// MrdStateEntry is one (media domain, capacity state) pair in a presence snapshot.
type MrdStateEntry struct {
	MrdID    string   `json:"mrd_id"`
	State    MrdState `json:"state"`
	MaxTasks int      `json:"max_tasks"`
}
