package models

import (
	"sync"
	"time"
)

// AgentMrd is an agent's standing on one media routing domain: its capacity
// state, capacity limit, and the push tasks currently occupying slots.
type AgentMrd struct {
	MrdID       string    `json:"mrd_id"`
	State       MrdState  `json:"state"`
	StateChange time.Time `json:"state_change_time"`
	MaxTasks    int       `json:"max_tasks"`
	ActiveTasks []string  `json:"active_tasks"`
}

// Agent is a routable human agent. All mutation goes through methods so that
// updates to a single agent are linearizable; unrelated agents share no lock.
type Agent struct {
	mu sync.RWMutex

	id             string
	name           string
	state          AgentState
	stateChange    time.Time
	mrds           []*AgentMrd
	attributes     map[string]int
	reservedTaskID string
	reservedMrdID  string
	allTasks       []string // non-push tasks (pull, externally managed)
}

// NewAgent creates a logged-out agent with no domain memberships.
func NewAgent(id, name string) *Agent {
	return &Agent{
		id:          id,
		name:        name,
		state:       AgentLogout,
		stateChange: time.Now(),
		attributes:  make(map[string]int),
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Name() string { return a.name }

// State returns the agent-wide availability state.
func (a *Agent) State() AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetState replaces the availability state and stamps the change time.
func (a *Agent) SetState(s AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
	a.stateChange = time.Now()
}

// StateChange returns when the availability state last changed.
func (a *Agent) StateChange() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stateChange
}

// AddMrd registers a media domain membership. Existing memberships for the
// same domain are replaced.
func (a *Agent) AddMrd(mrdID string, maxTasks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mrds {
		if m.MrdID == mrdID {
			m.MaxTasks = maxTasks
			return
		}
	}
	a.mrds = append(a.mrds, &AgentMrd{
		MrdID:       mrdID,
		State:       MrdLogout,
		StateChange: time.Now(),
		MaxTasks:    maxTasks,
	})
}

// Mrd returns a copy of the agent's record for one media domain.
func (a *Agent) Mrd(mrdID string) (AgentMrd, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, m := range a.mrds {
		if m.MrdID == mrdID {
			return copyMrd(m), true
		}
	}
	return AgentMrd{}, false
}

// Mrds returns copies of all media domain records in registration order.
func (a *Agent) Mrds() []AgentMrd {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AgentMrd, 0, len(a.mrds))
	for _, m := range a.mrds {
		out = append(out, copyMrd(m))
	}
	return out
}

func copyMrd(m *AgentMrd) AgentMrd {
	c := *m
	c.ActiveTasks = append([]string(nil), m.ActiveTasks...)
	return c
}

// SetMrdState updates the capacity state for one media domain. Returns false
// if the agent has no membership on that domain.
func (a *Agent) SetMrdState(mrdID string, s MrdState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mrds {
		if m.MrdID == mrdID {
			m.State = s
			m.StateChange = time.Now()
			return true
		}
	}
	return false
}

// Attribute returns the agent's associated value for a routing attribute.
func (a *Agent) Attribute(attributeID string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.attributes[attributeID]
	return v, ok
}

// SetAttribute associates a routing attribute value with the agent.
func (a *Agent) SetAttribute(attributeID string, value int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attributes[attributeID] = value
}

// SetAttributes replaces the agent's full attribute association set.
func (a *Agent) SetAttributes(attrs map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attributes = make(map[string]int, len(attrs))
	for k, v := range attrs {
		a.attributes[k] = v
	}
}

// Attributes returns a copy of the agent's attribute associations.
func (a *Agent) Attributes() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]int, len(a.attributes))
	for k, v := range a.attributes {
		out[k] = v
	}
	return out
}

// Reserve records an outstanding reservation. An agent holds at most one
// reserved task at a time; a second reservation attempt fails.
func (a *Agent) Reserve(taskID, mrdID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reservedTaskID != "" {
		return false
	}
	a.reservedTaskID = taskID
	a.reservedMrdID = mrdID
	return true
}

// ReservedTask returns the reserved task id and its media domain, or empty
// strings when no reservation is outstanding.
func (a *Agent) ReservedTask() (taskID, mrdID string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reservedTaskID, a.reservedMrdID
}

// ClearReservation drops the reservation if it matches taskID.
func (a *Agent) ClearReservation(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reservedTaskID == taskID {
		a.reservedTaskID = ""
		a.reservedMrdID = ""
	}
}

// AddActiveTask moves a push task into the agent's active list for a domain.
// A matching reservation is consumed.
func (a *Agent) AddActiveTask(mrdID, taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mrds {
		if m.MrdID == mrdID {
			m.ActiveTasks = append(m.ActiveTasks, taskID)
			if a.reservedTaskID == taskID {
				a.reservedTaskID = ""
				a.reservedMrdID = ""
			}
			return true
		}
	}
	return false
}

// RemoveActiveTask detaches a push task from the agent.
func (a *Agent) RemoveActiveTask(mrdID, taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mrds {
		if m.MrdID != mrdID {
			continue
		}
		for i, id := range m.ActiveTasks {
			if id == taskID {
				m.ActiveTasks = append(m.ActiveTasks[:i], m.ActiveTasks[i+1:]...)
				return
			}
		}
	}
}

// ActivePushCount returns the number of push tasks in flight on a domain.
func (a *Agent) ActivePushCount(mrdID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, m := range a.mrds {
		if m.MrdID == mrdID {
			return len(m.ActiveTasks)
		}
	}
	return 0
}

// AddTask appends to the agent's generic (non-push) task list.
func (a *Agent) AddTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allTasks = append(a.allTasks, taskID)
}

// RemoveTask drops a task from the generic task list.
func (a *Agent) RemoveTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, id := range a.allTasks {
		if id == taskID {
			a.allTasks = append(a.allTasks[:i], a.allTasks[i+1:]...)
			return
		}
	}
}

// HeldTasks returns every task id the agent currently holds: the reservation,
// all per-domain push tasks, and the generic list.
func (a *Agent) HeldTasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	if a.reservedTaskID != "" {
		out = append(out, a.reservedTaskID)
	}
	for _, m := range a.mrds {
		out = append(out, m.ActiveTasks...)
	}
	out = append(out, a.allTasks...)
	return out
}

// AgentMrdConfig is the provisioned capacity of an agent on one domain.
type AgentMrdConfig struct {
	MrdID    string `json:"mrd_id"`
	MaxTasks int    `json:"max_tasks"`
}

// AgentConfig is the persisted provisioning record an Agent is built from.
type AgentConfig struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Mrds       []AgentMrdConfig `json:"mrds"`
	Attributes map[string]int   `json:"attributes"`
}

// NewAgentFromConfig builds a logged-out runtime agent from provisioning.
func NewAgentFromConfig(cfg AgentConfig) *Agent {
	a := NewAgent(cfg.ID, cfg.Name)
	for _, m := range cfg.Mrds {
		a.AddMrd(m.MrdID, m.MaxTasks)
	}
	a.SetAttributes(cfg.Attributes)
	return a
}

// Config captures the agent's provisioning record.
func (a *Agent) Config() AgentConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg := AgentConfig{
		ID:         a.id,
		Name:       a.name,
		Attributes: make(map[string]int, len(a.attributes)),
	}
	for _, m := range a.mrds {
		cfg.Mrds = append(cfg.Mrds, AgentMrdConfig{MrdID: m.MrdID, MaxTasks: m.MaxTasks})
	}
	for k, v := range a.attributes {
		cfg.Attributes[k] = v
	}
	return cfg
}

// Presence builds the serialized snapshot published on state changes.
func (a *Agent) Presence() AgentPresence {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p := AgentPresence{
		AgentID:     a.id,
		Name:        a.name,
		State:       a.state,
		StateChange: a.stateChange,
	}
	for _, m := range a.mrds {
		p.MrdStates = append(p.MrdStates, MrdStateEntry{
			MrdID:    m.MrdID,
			State:    m.State,
			MaxTasks: m.MaxTasks,
		})
	}
	return p
}
