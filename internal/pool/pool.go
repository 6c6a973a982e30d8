// Package pool holds the process-wide registries of routing entities. Each
// registry is a concurrent-safe map owned by one Pools context created at
// boot and passed by reference to every component needing lookup.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ccmesh/routing-engine/internal/precisionqueue"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// ErrNotFound is returned when a referenced entity is absent from its
// registry. API callers surface it; async listeners log and abandon the one
// operation.
var ErrNotFound = errors.New("not found")

// Agents is the registry of provisioned agents.
type Agents struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewAgents creates an empty agent registry.
func NewAgents() *Agents {
	return &Agents{agents: make(map[string]*models.Agent)}
}

// Add registers an agent, replacing any previous entry with the same id.
func (p *Agents) Add(a *models.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID()] = a
}

// Get retrieves an agent by id.
func (p *Agents) Get(id string) (*models.Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// Delete removes an agent from the registry.
func (p *Agents) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
}

// List returns all registered agents.
func (p *Agents) List() []*models.Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	return out
}

// Size returns the number of registered agents.
func (p *Agents) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// MediaDomains is the registry of media routing domains.
type MediaDomains struct {
	mu   sync.RWMutex
	mrds map[string]*models.MediaDomain
}

// NewMediaDomains creates an empty media domain registry.
func NewMediaDomains() *MediaDomains {
	return &MediaDomains{mrds: make(map[string]*models.MediaDomain)}
}

// Add registers a media domain.
func (p *MediaDomains) Add(m *models.MediaDomain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mrds[m.ID] = m
}

// Get retrieves a media domain by id.
func (p *MediaDomains) Get(id string) (*models.MediaDomain, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.mrds[id]
	if !ok {
		return nil, fmt.Errorf("media domain %s: %w", id, ErrNotFound)
	}
	return m, nil
}

// Delete removes a media domain.
func (p *MediaDomains) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mrds, id)
}

// List returns all media domains.
func (p *MediaDomains) List() []*models.MediaDomain {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.MediaDomain, 0, len(p.mrds))
	for _, m := range p.mrds {
		out = append(out, m)
	}
	return out
}

// Attributes is the registry of routing attributes.
type Attributes struct {
	mu    sync.RWMutex
	attrs map[string]*models.RoutingAttribute
}

// NewAttributes creates an empty attribute registry.
func NewAttributes() *Attributes {
	return &Attributes{attrs: make(map[string]*models.RoutingAttribute)}
}

// Add registers a routing attribute.
func (p *Attributes) Add(a *models.RoutingAttribute) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attrs[a.ID] = a
}

// Get retrieves a routing attribute by id.
func (p *Attributes) Get(id string) (*models.RoutingAttribute, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.attrs[id]
	if !ok {
		return nil, fmt.Errorf("routing attribute %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// List returns all routing attributes.
func (p *Attributes) List() []*models.RoutingAttribute {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.RoutingAttribute, 0, len(p.attrs))
	for _, a := range p.attrs {
		out = append(out, a)
	}
	return out
}

// Queues is the registry of precision queues.
type Queues struct {
	mu     sync.RWMutex
	queues map[string]*precisionqueue.PrecisionQueue
}

// NewQueues creates an empty queue registry.
func NewQueues() *Queues {
	return &Queues{queues: make(map[string]*precisionqueue.PrecisionQueue)}
}

// Add registers a precision queue.
func (p *Queues) Add(q *precisionqueue.PrecisionQueue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[q.ID()] = q
}

// Get retrieves a precision queue by id.
func (p *Queues) Get(id string) (*precisionqueue.PrecisionQueue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queues[id]
	if !ok {
		return nil, fmt.Errorf("precision queue %s: %w", id, ErrNotFound)
	}
	return q, nil
}

// List returns all precision queues.
func (p *Queues) List() []*precisionqueue.PrecisionQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*precisionqueue.PrecisionQueue, 0, len(p.queues))
	for _, q := range p.queues {
		out = append(out, q)
	}
	return out
}

// ByMrd returns the precision queues bound to one media domain.
func (p *Queues) ByMrd(mrdID string) []*precisionqueue.PrecisionQueue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*precisionqueue.PrecisionQueue
	for _, q := range p.queues {
		if q.MrdID() == mrdID {
			out = append(out, q)
		}
	}
	return out
}

// Tasks is the registry of in-flight tasks, indexed by id.
type Tasks struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewTasks creates an empty task registry.
func NewTasks() *Tasks {
	return &Tasks{tasks: make(map[string]*models.Task)}
}

// Add registers a task.
func (p *Tasks) Add(t *models.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[t.ID()] = t
}

// Get retrieves a task by id.
func (p *Tasks) Get(id string) (*models.Task, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// Delete removes a task from the registry.
func (p *Tasks) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, id)
}

// List returns all in-flight tasks.
func (p *Tasks) List() []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t)
	}
	return out
}

// ByAgent returns the tasks currently assigned to an agent.
func (p *Tasks) ByAgent(agentID string) []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Task
	for _, t := range p.tasks {
		if t.AgentID() == agentID {
			out = append(out, t)
		}
	}
	return out
}

// ByState returns the tasks currently in one lifecycle state.
func (p *Tasks) ByState(state models.TaskState) []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Task
	for _, t := range p.tasks {
		if t.State() == state {
			out = append(out, t)
		}
	}
	return out
}

// ByConversation returns the tasks for one originating conversation.
func (p *Tasks) ByConversation(conversationID string) []*models.Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*models.Task
	for _, t := range p.tasks {
		if t.ConversationID() == conversationID {
			out = append(out, t)
		}
	}
	return out
}

// Pools aggregates every registry. One instance is created at process start
// and torn down at shutdown.
type Pools struct {
	Agents       *Agents
	MediaDomains *MediaDomains
	Attributes   *Attributes
	Queues       *Queues
	Tasks        *Tasks
}

// NewPools creates the registry set.
func NewPools() *Pools {
	return &Pools{
		Agents:       NewAgents(),
		MediaDomains: NewMediaDomains(),
		Attributes:   NewAttributes(),
		Queues:       NewQueues(),
		Tasks:        NewTasks(),
	}
}
