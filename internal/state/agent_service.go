package state

import (
	"context"
	"log"

	"github.com/ccmesh/routing-engine/internal/eventbus"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// Rerouter closes a task stranded on an unavailable agent and re-enqueues
// its work as a fresh record. Implemented by the task lifecycle service;
// injected after construction to break the dependency cycle between the two
// machines.
type Rerouter interface {
	CloseAndReroute(taskID string)
}

// agentTransitions lists the legal availability transitions. LOGOUT is
// additionally reachable from any state (forced logout).
var agentTransitions = map[models.AgentState][]models.AgentState{
	models.AgentLogout:   {models.AgentLogin},
	models.AgentLogin:    {models.AgentNotReady, models.AgentReady},
	models.AgentNotReady: {models.AgentReady},
	models.AgentReady:    {models.AgentNotReady},
}

func availabilityAllowed(from, to models.AgentState) bool {
	if to == models.AgentLogout {
		return true
	}
	for _, t := range agentTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// AgentService drives the agent-wide availability machine and its cascades
// into the per-domain capacity machine.
type AgentService struct {
	pools     *pool.Pools
	capacity  *CapacityService
	bus       *eventbus.EventBus
	db        Persistence
	presence  PresenceCache
	publisher PresencePublisher
	metrics   *metrics.Metrics
	rerouter  Rerouter
}

// NewAgentService wires the availability machine to its collaborators.
func NewAgentService(pools *pool.Pools, capacity *CapacityService, bus *eventbus.EventBus, db Persistence, presence PresenceCache, publisher PresencePublisher, m *metrics.Metrics) *AgentService {
	return &AgentService{
		pools:     pools,
		capacity:  capacity,
		bus:       bus,
		db:        db,
		presence:  presence,
		publisher: publisher,
		metrics:   m,
	}
}

// SetRerouter injects the task rerouter used by the logout cascade.
func (s *AgentService) SetRerouter(r Rerouter) {
	s.rerouter = r
}

// ChangeState requests an availability transition. An illegal transition or
// a request for the current state is a no-op returning changed=false; the
// caller publishes AGENT_STATE_UNCHANGED so observers can settle.
func (s *AgentService) ChangeState(agentID string, target models.AgentState) (models.AgentPresence, bool, error) {
	agent, err := s.pools.Agents.Get(agentID)
	if err != nil {
		return models.AgentPresence{}, false, err
	}

	current := agent.State()
	if current == target {
		log.Printf("agent %s already %s, ignoring", agentID, target)
		return agent.Presence(), false, nil
	}
	if !availabilityAllowed(current, target) {
		log.Printf("agent %s transition %s -> %s not allowed", agentID, current, target)
		return agent.Presence(), false, nil
	}

	agent.SetState(target)
	if s.metrics != nil {
		s.metrics.AgentState.WithLabelValues(string(current)).Dec()
		s.metrics.AgentState.WithLabelValues(string(target)).Inc()
	}

	switch target {
	case models.AgentLogin:
		// Every capacity record is forced through LOGIN to NOT_READY.
		s.capacity.ForceAll(agent, models.MrdLogin)
		s.capacity.ForceAll(agent, models.MrdNotReady)
	case models.AgentReady:
		for _, rec := range agent.Mrds() {
			s.capacity.ApplyTransition(agent, rec.MrdID, models.MrdReady)
		}
	case models.AgentNotReady:
		for _, rec := range agent.Mrds() {
			s.capacity.ApplyTransition(agent, rec.MrdID, models.MrdNotReady)
		}
	case models.AgentLogout:
		s.rerouteHeldTasks(agent)
		s.capacity.ForceAll(agent, models.MrdLogout)
	}

	p := agent.Presence()
	if s.db != nil {
		if err := s.db.SaveAgentPresence(agentID, target); err != nil {
			log.Printf("failed to persist presence for agent %s: %v", agentID, err)
			s.countPersistenceError()
		}
	}
	if s.presence != nil {
		if err := s.presence.SavePresence(context.Background(), p); err != nil {
			log.Printf("failed to cache presence for agent %s: %v", agentID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishPresence(context.Background(), messages.AgentStateChanged(p)); err != nil {
			log.Printf("failed to publish presence for agent %s: %v", agentID, err)
			s.countPublishError()
		} else if s.metrics != nil {
			s.metrics.EventsPublished.WithLabelValues(messages.TypeAgentStateChanged).Inc()
		}
	}
	if s.bus != nil {
		if err := s.bus.Publish(&eventbus.Event{Type: eventbus.EventAgentStateChanged, AgentID: agentID}); err != nil {
			log.Printf("failed to publish internal state event for agent %s: %v", agentID, err)
		}
	}
	return p, true, nil
}

// rerouteHeldTasks closes every task the agent still holds and re-enqueues
// each as a fresh record, so a forced logout strands nothing on the agent or
// in the registry.
func (s *AgentService) rerouteHeldTasks(agent *models.Agent) {
	if s.rerouter == nil {
		return
	}
	for _, id := range agent.HeldTasks() {
		s.rerouter.CloseAndReroute(id)
	}
}

func (s *AgentService) countPersistenceError() {
	if s.metrics != nil {
		s.metrics.PersistenceErrors.Inc()
	}
}

func (s *AgentService) countPublishError() {
	if s.metrics != nil {
		s.metrics.BusPublishErrors.Inc()
	}
}
