package state

import (
	"context"
	"log"

	"github.com/ccmesh/routing-engine/internal/eventbus"
	"github.com/ccmesh/routing-engine/internal/locks"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// Persistence is the slice of the database collaborator the state machines
// use. Writes are best effort: failures are logged and never roll back the
// in-memory change.
type Persistence interface {
	SaveAgentPresence(id string, state models.AgentState) error
	SaveAgentMediaStates(id string, states []models.MrdStateEntry) error
	SaveTask(snapshot models.TaskSnapshot) error
	DeleteTask(id string) error
}

// PresenceCache is the redis snapshot store slice used here.
type PresenceCache interface {
	SavePresence(ctx context.Context, p models.AgentPresence) error
}

// PresencePublisher publishes presence events on the external bus.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, event *messages.PresenceEvent) error
}

// CapacityService drives the per-(agent, media domain) capacity machine and
// applies the side effects of real state changes: persist the capacity
// record, refresh the presence snapshot, publish the presence event, and,
// only when the new state can receive work, wake the routers bound to the
// domain. Collaborators may be nil in tests; a nil collaborator is skipped.
//
// One agent's transitions are serialized on a named lock, so the read of
// the current record, the guard evaluation, and the write of the next state
// form one linearizable step. Concurrent transitions on the same agent queue
// behind each other instead of racing a stale snapshot.
type CapacityService struct {
	pools      *pool.Pools
	bus        *eventbus.EventBus
	db         Persistence
	presence   PresenceCache
	publisher  PresencePublisher
	metrics    *metrics.Metrics
	agentLocks *locks.Named
}

// NewCapacityService wires the capacity machine to its collaborators.
func NewCapacityService(pools *pool.Pools, bus *eventbus.EventBus, db Persistence, presence PresenceCache, publisher PresencePublisher, m *metrics.Metrics) *CapacityService {
	return &CapacityService{
		pools:      pools,
		bus:        bus,
		db:         db,
		presence:   presence,
		publisher:  publisher,
		metrics:    m,
		agentLocks: locks.New(),
	}
}

// buildContext assembles the pure transition input for one domain.
func (s *CapacityService) buildContext(agent *models.Agent, rec models.AgentMrd, mrd *models.MediaDomain) CapacityContext {
	_, reservedMrd := agent.ReservedTask()
	return CapacityContext{
		AgentState:      agent.State(),
		Current:         rec.State,
		ActivePushTasks: len(rec.ActiveTasks),
		MaxTasks:        rec.MaxTasks,
		HasReservation:  reservedMrd == rec.MrdID,
		Managed:         mrd.Managed,
		Interruptible:   mrd.Interruptible,
	}
}

// ApplyTransition runs one capacity transition and applies side effects if
// the state changed. Returns the resulting state and whether it changed.
// A missing domain or membership is logged and abandoned, not propagated:
// one broken domain must not take down an async listener.
func (s *CapacityService) ApplyTransition(agent *models.Agent, mrdID string, target models.MrdState) (models.MrdState, bool) {
	s.agentLocks.Lock(agent.ID())
	defer s.agentLocks.Unlock(agent.ID())
	return s.applyTransition(agent, mrdID, target)
}

// applyTransition is the unlocked body shared with RecomputeLoad; callers
// hold the agent's transition lock.
func (s *CapacityService) applyTransition(agent *models.Agent, mrdID string, target models.MrdState) (models.MrdState, bool) {
	mrd, err := s.pools.MediaDomains.Get(mrdID)
	if err != nil {
		log.Printf("capacity transition for agent %s abandoned: %v", agent.ID(), err)
		return models.MrdUnknown, false
	}
	rec, ok := agent.Mrd(mrdID)
	if !ok {
		log.Printf("capacity transition abandoned: agent %s has no membership on %s", agent.ID(), mrdID)
		return models.MrdUnknown, false
	}

	next := TransitionCapacity(target, s.buildContext(agent, rec, mrd))
	if next == rec.State {
		return next, false
	}

	agent.SetMrdState(mrdID, next)
	s.observeMrdChange(mrdID, rec.State, next)
	s.applySideEffects(agent)

	if EligibleToReceive(next, mrd.Interruptible) {
		s.notifyRouters(agent.ID(), mrdID)
	}
	return next, true
}

// RecomputeLoad re-derives the capacity state for a domain from the agent's
// current task load. Called after a push task attaches or detaches.
func (s *CapacityService) RecomputeLoad(agent *models.Agent, mrdID string) (models.MrdState, bool) {
	s.agentLocks.Lock(agent.ID())
	defer s.agentLocks.Unlock(agent.ID())

	rec, ok := agent.Mrd(mrdID)
	if !ok {
		return models.MrdUnknown, false
	}

	active := len(rec.ActiveTasks)
	if rec.State == models.MrdPendingNotReady {
		// Lingering not-ready resolves only when the last task closes.
		if active == 0 {
			return s.applyTransition(agent, mrdID, models.MrdNotReady)
		}
		return rec.State, false
	}

	var target models.MrdState
	switch {
	case active == 0:
		target = models.MrdReady
	case active >= rec.MaxTasks:
		target = models.MrdBusy
	default:
		target = models.MrdActive
	}
	return s.applyTransition(agent, mrdID, target)
}

// ForceAll pushes every capacity record to target unconditionally. Used by
// the availability machine's login/logout cascades.
func (s *CapacityService) ForceAll(agent *models.Agent, target models.MrdState) {
	s.agentLocks.Lock(agent.ID())
	defer s.agentLocks.Unlock(agent.ID())

	for _, rec := range agent.Mrds() {
		if rec.State != target {
			agent.SetMrdState(rec.MrdID, target)
			s.observeMrdChange(rec.MrdID, rec.State, target)
		}
	}
	s.applySideEffects(agent)
}

// observeMrdChange moves one capacity record between gauge buckets.
func (s *CapacityService) observeMrdChange(mrdID string, from, to models.MrdState) {
	if s.metrics == nil {
		return
	}
	s.metrics.MrdState.WithLabelValues(mrdID, string(from)).Dec()
	s.metrics.MrdState.WithLabelValues(mrdID, string(to)).Inc()
}

// notifyRouters wakes every router bound to the domain.
func (s *CapacityService) notifyRouters(agentID, mrdID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(&eventbus.Event{
		Type:    eventbus.EventAgentEligible,
		MrdID:   mrdID,
		AgentID: agentID,
	}); err != nil {
		log.Printf("failed to publish eligibility event for agent %s: %v", agentID, err)
	}
}

// applySideEffects persists and publishes the agent's presence. All calls
// are fire-and-forget with logged failure; in-memory state stays the source
// of truth.
func (s *CapacityService) applySideEffects(agent *models.Agent) {
	p := agent.Presence()
	if s.db != nil {
		if err := s.db.SaveAgentMediaStates(p.AgentID, p.MrdStates); err != nil {
			log.Printf("failed to persist media states for agent %s: %v", p.AgentID, err)
			if s.metrics != nil {
				s.metrics.PersistenceErrors.Inc()
			}
		}
	}
	if s.presence != nil {
		if err := s.presence.SavePresence(context.Background(), p); err != nil {
			log.Printf("failed to cache presence for agent %s: %v", p.AgentID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishPresence(context.Background(), messages.AgentStateChanged(p)); err != nil {
			log.Printf("failed to publish presence for agent %s: %v", p.AgentID, err)
			if s.metrics != nil {
				s.metrics.BusPublishErrors.Inc()
			}
		} else if s.metrics != nil {
			s.metrics.EventsPublished.WithLabelValues(messages.TypeAgentStateChanged).Inc()
		}
	}
}
