package precisionqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccmesh/routing-engine/pkg/models"
)

// Step is one escalation level of a precision queue at runtime. It caches the
// set of agents currently satisfying its expression so routing attempts never
// re-evaluate the whole population; the cache is recomputed only when an
// agent or its attributes change.
//
// The cache is a copy-on-write snapshot: readers load it atomically and never
// observe a partial update, writers build a new map and install it whole.
type Step struct {
	cfg   models.StepConfig
	index int

	writeMu sync.Mutex
	agents  atomic.Pointer[map[string]*models.Agent]
}

// NewStep builds the runtime step for ordered position index.
func NewStep(cfg models.StepConfig, index int) *Step {
	s := &Step{cfg: cfg, index: index}
	empty := make(map[string]*models.Agent)
	s.agents.Store(&empty)
	return s
}

func (s *Step) Config() models.StepConfig { return s.cfg }
func (s *Step) Index() int                { return s.index }

// Timeout is how long a task waits at this step before escalating.
func (s *Step) Timeout() time.Duration { return s.cfg.Timeout }

// AssociatedAgents returns the current snapshot of agents satisfying the
// step expression.
func (s *Step) AssociatedAgents() []*models.Agent {
	snap := *s.agents.Load()
	out := make([]*models.Agent, 0, len(snap))
	for _, a := range snap {
		out = append(out, a)
	}
	return out
}

// Contains reports whether the agent is in the current snapshot.
func (s *Step) Contains(agentID string) bool {
	snap := *s.agents.Load()
	_, ok := snap[agentID]
	return ok
}

// AgentCount returns the size of the current snapshot.
func (s *Step) AgentCount() int {
	return len(*s.agents.Load())
}

// Reevaluate re-runs the step expression for one agent and installs a new
// snapshot if membership changed. Returns true when the set changed.
func (s *Step) Reevaluate(agent *models.Agent) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.agents.Load()
	_, present := cur[agent.ID()]
	matches := Evaluate(agent, s.cfg)
	if present == matches {
		return false
	}

	next := make(map[string]*models.Agent, len(cur)+1)
	for id, a := range cur {
		next[id] = a
	}
	if matches {
		next[agent.ID()] = agent
	} else {
		delete(next, agent.ID())
	}
	s.agents.Store(&next)
	return true
}

// Remove drops an agent from the snapshot, e.g. on deprovisioning.
func (s *Step) Remove(agentID string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.agents.Load()
	if _, ok := cur[agentID]; !ok {
		return false
	}
	next := make(map[string]*models.Agent, len(cur))
	for id, a := range cur {
		if id != agentID {
			next[id] = a
		}
	}
	s.agents.Store(&next)
	return true
}
