package precisionqueue

import (
	"sync"
	"time"

	"github.com/ccmesh/routing-engine/internal/priorityqueue"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// PrecisionQueue couples one media routing domain, an ordered list of
// escalating matching steps, and the priority queue of tasks waiting to be
// routed. Step order defines escalation order: a queued task's step index
// only ever increases.
type PrecisionQueue struct {
	id    string
	name  string
	mrdID string
	steps []*Step
	tasks *priorityqueue.Queue

	statsMu       sync.Mutex
	avgHandleTime float64
	completed     int64
}

// New builds the runtime queue from its persisted configuration.
func New(cfg models.QueueConfig) *PrecisionQueue {
	pq := &PrecisionQueue{
		id:    cfg.ID,
		name:  cfg.Name,
		mrdID: cfg.MrdID,
		tasks: priorityqueue.New(),
	}
	for i, sc := range cfg.Steps {
		pq.steps = append(pq.steps, NewStep(sc, i))
	}
	return pq
}

func (pq *PrecisionQueue) ID() string    { return pq.id }
func (pq *PrecisionQueue) Name() string  { return pq.name }
func (pq *PrecisionQueue) MrdID() string { return pq.mrdID }

// Tasks exposes the queue's waiting-task holding area.
func (pq *PrecisionQueue) Tasks() *priorityqueue.Queue { return pq.tasks }

// Steps returns the ordered escalation steps.
func (pq *PrecisionQueue) Steps() []*Step { return pq.steps }

// Step returns the step at index, or false when out of range.
func (pq *PrecisionQueue) Step(index int) (*Step, bool) {
	if index < 0 || index >= len(pq.steps) {
		return nil, false
	}
	return pq.steps[index], true
}

// NextStep returns the step after fromIndex. ok is false when fromIndex is
// already the last step: the task then waits at the final step indefinitely.
func (pq *PrecisionQueue) NextStep(fromIndex int) (step *Step, ok bool) {
	next := fromIndex + 1
	if next >= len(pq.steps) {
		return nil, false
	}
	return pq.steps[next], true
}

// LastStepIndex returns the index of the final escalation step.
func (pq *PrecisionQueue) LastStepIndex() int { return len(pq.steps) - 1 }

// Enqueue places the task into the waiting area, stamping its enqueue time.
func (pq *PrecisionQueue) Enqueue(t *models.Task) {
	t.MarkEnqueued()
	pq.tasks.Enqueue(t)
}

// EvaluateAgent re-runs every step's expression for one agent, maintaining
// the per-step associated-agent snapshots. Returns true if any membership
// changed.
func (pq *PrecisionQueue) EvaluateAgent(agent *models.Agent) bool {
	changed := false
	for _, s := range pq.steps {
		if s.Reevaluate(agent) {
			changed = true
		}
	}
	return changed
}

// RemoveAgent drops an agent from every step's snapshot.
func (pq *PrecisionQueue) RemoveAgent(agentID string) {
	for _, s := range pq.steps {
		s.Remove(agentID)
	}
}

// EndTask removes a closing task from the waiting area and, when the close
// is a countable completion (the task was handled and did not close as RONA
// or a forced reroute), folds its handling time into the rolling average.
// Returns false when the task does not belong to this queue; the close
// proceeds elsewhere but is reported "not ended" to the caller.
func (pq *PrecisionQueue) EndTask(t *models.Task) bool {
	if t.QueueID() != pq.id {
		return false
	}
	pq.tasks.Remove(t.ID())
	if t.Reason() != models.ReasonRona && t.Reason() != models.ReasonRerouted {
		if ht := t.HandlingTime(); ht > 0 {
			pq.RecordHandleTime(ht)
		}
	}
	return true
}

// RecordHandleTime updates the rolling average handle time with one
// completed task's handling duration in seconds.
func (pq *PrecisionQueue) RecordHandleTime(seconds float64) {
	pq.statsMu.Lock()
	defer pq.statsMu.Unlock()
	pq.avgHandleTime = (pq.avgHandleTime*float64(pq.completed) + seconds) / float64(pq.completed+1)
	pq.completed++
}

// AvgHandleTime returns the rolling average handling time in seconds.
func (pq *PrecisionQueue) AvgHandleTime() float64 {
	pq.statsMu.Lock()
	defer pq.statsMu.Unlock()
	return pq.avgHandleTime
}

// CompletedCount returns how many tasks this queue has completed.
func (pq *PrecisionQueue) CompletedCount() int64 {
	pq.statsMu.Lock()
	defer pq.statsMu.Unlock()
	return pq.completed
}

// EWT estimates the wait for a task at the given queue position and step:
// position * average handle time, divided across the agents associated with
// the step. With no history or no agents the estimate degrades to zero or
// the undivided product respectively.
func (pq *PrecisionQueue) EWT(position, stepIndex int) time.Duration {
	if position <= 0 {
		return 0
	}
	avg := pq.AvgHandleTime()
	agents := 1
	if s, ok := pq.Step(stepIndex); ok && s.AgentCount() > 0 {
		agents = s.AgentCount()
	}
	seconds := float64(position) * avg / float64(agents)
	return time.Duration(seconds * float64(time.Second))
}
