// Package router runs one scheduler per precision queue. A router sleeps on
// the internal event bus and wakes on three triggers: an agent in the
// queue's media domain became able to receive work, a task was enqueued, or
// a queued task's step timed out.
package router

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/ccmesh/routing-engine/internal/eventbus"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/internal/precisionqueue"
	"github.com/ccmesh/routing-engine/internal/state"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// Router matches the head of one precision queue against the agents
// associated with the task's current step and every step below it.
type Router struct {
	queue    *precisionqueue.PrecisionQueue
	pools    *pool.Pools
	bus      *eventbus.EventBus
	tasks    *state.TaskService
	capacity *state.CapacityService
	metrics  *metrics.Metrics

	defaultStepTimeout time.Duration

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	sub  *eventbus.Subscriber
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a router for one precision queue.
func New(queue *precisionqueue.PrecisionQueue, pools *pool.Pools, bus *eventbus.EventBus, tasks *state.TaskService, capacity *state.CapacityService, m *metrics.Metrics, defaultStepTimeout time.Duration) *Router {
	return &Router{
		queue:              queue,
		pools:              pools,
		bus:                bus,
		tasks:              tasks,
		capacity:           capacity,
		metrics:            m,
		defaultStepTimeout: defaultStepTimeout,
		timers:             make(map[string]*time.Timer),
		done:               make(chan struct{}),
	}
}

func (r *Router) subscriberID() string {
	return "router-" + r.queue.ID()
}

// interested selects the events this router wakes on.
func (r *Router) interested(event *eventbus.Event) bool {
	switch event.Type {
	case eventbus.EventAgentEligible:
		return event.MrdID == r.queue.MrdID()
	case eventbus.EventTaskEnqueued, eventbus.EventStepTimeout:
		return event.QueueID == r.queue.ID()
	default:
		return false
	}
}

// Start subscribes the router and launches its scheduling loop.
func (r *Router) Start() {
	r.sub = r.bus.Subscribe(r.subscriberID(), r.interested)
	r.wg.Add(1)
	go r.run()
	log.Printf("router started for queue %s (%s)", r.queue.ID(), r.queue.Name())
}

// Stop unsubscribes and waits for the loop to drain.
func (r *Router) Stop() {
	close(r.done)
	r.bus.Unsubscribe(r.subscriberID())
	r.wg.Wait()

	r.timerMu.Lock()
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.timerMu.Unlock()
	log.Printf("router stopped for queue %s", r.queue.ID())
}

func (r *Router) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.sub.Channel:
			if !ok {
				return
			}
			r.handle(event)
		}
	}
}

func (r *Router) handle(event *eventbus.Event) {
	switch event.Type {
	case eventbus.EventTaskEnqueued:
		if task, err := r.pools.Tasks.Get(event.TaskID); err == nil {
			r.armStepTimer(task)
		}
		r.route()
	case eventbus.EventAgentEligible:
		r.route()
	case eventbus.EventStepTimeout:
		r.onStepTimeout(event.TaskID, event.StepIndex)
	}
}

// route drains the queue head for as long as a task can be matched. An
// unmatched head stops the drain: lower lanes never overtake it.
func (r *Router) route() {
	for {
		task := r.queue.Tasks().Peek()
		if task == nil {
			break
		}
		if task.MarkedForDeletion() {
			r.queue.Tasks().Remove(task.ID())
			r.cancelStepTimer(task.ID())
			continue
		}

		agent := r.selectAgent(task)
		if agent == nil {
			break
		}
		if !r.reserve(task, agent) {
			continue
		}
	}
	r.observeQueue()
}

// selectAgent picks the longest-idle agent that can receive work on the
// queue's domain and holds no reservation. The candidate pool is cumulative
// over steps 0..current: steps model an escalating relaxation, so an agent
// matching an earlier, stricter step stays acceptable after the task
// escalates past it. Returns nil when nobody qualifies.
func (r *Router) selectAgent(task *models.Task) *models.Agent {
	mrd, err := r.pools.MediaDomains.Get(r.queue.MrdID())
	if err != nil {
		log.Printf("routing in queue %s abandoned: %v", r.queue.ID(), err)
		return nil
	}

	seen := make(map[string]bool)
	var best *models.Agent
	var bestChange time.Time
	for idx := 0; idx <= task.CurrentStep(); idx++ {
		step, ok := r.queue.Step(idx)
		if !ok {
			break
		}
		for _, agent := range step.AssociatedAgents() {
			if seen[agent.ID()] {
				continue
			}
			seen[agent.ID()] = true

			rec, ok := agent.Mrd(mrd.ID)
			if !ok || !state.EligibleToReceive(rec.State, mrd.Interruptible) {
				continue
			}
			if reserved, _ := agent.ReservedTask(); reserved != "" {
				continue
			}
			if best == nil || rec.StateChange.Before(bestChange) ||
				(rec.StateChange.Equal(bestChange) && agent.ID() < best.ID()) {
				best = agent
				bestChange = rec.StateChange
			}
		}
	}
	return best
}

// reserve removes the task from its lane and offers it to the agent.
// Returns false if the reservation raced with another assignment, leaving
// the task queued for the next pass.
func (r *Router) reserve(task *models.Task, agent *models.Agent) bool {
	if !agent.Reserve(task.ID(), r.queue.MrdID()) {
		return false
	}
	r.queue.Tasks().Remove(task.ID())
	r.cancelStepTimer(task.ID())

	task.Assign(agent.ID())
	if _, _, err := r.tasks.ChangeState(task.ID(), models.TaskReserved, models.ReasonNone); err != nil {
		log.Printf("failed to reserve task %s to agent %s: %v", task.ID(), agent.ID(), err)
		agent.ClearReservation(task.ID())
		task.Assign("")
		if _, lookupErr := r.pools.Tasks.Get(task.ID()); lookupErr != nil {
			// Closed concurrently; dropping it keeps a dead record from
			// cycling through the head forever.
			log.Printf("task %s left the registry, dropping from queue %s", task.ID(), r.queue.ID())
			return false
		}
		r.queue.Enqueue(task)
		return false
	}
	r.capacity.ApplyTransition(agent, r.queue.MrdID(), models.MrdActive)

	if r.metrics != nil {
		r.metrics.TasksRouted.WithLabelValues(r.queue.ID()).Inc()
		r.metrics.Reservations.WithLabelValues(r.queue.MrdID()).Inc()
	}
	log.Printf("task %s reserved to agent %s from queue %s", task.ID(), agent.ID(), r.queue.ID())
	return true
}

// onStepTimeout escalates a queued task to the next step. Stale timers are
// discarded: the task must still be queued and still waiting at the step
// the timer was armed for.
func (r *Router) onStepTimeout(taskID string, stepIndex int) {
	task, err := r.pools.Tasks.Get(taskID)
	if err != nil {
		return
	}
	if task.State() != models.TaskQueued || task.CurrentStep() != stepIndex {
		return
	}

	if _, ok := r.queue.NextStep(stepIndex); !ok {
		// Last step waits for an agent indefinitely.
		return
	}
	task.SetCurrentStep(stepIndex + 1)
	if r.metrics != nil {
		r.metrics.StepEscalation.WithLabelValues(r.queue.ID(), strconv.Itoa(stepIndex+1)).Inc()
	}
	log.Printf("task %s escalated to step %d in queue %s", taskID, stepIndex+1, r.queue.ID())

	r.armStepTimer(task)
	r.route()
}

// armStepTimer schedules the escalation for the task's current step. The
// last step arms nothing.
func (r *Router) armStepTimer(task *models.Task) {
	idx := task.CurrentStep()
	if idx >= r.queue.LastStepIndex() {
		return
	}
	step, ok := r.queue.Step(idx)
	if !ok {
		return
	}
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = r.defaultStepTimeout
	}
	if timeout <= 0 {
		return
	}

	taskID := task.ID()
	r.timerMu.Lock()
	if prev, exists := r.timers[taskID]; exists {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		// A fired timer removes its own entry; tasks closed outside the
		// router would otherwise leave dead timers behind.
		r.timerMu.Lock()
		if r.timers[taskID] == timer {
			delete(r.timers, taskID)
		}
		r.timerMu.Unlock()

		if err := r.bus.Publish(&eventbus.Event{
			Type:      eventbus.EventStepTimeout,
			MrdID:     r.queue.MrdID(),
			QueueID:   r.queue.ID(),
			TaskID:    taskID,
			StepIndex: idx,
		}); err != nil {
			log.Printf("failed to publish step timeout for task %s: %v", taskID, err)
		}
	})
	r.timers[taskID] = timer
	r.timerMu.Unlock()
}

func (r *Router) cancelStepTimer(taskID string) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if timer, ok := r.timers[taskID]; ok {
		timer.Stop()
		delete(r.timers, taskID)
	}
}

// observeQueue refreshes the depth and head estimated-wait gauges.
func (r *Router) observeQueue() {
	if r.metrics == nil {
		return
	}
	depth := r.queue.Tasks().Size()
	r.metrics.QueueDepth.WithLabelValues(r.queue.ID()).Set(float64(depth))
	if head := r.queue.Tasks().Peek(); head != nil {
		ewt := r.queue.EWT(1, head.CurrentStep())
		r.metrics.QueueEWT.WithLabelValues(r.queue.ID()).Set(ewt.Seconds())
	} else {
		r.metrics.QueueEWT.WithLabelValues(r.queue.ID()).Set(0)
	}
}
