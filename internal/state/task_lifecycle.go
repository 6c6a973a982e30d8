package state

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccmesh/routing-engine/internal/eventbus"
	"github.com/ccmesh/routing-engine/internal/locks"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// TaskPublisher publishes task state events on the external bus.
type TaskPublisher interface {
	PublishTaskState(ctx context.Context, event *messages.TaskEvent) error
}

// TaskService drives the task lifecycle machine. Each requested target state
// selects a transition modifier; states without a dedicated modifier are
// replaced pass-through with no side effects.
type TaskService struct {
	pools     *pool.Pools
	bus       *eventbus.EventBus
	db        Persistence
	publisher TaskPublisher
	capacity  *CapacityService
	conv      *locks.Named
	metrics   *metrics.Metrics

	timeoutMu       sync.Mutex
	requestTimeouts map[string]*time.Timer
	requestTTL      time.Duration
}

// NewTaskService wires the lifecycle machine to its collaborators.
func NewTaskService(pools *pool.Pools, bus *eventbus.EventBus, db Persistence, publisher TaskPublisher, capacity *CapacityService, conv *locks.Named, m *metrics.Metrics, requestTTL time.Duration) *TaskService {
	return &TaskService{
		pools:           pools,
		bus:             bus,
		db:              db,
		publisher:       publisher,
		capacity:        capacity,
		conv:            conv,
		metrics:         m,
		requestTimeouts: make(map[string]*time.Timer),
		requestTTL:      requestTTL,
	}
}

// SetRequestTTL adjusts the agent-request timeout for new conversations.
func (s *TaskService) SetRequestTTL(ttl time.Duration) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	s.requestTTL = ttl
}

// ChangeState requests a lifecycle transition. Requesting the task's current
// state is a no-op: no persistence call, no bus publish. Illegal transitions
// (e.g. WRAP_UP from anything but ACTIVE) return changed=false without
// mutating state.
func (s *TaskService) ChangeState(taskID string, target models.TaskState, reason models.ReasonCode) (models.TaskSnapshot, bool, error) {
	task, err := s.pools.Tasks.Get(taskID)
	if err != nil {
		return models.TaskSnapshot{}, false, err
	}

	if s.conv != nil {
		s.conv.Lock(task.ConversationID())
		defer s.conv.Unlock(task.ConversationID())
	}

	current := task.State()
	if current == target {
		log.Printf("task %s already %s, ignoring", taskID, target)
		return task.Snapshot(), false, nil
	}

	var changed bool
	switch target {
	case models.TaskActive:
		changed = s.toActive(task, reason)
	case models.TaskWrapUp:
		if current != models.TaskActive {
			log.Printf("task %s transition %s -> WRAP_UP not allowed", taskID, current)
			return task.Snapshot(), false, nil
		}
		changed = s.passThrough(task, target, reason)
	case models.TaskClosed:
		changed = s.toClosed(task, reason)
	default:
		changed = s.passThrough(task, target, reason)
	}

	if changed && s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(target)).Inc()
	}
	return task.Snapshot(), changed, nil
}

// passThrough replaces the lifecycle state with no further side effects
// beyond persistence and publication.
func (s *TaskService) passThrough(task *models.Task, target models.TaskState, reason models.ReasonCode) bool {
	task.SetState(target, reason)
	s.persistAndPublish(task)
	return true
}

// toActive starts handling: requires an assigned agent, stamps the start
// time, clears the pending agent-request timeout, and attaches the task to
// the agent's push or generic list depending on routing mode.
func (s *TaskService) toActive(task *models.Task, reason models.ReasonCode) bool {
	agentID := task.AgentID()
	if agentID == "" {
		log.Printf("task %s cannot go active without an assigned agent", task.ID())
		return false
	}
	agent, err := s.pools.Agents.Get(agentID)
	if err != nil {
		log.Printf("task %s activation abandoned: %v", task.ID(), err)
		return false
	}

	task.MarkStarted()
	task.SetState(models.TaskActive, reason)
	s.clearRequestTimeout(task.ConversationID())

	if task.RoutingMode() == models.RoutingModePush {
		agent.AddActiveTask(task.MrdID(), task.ID())
		s.capacity.RecomputeLoad(agent, task.MrdID())
	} else {
		agent.AddTask(task.ID())
	}

	s.persistAndPublish(task)
	return true
}

// toClosed ends the task in its precision queue and removes it from the
// registry and durable store. A RONA or forced-reroute close detaches the
// task from the agent without counting it as completed and reroutes it; any
// other close detaches it as a countable completion.
func (s *TaskService) toClosed(task *models.Task, reason models.ReasonCode) bool {
	task.SetState(models.TaskClosed, reason)

	queue, err := s.pools.Queues.Get(task.QueueID())
	if err != nil {
		log.Printf("task %s not ended: %v", task.ID(), err)
	} else if !queue.EndTask(task) {
		log.Printf("task %s not ended in queue %s", task.ID(), task.QueueID())
	} else if countableCompletion(reason) && s.metrics != nil {
		if ht := task.HandlingTime(); ht > 0 {
			s.metrics.TaskHandleTime.WithLabelValues(task.QueueID()).Observe(ht)
		}
	}

	s.pools.Tasks.Delete(task.ID())
	if s.db != nil {
		if err := s.db.DeleteTask(task.ID()); err != nil {
			log.Printf("failed to delete task %s from store: %v", task.ID(), err)
			s.countPersistenceError()
		}
	}

	s.detachFromAgent(task, reason)

	switch reason {
	case models.ReasonRona:
		if s.metrics != nil {
			s.metrics.RonaTotal.WithLabelValues(task.QueueID()).Inc()
		}
		s.Reroute(task)
	case models.ReasonRerouted:
		s.Reroute(task)
	default:
		s.maybeClearRequestTimeout(task)
	}

	s.publish(task)
	return true
}

// countableCompletion reports whether a close counts toward handle-time
// statistics. Offers the agent never answered and force-rerouted work do not.
func countableCompletion(reason models.ReasonCode) bool {
	return reason != models.ReasonRona && reason != models.ReasonRerouted
}

func (s *TaskService) maybeClearRequestTimeout(task *models.Task) {
	if len(s.pools.Tasks.ByConversation(task.ConversationID())) == 0 {
		// Last in-process task for the conversation: the pending
		// agent-request timeout has nothing left to guard.
		s.clearRequestTimeout(task.ConversationID())
	}
}

func (s *TaskService) detachFromAgent(task *models.Task, reason models.ReasonCode) {
	agentID := task.AgentID()
	if agentID == "" {
		return
	}
	agent, err := s.pools.Agents.Get(agentID)
	if err != nil {
		log.Printf("task %s detach abandoned: %v", task.ID(), err)
		return
	}

	agent.ClearReservation(task.ID())
	if task.RoutingMode() == models.RoutingModePush {
		agent.RemoveActiveTask(task.MrdID(), task.ID())
	} else {
		agent.RemoveTask(task.ID())
	}
	s.capacity.RecomputeLoad(agent, task.MrdID())
}

// CloseAndReroute force-closes a task stranded on an unavailable agent. The
// close path detaches the task from the agent, removes it from the registry
// and durable store, and re-enqueues its work as a fresh record.
func (s *TaskService) CloseAndReroute(taskID string) {
	if _, _, err := s.ChangeState(taskID, models.TaskClosed, models.ReasonRerouted); err != nil {
		log.Printf("forced reroute of task %s abandoned: %v", taskID, err)
	}
}

// Reroute re-enqueues the work of a failed or orphaned task as a fresh task
// record: new id, priority 11, QUEUED, same precision queue. Retry history
// is deliberately decoupled from the original task id; the enqueue clock
// restarts with the new record.
func (s *TaskService) Reroute(task *models.Task) {
	queue, err := s.pools.Queues.Get(task.QueueID())
	if err != nil {
		log.Printf("task %s reroute abandoned: %v", task.ID(), err)
		return
	}

	fresh := models.NewTask(
		uuid.NewString(),
		task.ConversationID(),
		task.MrdID(),
		task.QueueID(),
		models.PriorityMax,
		task.RoutingMode(),
	)
	s.Enqueue(queue.ID(), fresh)

	if s.metrics != nil {
		s.metrics.TasksRerouted.WithLabelValues(queue.ID()).Inc()
	}
	log.Printf("task %s rerouted as %s into queue %s", task.ID(), fresh.ID(), queue.ID())
}

// Enqueue registers a task and places it into its precision queue's waiting
// area, waking the queue's router.
func (s *TaskService) Enqueue(queueID string, task *models.Task) {
	queue, err := s.pools.Queues.Get(queueID)
	if err != nil {
		log.Printf("enqueue of task %s abandoned: %v", task.ID(), err)
		return
	}

	s.pools.Tasks.Add(task)
	queue.Enqueue(task)
	s.persist(task)

	if s.metrics != nil {
		s.metrics.TasksEnqueued.WithLabelValues(queueID, strconv.Itoa(task.Priority())).Inc()
		s.metrics.QueueDepth.WithLabelValues(queueID).Set(float64(queue.Tasks().Size()))
	}
	if s.bus != nil {
		if err := s.bus.Publish(&eventbus.Event{
			Type:    eventbus.EventTaskEnqueued,
			MrdID:   queue.MrdID(),
			QueueID: queueID,
			TaskID:  task.ID(),
		}); err != nil {
			log.Printf("failed to publish enqueue event for task %s: %v", task.ID(), err)
		}
	}
}

// StartRequestTimeout arms the per-conversation agent-request timer. If no
// task for the conversation reaches an agent before it fires, every task
// still queued for the conversation closes as NO_AGENT_AVAILABLE.
func (s *TaskService) StartRequestTimeout(conversationID string) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	if s.requestTTL <= 0 {
		return
	}
	if _, exists := s.requestTimeouts[conversationID]; exists {
		return
	}
	s.requestTimeouts[conversationID] = time.AfterFunc(s.requestTTL, func() {
		s.onRequestTimeout(conversationID)
	})
}

func (s *TaskService) clearRequestTimeout(conversationID string) {
	s.timeoutMu.Lock()
	defer s.timeoutMu.Unlock()
	if timer, ok := s.requestTimeouts[conversationID]; ok {
		timer.Stop()
		delete(s.requestTimeouts, conversationID)
	}
}

// onRequestTimeout abandons whatever is still queued for the conversation.
// The scan covers rerouted records too: a RONA replacement carries a fresh
// task id, so the timer resolves tasks by conversation, never by the id that
// was current when it was armed.
func (s *TaskService) onRequestTimeout(conversationID string) {
	s.clearRequestTimeout(conversationID)

	for _, task := range s.pools.Tasks.ByConversation(conversationID) {
		if task.State() != models.TaskQueued {
			continue
		}
		log.Printf("no agent available for conversation %s within TTL, abandoning task %s", conversationID, task.ID())
		task.MarkForDeletion()
		if _, _, err := s.ChangeState(task.ID(), models.TaskClosed, models.ReasonNoAgent); err != nil {
			log.Printf("failed to close timed-out task %s: %v", task.ID(), err)
		}
	}
}

func (s *TaskService) persistAndPublish(task *models.Task) {
	s.persist(task)
	s.publish(task)
}

func (s *TaskService) persist(task *models.Task) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveTask(task.Snapshot()); err != nil {
		log.Printf("failed to persist task %s: %v", task.ID(), err)
		s.countPersistenceError()
	}
}

func (s *TaskService) countPersistenceError() {
	if s.metrics != nil {
		s.metrics.PersistenceErrors.Inc()
	}
}

func (s *TaskService) publish(task *models.Task) {
	snap := task.Snapshot()
	if s.publisher != nil {
		if err := s.publisher.PublishTaskState(context.Background(), messages.TaskStateChanged(snap)); err != nil {
			log.Printf("failed to publish state for task %s: %v", task.ID(), err)
			if s.metrics != nil {
				s.metrics.BusPublishErrors.Inc()
			}
		} else if s.metrics != nil {
			s.metrics.EventsPublished.WithLabelValues(messages.TypeTaskStateChanged).Inc()
		}
	}
	if s.bus != nil {
		if err := s.bus.Publish(&eventbus.Event{
			Type:    eventbus.EventTaskStateChanged,
			MrdID:   snap.MrdID,
			QueueID: snap.QueueID,
			TaskID:  snap.ID,
		}); err != nil {
			log.Printf("failed to publish internal state event for task %s: %v", task.ID(), err)
		}
	}
}
