// Package engine assembles the routing core: registries, state machines,
// per-queue routers, and the external collaborators (postgres, redis, NATS).
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/ccmesh/routing-engine/internal/cache"
	"github.com/ccmesh/routing-engine/internal/database"
	"github.com/ccmesh/routing-engine/internal/eventbus"
	"github.com/ccmesh/routing-engine/internal/locks"
	"github.com/ccmesh/routing-engine/internal/messagebus"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/internal/precisionqueue"
	"github.com/ccmesh/routing-engine/internal/router"
	"github.com/ccmesh/routing-engine/internal/state"
	"github.com/ccmesh/routing-engine/pkg/config"
	"github.com/ccmesh/routing-engine/pkg/messages"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// Engine is the root object of the routing core.
type Engine struct {
	cfg *config.Config

	pools   *pool.Pools
	bus     *eventbus.EventBus
	conv    *locks.Named
	metrics *metrics.Metrics

	db       *database.Database
	presence *cache.PresenceStore
	msgbus   *messagebus.NatsMessageBus

	capacity *state.CapacityService
	agents   *state.AgentService
	tasks    *state.TaskService

	routerMu sync.Mutex
	routers  map[string]*router.Router
}

// New builds an engine from configuration. No external connections are made
// until Initialize.
func New(cfg *config.Config) *Engine {
	return &Engine{
		cfg:     cfg,
		pools:   pool.NewPools(),
		bus:     eventbus.New(cfg.EventBus.BufferSize),
		conv:    locks.New(),
		metrics: metrics.NewMetrics(),
		routers: make(map[string]*router.Router),
	}
}

// Initialize connects the collaborators, hydrates configuration and in-flight
// state from the durable store, starts the queue routers, and finally begins
// consuming bus commands.
func (e *Engine) Initialize(ctx context.Context) error {
	db, err := database.New(e.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	e.db = db

	presence, err := cache.NewPresenceStore(ctx, cache.Config{
		Addr:     e.cfg.Redis.Addr,
		Password: e.cfg.Redis.Password,
		DB:       e.cfg.Redis.DB,
		TTL:      e.cfg.Redis.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	e.presence = presence

	mb, err := messagebus.NewNatsMessageBus(messagebus.Config{
		URL:            e.cfg.Nats.URL,
		ConsumerPrefix: e.cfg.Nats.ConsumerName,
	})
	if err != nil {
		return fmt.Errorf("failed to connect NATS: %w", err)
	}
	e.msgbus = mb

	e.capacity = state.NewCapacityService(e.pools, e.bus, e.db, e.presence, e.msgbus, e.metrics)
	e.agents = state.NewAgentService(e.pools, e.capacity, e.bus, e.db, e.presence, e.msgbus, e.metrics)
	e.tasks = state.NewTaskService(e.pools, e.bus, e.db, e.msgbus, e.capacity, e.conv, e.metrics, e.cfg.Router.AgentRequestTTL)
	e.agents.SetRerouter(e.tasks)

	if err := e.hydrate(); err != nil {
		return fmt.Errorf("failed to hydrate from store: %w", err)
	}
	if err := e.subscribeCommands(); err != nil {
		return fmt.Errorf("failed to subscribe bus commands: %w", err)
	}

	log.Printf("routing engine initialized: %d domains, %d queues, %d agents, %d tasks",
		len(e.pools.MediaDomains.List()), len(e.pools.Queues.List()),
		e.pools.Agents.Size(), len(e.pools.Tasks.List()))
	return nil
}

// hydrate loads configuration then in-flight state, in dependency order.
func (e *Engine) hydrate() error {
	domains, err := e.db.FindAllMediaDomains()
	if err != nil {
		return err
	}
	for _, m := range domains {
		e.pools.MediaDomains.Add(m)
	}

	attrs, err := e.db.FindAllAttributes()
	if err != nil {
		return err
	}
	for _, a := range attrs {
		e.pools.Attributes.Add(a)
	}

	queueCfgs, err := e.db.FindAllQueues()
	if err != nil {
		return err
	}
	for _, qc := range queueCfgs {
		e.installQueue(qc)
	}

	agentCfgs, err := e.db.FindAllAgents()
	if err != nil {
		return err
	}
	for _, ac := range agentCfgs {
		agent := models.NewAgentFromConfig(ac)
		e.pools.Agents.Add(agent)
		e.observeAgentInstalled(agent)
		for _, q := range e.pools.Queues.List() {
			q.EvaluateAgent(agent)
		}
	}

	snapshots, err := e.db.FindAllTasks()
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		e.restoreTask(snap)
	}
	return nil
}

// restoreTask re-attaches one persisted task. Queued tasks go back into
// their lane with the original enqueue time; reserved and active tasks are
// re-bound to their agent.
func (e *Engine) restoreTask(snap models.TaskSnapshot) {
	task := models.Restore(snap)
	queue, err := e.pools.Queues.Get(task.QueueID())
	if err != nil {
		log.Printf("task %s not restored: %v", task.ID(), err)
		return
	}
	e.pools.Tasks.Add(task)

	switch task.State() {
	case models.TaskQueued:
		queue.Tasks().Enqueue(task)
		if e.bus != nil {
			_ = e.bus.Publish(&eventbus.Event{
				Type:    eventbus.EventTaskEnqueued,
				MrdID:   queue.MrdID(),
				QueueID: queue.ID(),
				TaskID:  task.ID(),
			})
		}
	case models.TaskReserved:
		if agent, err := e.pools.Agents.Get(task.AgentID()); err == nil {
			agent.Reserve(task.ID(), task.MrdID())
		}
	case models.TaskActive, models.TaskWrapUp, models.TaskPaused:
		agent, err := e.pools.Agents.Get(task.AgentID())
		if err != nil {
			log.Printf("task %s restored without its agent: %v", task.ID(), err)
			return
		}
		if task.RoutingMode() == models.RoutingModePush {
			agent.AddActiveTask(task.MrdID(), task.ID())
		} else {
			agent.AddTask(task.ID())
		}
	}
}

// installQueue builds the precision queue and starts its router.
func (e *Engine) installQueue(qc models.QueueConfig) {
	queue := precisionqueue.New(qc)
	e.pools.Queues.Add(queue)

	r := router.New(queue, e.pools, e.bus, e.tasks, e.capacity, e.metrics, e.cfg.Router.DefaultStepTimeout)
	r.Start()

	e.routerMu.Lock()
	e.routers[queue.ID()] = r
	e.routerMu.Unlock()
}

// subscribeCommands consumes inbound state-change commands. A bus command
// drives the same code path as a local API call.
func (e *Engine) subscribeCommands() error {
	if err := e.msgbus.SubscribeAgentStateCommands(func(cmd *messages.AgentStateCommand) {
		if _, _, err := e.ChangeAgentState(cmd.AgentID, cmd.State); err != nil {
			log.Printf("agent state command for %s abandoned: %v", cmd.AgentID, err)
		}
	}); err != nil {
		return err
	}
	if err := e.msgbus.SubscribeMediaStateCommands(func(cmd *messages.MediaStateCommand) {
		if _, _, err := e.ChangeAgentMediaState(cmd.AgentID, cmd.MrdID, cmd.State); err != nil {
			log.Printf("media state command for %s/%s abandoned: %v", cmd.AgentID, cmd.MrdID, err)
		}
	}); err != nil {
		return err
	}
	return e.msgbus.SubscribeTaskStateCommands(func(cmd *messages.TaskStateCommand) {
		if _, _, err := e.ChangeTaskState(cmd.TaskID, cmd.State, cmd.Reason); err != nil {
			log.Printf("task state command for %s abandoned: %v", cmd.TaskID, err)
		}
	})
}

// Shutdown stops the routers and closes the collaborators.
func (e *Engine) Shutdown() {
	e.routerMu.Lock()
	for _, r := range e.routers {
		r.Stop()
	}
	e.routers = make(map[string]*router.Router)
	e.routerMu.Unlock()

	e.bus.Close()
	if e.msgbus != nil {
		e.msgbus.Close()
	}
	if e.presence != nil {
		if err := e.presence.Close(); err != nil {
			log.Printf("failed to close redis: %v", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Printf("failed to close postgres: %v", err)
		}
	}
	log.Println("routing engine shut down")
}

// ApplyTunables applies the hot-reloadable policy knobs from a fresh
// configuration revision.
func (e *Engine) ApplyTunables(cfg *config.Config) {
	e.tasks.SetRequestTTL(cfg.Router.AgentRequestTTL)
	log.Printf("tunables applied: step timeout default %s, agent request TTL %s",
		cfg.Router.DefaultStepTimeout, cfg.Router.AgentRequestTTL)
}

// ChangeAgentState requests an availability transition. When the request is
// a no-op the engine publishes AGENT_STATE_UNCHANGED so waiting observers
// can settle.
func (e *Engine) ChangeAgentState(agentID string, target models.AgentState) (models.AgentPresence, bool, error) {
	p, changed, err := e.agents.ChangeState(agentID, target)
	if err != nil {
		return p, false, err
	}
	if !changed && e.msgbus != nil {
		if perr := e.msgbus.PublishPresence(context.Background(), messages.AgentStateUnchanged(p)); perr != nil {
			log.Printf("failed to publish unchanged presence for agent %s: %v", agentID, perr)
		}
	}
	return p, changed, nil
}

// ChangeAgentMediaState requests a capacity transition for one (agent,
// media domain) pair, e.g. from an externally managed voice system.
func (e *Engine) ChangeAgentMediaState(agentID, mrdID string, target models.MrdState) (models.MrdState, bool, error) {
	agent, err := e.pools.Agents.Get(agentID)
	if err != nil {
		return models.MrdUnknown, false, err
	}
	next, changed := e.capacity.ApplyTransition(agent, mrdID, target)
	return next, changed, nil
}

// ChangeTaskState requests a task lifecycle transition.
func (e *Engine) ChangeTaskState(taskID string, target models.TaskState, reason models.ReasonCode) (models.TaskSnapshot, bool, error) {
	return e.tasks.ChangeState(taskID, target, reason)
}

// CreateTask enqueues a new task. An empty id is filled with a fresh uuid.
// The first task of a conversation arms the agent-request timeout.
func (e *Engine) CreateTask(id, conversationID, mrdID, queueID string, priority int, mode models.RoutingMode) (models.TaskSnapshot, error) {
	queue, err := e.pools.Queues.Get(queueID)
	if err != nil {
		return models.TaskSnapshot{}, err
	}
	if queue.MrdID() != mrdID {
		return models.TaskSnapshot{}, fmt.Errorf("queue %s serves domain %s, not %s", queueID, queue.MrdID(), mrdID)
	}
	if id == "" {
		id = uuid.NewString()
	}

	task := models.NewTask(id, conversationID, mrdID, queueID, priority, mode)
	e.tasks.Enqueue(queueID, task)
	e.tasks.StartRequestTimeout(conversationID)
	return task.Snapshot(), nil
}

// Task returns one task's snapshot.
func (e *Engine) Task(id string) (models.TaskSnapshot, error) {
	task, err := e.pools.Tasks.Get(id)
	if err != nil {
		return models.TaskSnapshot{}, err
	}
	return task.Snapshot(), nil
}

// TasksByAgent returns snapshots of the tasks assigned to an agent.
func (e *Engine) TasksByAgent(agentID string) []models.TaskSnapshot {
	return snapshots(e.pools.Tasks.ByAgent(agentID))
}

// TasksByState returns snapshots of the tasks in a lifecycle state.
func (e *Engine) TasksByState(s models.TaskState) []models.TaskSnapshot {
	return snapshots(e.pools.Tasks.ByState(s))
}

// QueuedPosition reports where a conversation's queued tasks wait.
type QueuedPosition struct {
	TaskID   string  `json:"task_id"`
	QueueID  string  `json:"queue_id"`
	Position int     `json:"position"`
	EWT      float64 `json:"ewt_seconds"`
}

// Positions returns position and estimated wait for every queued task of a
// conversation.
func (e *Engine) Positions(conversationID string) []QueuedPosition {
	var out []QueuedPosition
	for _, task := range e.pools.Tasks.ByConversation(conversationID) {
		if task.State() != models.TaskQueued {
			continue
		}
		queue, err := e.pools.Queues.Get(task.QueueID())
		if err != nil {
			continue
		}
		pos := queue.Tasks().Position(task.ID(), task.Priority())
		if pos < 0 {
			continue
		}
		out = append(out, QueuedPosition{
			TaskID:   task.ID(),
			QueueID:  queue.ID(),
			Position: pos,
			EWT:      queue.EWT(pos, task.CurrentStep()).Seconds(),
		})
	}
	return out
}

// AgentPresence returns one agent's presence snapshot.
func (e *Engine) AgentPresence(agentID string) (models.AgentPresence, error) {
	agent, err := e.pools.Agents.Get(agentID)
	if err != nil {
		return models.AgentPresence{}, err
	}
	return agent.Presence(), nil
}

// SaveMediaDomain provisions or updates a media routing domain.
func (e *Engine) SaveMediaDomain(m *models.MediaDomain) error {
	e.pools.MediaDomains.Add(m)
	return e.db.SaveMediaDomain(m)
}

// SaveAttribute provisions or updates a routing attribute.
func (e *Engine) SaveAttribute(a *models.RoutingAttribute) error {
	e.pools.Attributes.Add(a)
	return e.db.SaveAttribute(a)
}

// SaveQueue provisions a precision queue and starts its router. Every known
// agent is evaluated against the new queue's steps.
func (e *Engine) SaveQueue(qc models.QueueConfig) error {
	if _, err := e.pools.Queues.Get(qc.ID); err == nil {
		return fmt.Errorf("queue %s already exists", qc.ID)
	}
	e.installQueue(qc)
	queue, _ := e.pools.Queues.Get(qc.ID)
	for _, agent := range e.pools.Agents.List() {
		queue.EvaluateAgent(agent)
	}
	return e.db.SaveQueue(qc)
}

// SaveAgent provisions or updates an agent and re-evaluates queue
// memberships from its attributes.
func (e *Engine) SaveAgent(cfg models.AgentConfig) error {
	agent, err := e.pools.Agents.Get(cfg.ID)
	if err != nil {
		agent = models.NewAgentFromConfig(cfg)
		e.pools.Agents.Add(agent)
		e.observeAgentInstalled(agent)
	} else {
		agent.SetAttributes(cfg.Attributes)
		for _, m := range cfg.Mrds {
			agent.AddMrd(m.MrdID, m.MaxTasks)
		}
	}
	for _, q := range e.pools.Queues.List() {
		q.EvaluateAgent(agent)
	}
	return e.db.SaveAgent(agent.Config())
}

// DeleteAgent removes an agent from every queue step and the registry. The
// agent should be logged out first; held tasks are rerouted by the logout
// cascade.
func (e *Engine) DeleteAgent(agentID string) error {
	for _, q := range e.pools.Queues.List() {
		q.RemoveAgent(agentID)
	}
	if agent, err := e.pools.Agents.Get(agentID); err == nil {
		e.observeAgentRemoved(agent)
	}
	e.pools.Agents.Delete(agentID)
	if e.presence != nil {
		if err := e.presence.DeletePresence(context.Background(), agentID); err != nil {
			log.Printf("failed to drop cached presence for agent %s: %v", agentID, err)
		}
	}
	return e.db.DeleteAgent(agentID)
}

// observeAgentInstalled seeds the state gauges for a newly registered agent;
// the state services move it between buckets from then on.
func (e *Engine) observeAgentInstalled(agent *models.Agent) {
	if e.metrics == nil {
		return
	}
	e.metrics.AgentState.WithLabelValues(string(agent.State())).Inc()
	for _, rec := range agent.Mrds() {
		e.metrics.MrdState.WithLabelValues(rec.MrdID, string(rec.State)).Inc()
	}
}

func (e *Engine) observeAgentRemoved(agent *models.Agent) {
	if e.metrics == nil {
		return
	}
	e.metrics.AgentState.WithLabelValues(string(agent.State())).Dec()
	for _, rec := range agent.Mrds() {
		e.metrics.MrdState.WithLabelValues(rec.MrdID, string(rec.State)).Dec()
	}
}

func snapshots(tasks []*models.Task) []models.TaskSnapshot {
	out := make([]models.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}
