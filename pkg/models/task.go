package models

import (
	"sync"
	"time"
)

// Task is a single interaction to be routed to an agent. Like Agent, all
// mutation is through methods so a task's updates are linearizable.
type Task struct {
	mu sync.RWMutex

	id             string
	conversationID string
	mrdID          string
	queueID        string
	priority       int
	routingMode    RoutingMode
	state          TaskState
	reason         ReasonCode
	agentID        string
	enqueueTime    time.Time
	startTime      time.Time
	currentStep    int
	markedForDel   bool
}

// NewTask creates a queued task. Priority is clamped to the legal range.
func NewTask(id, conversationID, mrdID, queueID string, priority int, mode RoutingMode) *Task {
	return &Task{
		id:             id,
		conversationID: conversationID,
		mrdID:          mrdID,
		queueID:        queueID,
		priority:       ClampPriority(priority),
		routingMode:    mode,
		state:          TaskQueued,
		reason:         ReasonNone,
		enqueueTime:    time.Now(),
		currentStep:    0,
	}
}

func (t *Task) ID() string             { return t.id }
func (t *Task) ConversationID() string { return t.conversationID }
func (t *Task) MrdID() string          { return t.mrdID }
func (t *Task) QueueID() string        { return t.queueID }
func (t *Task) RoutingMode() RoutingMode {
	return t.routingMode
}

// Priority returns the clamped priority lane the task queues in.
func (t *Task) Priority() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.priority
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Reason returns the reason code attached to the last state change.
func (t *Task) Reason() ReasonCode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// SetState replaces the lifecycle state and reason.
func (t *Task) SetState(s TaskState, reason ReasonCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
	t.reason = reason
}

// AgentID returns the assigned agent, or "" while unassigned.
func (t *Task) AgentID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agentID
}

// Assign records the agent the task was offered to.
func (t *Task) Assign(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agentID = agentID
}

// EnqueueTime returns when the task entered its priority queue.
func (t *Task) EnqueueTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enqueueTime
}

// MarkEnqueued stamps the enqueue time. Called once when the task is placed
// into a priority queue.
func (t *Task) MarkEnqueued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enqueueTime = time.Now()
}

// StartTime returns when handling began (zero until the task went active).
func (t *Task) StartTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startTime
}

// MarkStarted stamps the handling start time.
func (t *Task) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startTime = time.Now()
}

// HandlingTime is the elapsed time since handling began, in seconds. Zero if
// the task never went active.
func (t *Task) HandlingTime() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.startTime.IsZero() {
		return 0
	}
	return time.Since(t.startTime).Seconds()
}

// CurrentStep returns the index of the step the task currently waits at.
func (t *Task) CurrentStep() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentStep
}

// SetCurrentStep advances the step pointer. The pointer only moves forward
// while the task is queued; a lower index is ignored.
func (t *Task) SetCurrentStep(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx > t.currentStep {
		t.currentStep = idx
	}
}

// MarkForDeletion flags the task for removal once in-flight work settles.
func (t *Task) MarkForDeletion() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markedForDel = true
}

// MarkedForDeletion reports whether the task has been flagged for removal.
func (t *Task) MarkedForDeletion() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.markedForDel
}

// TaskSnapshot is the serialized form of a task, used for persistence and
// bus publication.
type TaskSnapshot struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	MrdID          string      `json:"mrd_id"`
	QueueID        string      `json:"queue_id,omitempty"`
	Priority       int         `json:"priority"`
	RoutingMode    RoutingMode `json:"routing_mode"`
	State          TaskState   `json:"state"`
	Reason         ReasonCode  `json:"reason,omitempty"`
	AgentID        string      `json:"agent_id,omitempty"`
	EnqueueTime    time.Time   `json:"enqueue_time"`
	StartTime      time.Time   `json:"start_time,omitempty"`
	CurrentStep    int         `json:"current_step"`
}

// Snapshot captures the task's current state for serialization.
func (t *Task) Snapshot() TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TaskSnapshot{
		ID:             t.id,
		ConversationID: t.conversationID,
		MrdID:          t.mrdID,
		QueueID:        t.queueID,
		Priority:       t.priority,
		RoutingMode:    t.routingMode,
		State:          t.state,
		Reason:         t.reason,
		AgentID:        t.agentID,
		EnqueueTime:    t.enqueueTime,
		StartTime:      t.startTime,
		CurrentStep:    t.currentStep,
	}
}

// Restore rebuilds a task from a persisted snapshot. Used during boot
// hydration only.
func Restore(s TaskSnapshot) *Task {
	return &Task{
		id:             s.ID,
		conversationID: s.ConversationID,
		mrdID:          s.MrdID,
		queueID:        s.QueueID,
		priority:       ClampPriority(s.Priority),
		routingMode:    s.RoutingMode,
		state:          s.State,
		reason:         s.Reason,
		agentID:        s.AgentID,
		enqueueTime:    s.EnqueueTime,
		startTime:      s.StartTime,
		currentStep:    s.CurrentStep,
	}
}
