package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventType represents the type of an internal routing event.
type EventType string

const (
	// EventAgentEligible fires when an agent's capacity state on a media
	// domain became eligible to receive work (READY or ACTIVE).
	EventAgentEligible EventType = "agent.eligible"
	// EventTaskEnqueued fires when a task enters a precision queue's
	// waiting area, including reroutes.
	EventTaskEnqueued EventType = "task.enqueued"
	// EventStepTimeout fires when a queued task's per-step timer expires.
	EventStepTimeout EventType = "task.step_timeout"
	// EventAgentStateChanged fires on any agent availability change.
	EventAgentStateChanged EventType = "agent.state_changed"
	// EventTaskStateChanged fires on any task lifecycle change.
	EventTaskStateChanged EventType = "task.state_changed"
)

// Event is one internal routing event. Routers subscribe filtered by the
// media domain their precision queue is bound to, so a capacity change only
// wakes the routers it can affect.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	MrdID     string    `json:"mrd_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	QueueID   string    `json:"queue_id,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives matching events on its channel.
type Subscriber struct {
	ID      string
	Channel chan *Event
	Filter  func(*Event) bool // optional
}

// EventBus provides in-process pub/sub fan-out between the state machines
// and the task routers. Publication is non-blocking: a full buffer or a slow
// subscriber drops events rather than stalling a state transition.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	buffer      chan *Event
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates an event bus and starts its distribution goroutine.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[string]*Subscriber),
		buffer:      make(chan *Event, bufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}
	go eb.processEvents()
	return eb
}

// Publish queues an event for distribution to all matching subscribers.
func (eb *EventBus) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = fmt.Sprintf("%s-%d", event.Type, time.Now().UnixNano())
	}
	select {
	case eb.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer is full")
	}
}

// Subscribe registers a subscriber. Re-subscribing with the same id returns
// the existing subscription.
func (eb *EventBus) Subscribe(subscriberID string, filter func(*Event) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}
	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *Event, 100),
		Filter:  filter,
	}
	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

// Close stops distribution and drops all subscribers.
func (eb *EventBus) Close() {
	eb.cancel()
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for id, sub := range eb.subscribers {
		close(sub.Channel)
		delete(eb.subscribers, id)
	}
}

func (eb *EventBus) processEvents() {
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event, ok := <-eb.buffer:
			if !ok || event == nil {
				return
			}
			eb.distribute(event)
		}
	}
}

func (eb *EventBus) distribute(event *Event) {
	eb.mu.RLock()
	subs := make([]*Subscriber, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		subs = append(subs, sub)
	}
	eb.mu.RUnlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// Subscriber is backed up; drop rather than block.
		}
	}
}

// MrdFilter builds a filter matching events for one media domain.
func MrdFilter(mrdID string) func(*Event) bool {
	return func(e *Event) bool {
		return e.MrdID == mrdID
	}
}
