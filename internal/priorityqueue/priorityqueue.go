package priorityqueue

import (
	"sync"
	"time"

	"github.com/ccmesh/routing-engine/pkg/models"
)

// lane is one FIFO holding area for a single priority level. Each lane has
// its own lock so enqueue/dequeue on different priorities never contend.
type lane struct {
	mu    sync.Mutex
	tasks []*models.Task
}

func (l *lane) push(t *models.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *lane) pop() *models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil
	}
	t := l.tasks[0]
	l.tasks = l.tasks[1:]
	return t
}

func (l *lane) head() *models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil
	}
	return l.tasks[0]
}

func (l *lane) remove(taskID string) *models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.tasks {
		if t.ID() == taskID {
			l.tasks = append(l.tasks[:i], l.tasks[i+1:]...)
			return t
		}
	}
	return nil
}

func (l *lane) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// indexOf returns the 0-based position of a task within the lane, or -1.
func (l *lane) indexOf(taskID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.tasks {
		if t.ID() == taskID {
			return i
		}
	}
	return -1
}

func (l *lane) snapshot() []*models.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.Task(nil), l.tasks...)
}

// Queue is an 11-lane priority queue of waiting tasks. Higher lanes dequeue
// first; within one lane ordering is strict FIFO. There is no queue-wide
// lock: cross-lane reads (size, position) are eventually consistent under
// concurrent mutation, per-lane ordering is exact.
type Queue struct {
	lanes [models.PriorityMax]*lane
}

// New creates an empty priority queue.
func New() *Queue {
	q := &Queue{}
	for i := range q.lanes {
		q.lanes[i] = &lane{}
	}
	return q
}

func (q *Queue) laneFor(priority int) *lane {
	return q.lanes[models.ClampPriority(priority)-1]
}

// Enqueue appends the task to the lane for its clamped priority.
func (q *Queue) Enqueue(t *models.Task) {
	q.laneFor(t.Priority()).push(t)
}

// Dequeue removes and returns the head of the highest non-empty lane, or nil
// if every lane is empty.
func (q *Queue) Dequeue() *models.Task {
	for i := models.PriorityMax - 1; i >= 0; i-- {
		if t := q.lanes[i].pop(); t != nil {
			return t
		}
	}
	return nil
}

// Peek returns the head of the highest non-empty lane without removing it.
func (q *Queue) Peek() *models.Task {
	for i := models.PriorityMax - 1; i >= 0; i-- {
		if t := q.lanes[i].head(); t != nil {
			return t
		}
	}
	return nil
}

// Remove takes a task out of whichever lane holds it. Returns the removed
// task, or nil if the id is not queued.
func (q *Queue) Remove(taskID string) *models.Task {
	for i := models.PriorityMax - 1; i >= 0; i-- {
		if t := q.lanes[i].remove(taskID); t != nil {
			return t
		}
	}
	return nil
}

// Find returns a queued task by id without removing it.
func (q *Queue) Find(taskID string) *models.Task {
	for i := models.PriorityMax - 1; i >= 0; i-- {
		for _, t := range q.lanes[i].snapshot() {
			if t.ID() == taskID {
				return t
			}
		}
	}
	return nil
}

// Position returns the task's 1-based service position: tasks ahead of it in
// its own lane plus everything in higher lanes. Returns -1 if the task is
// not queued.
func (q *Queue) Position(taskID string, priority int) int {
	p := models.ClampPriority(priority)
	idx := q.laneFor(p).indexOf(taskID)
	if idx < 0 {
		return -1
	}
	pos := idx + 1
	for i := p; i < models.PriorityMax; i++ {
		pos += q.lanes[i].size()
	}
	return pos
}

// OldestWaitTime returns the longest time any queued task has been waiting,
// taken over the heads of all lanes. Zero when the queue is empty.
func (q *Queue) OldestWaitTime() time.Duration {
	var oldest time.Duration
	for i := range q.lanes {
		if t := q.lanes[i].head(); t != nil {
			if w := time.Since(t.EnqueueTime()); w > oldest {
				oldest = w
			}
		}
	}
	return oldest
}

// Size returns the total number of queued tasks across all lanes.
func (q *Queue) Size() int {
	n := 0
	for i := range q.lanes {
		n += q.lanes[i].size()
	}
	return n
}

// Tasks returns a snapshot of all queued tasks, highest lane first, FIFO
// within each lane.
func (q *Queue) Tasks() []*models.Task {
	var out []*models.Task
	for i := models.PriorityMax - 1; i >= 0; i-- {
		out = append(out, q.lanes[i].snapshot()...)
	}
	return out
}
