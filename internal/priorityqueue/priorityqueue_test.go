package priorityqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ccmesh/routing-engine/pkg/models"
)

func newTask(id string, priority int) *models.Task {
	return models.NewTask(id, "conv-"+id, "mrd-chat", "queue-1", priority, models.RoutingModePush)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()
	q.Enqueue(newTask("a", 5))
	q.Enqueue(newTask("b", 5))
	q.Enqueue(newTask("c", 5))

	for _, want := range []string{"a", "b", "c"} {
		got := q.Dequeue()
		if got == nil || got.ID() != want {
			t.Fatalf("expected %s, got %v", want, got)
		}
	}
	if q.Dequeue() != nil {
		t.Fatal("expected empty queue")
	}
}

func TestHigherLaneDequeuesFirst(t *testing.T) {
	q := New()
	q.Enqueue(newTask("low", 1))
	q.Enqueue(newTask("mid", 5))
	q.Enqueue(newTask("high", 11))

	for _, want := range []string{"high", "mid", "low"} {
		got := q.Dequeue()
		if got == nil || got.ID() != want {
			t.Fatalf("expected %s, got %v", want, got)
		}
	}
}

func TestPriorityClamping(t *testing.T) {
	q := New()
	q.Enqueue(newTask("over", 99))  // clamps to 11
	q.Enqueue(newTask("under", -3)) // clamps to 1

	if got := q.Dequeue(); got.ID() != "over" {
		t.Fatalf("expected clamped-high task first, got %s", got.ID())
	}
	if got := q.Dequeue(); got.ID() != "under" {
		t.Fatalf("expected clamped-low task second, got %s", got.ID())
	}
}

func TestPosition(t *testing.T) {
	q := New()
	lane5 := newTask("lane5", 5)
	q.Enqueue(lane5)

	if pos := q.Position(lane5.ID(), lane5.Priority()); pos != 1 {
		t.Fatalf("expected position 1, got %d", pos)
	}

	// A task in a higher lane pushes the lane-5 task back.
	q.Enqueue(newTask("lane7", 7))
	if pos := q.Position(lane5.ID(), lane5.Priority()); pos != 2 {
		t.Fatalf("expected position 2 after higher-lane enqueue, got %d", pos)
	}

	if pos := q.Position("absent", 5); pos != -1 {
		t.Fatalf("expected -1 for absent task, got %d", pos)
	}
}

func TestRemove(t *testing.T) {
	q := New()
	q.Enqueue(newTask("a", 3))
	q.Enqueue(newTask("b", 3))

	if got := q.Remove("a"); got == nil || got.ID() != "a" {
		t.Fatalf("expected to remove a, got %v", got)
	}
	if got := q.Remove("a"); got != nil {
		t.Fatalf("expected second remove to miss, got %s", got.ID())
	}
	if q.Size() != 1 {
		t.Fatalf("expected size 1, got %d", q.Size())
	}
	if got := q.Peek(); got.ID() != "b" {
		t.Fatalf("expected b at head, got %s", got.ID())
	}
}

func TestOldestWaitTime(t *testing.T) {
	q := New()
	if q.OldestWaitTime() != 0 {
		t.Fatal("expected zero wait time for empty queue")
	}
	q.Enqueue(newTask("a", 2))
	if q.OldestWaitTime() < 0 {
		t.Fatal("expected non-negative wait time")
	}
}

func TestConcurrentEnqueueDequeue(t *testing.T) {
	q := New()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(newTask(fmt.Sprintf("t-%d", i), i%models.PriorityMax+1))
		}(i)
	}
	wg.Wait()

	if q.Size() != n {
		t.Fatalf("expected %d queued tasks, got %d", n, q.Size())
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task := q.Dequeue()
				if task == nil {
					return
				}
				mu.Lock()
				if seen[task.ID()] {
					mu.Unlock()
					t.Errorf("task %s dequeued twice", task.ID())
					return
				}
				seen[task.ID()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d unique dequeues, got %d", n, len(seen))
	}
}
