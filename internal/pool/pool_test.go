package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ccmesh/routing-engine/internal/precisionqueue"
	"github.com/ccmesh/routing-engine/pkg/models"
)

func chatQueue(id string) *precisionqueue.PrecisionQueue {
	return precisionqueue.New(models.QueueConfig{
		ID:    id,
		Name:  id,
		MrdID: "mrd-chat",
		Steps: []models.StepConfig{{
			ID: "s1",
			Expressions: []models.Expression{{
				Terms: []models.Term{{AttributeID: "english", Relation: models.RelGreaterOrEqual, Value: 1}},
			}},
			Timeout: time.Minute,
		}},
	})
}

func TestAgentsGetDelete(t *testing.T) {
	reg := NewAgents()
	reg.Add(models.NewAgent("a1", "Ada"))

	got, err := reg.Get("a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "Ada" {
		t.Errorf("unexpected agent %q", got.Name())
	}

	if _, err := reg.Get("a2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	reg.Delete("a1")
	if _, err := reg.Get("a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestQueuesByMrd(t *testing.T) {
	reg := NewQueues()
	reg.Add(chatQueue("q1"))
	reg.Add(chatQueue("q2"))
	reg.Add(precisionqueue.New(models.QueueConfig{ID: "q3", MrdID: "mrd-voice"}))

	chat := reg.ByMrd("mrd-chat")
	if len(chat) != 2 {
		t.Fatalf("expected 2 chat queues, got %d", len(chat))
	}
	if len(reg.ByMrd("mrd-email")) != 0 {
		t.Error("expected no email queues")
	}
}

func TestTasksIndexes(t *testing.T) {
	reg := NewTasks()
	t1 := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	t1.Assign("agent-1")
	t2 := models.NewTask("t2", "conv-1", "mrd-chat", "q1", 3, models.RoutingModePush)
	t3 := models.NewTask("t3", "conv-2", "mrd-chat", "q1", 3, models.RoutingModePush)
	t3.SetState(models.TaskActive, models.ReasonNone)
	for _, task := range []*models.Task{t1, t2, t3} {
		reg.Add(task)
	}

	if got := reg.ByAgent("agent-1"); len(got) != 1 || got[0].ID() != "t1" {
		t.Errorf("ByAgent returned %d tasks", len(got))
	}
	if got := reg.ByConversation("conv-1"); len(got) != 2 {
		t.Errorf("ByConversation returned %d tasks", len(got))
	}
	if got := reg.ByState(models.TaskQueued); len(got) != 2 {
		t.Errorf("ByState(QUEUED) returned %d tasks", len(got))
	}
	if got := reg.ByState(models.TaskActive); len(got) != 1 || got[0].ID() != "t3" {
		t.Errorf("ByState(ACTIVE) returned %d tasks", len(got))
	}
}

func TestAgentsConcurrentAccess(t *testing.T) {
	reg := NewAgents()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", n)
			reg.Add(models.NewAgent(id, id))
			if _, err := reg.Get(id); err != nil {
				t.Errorf("Get(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if reg.Size() != 50 {
		t.Errorf("expected 50 agents, got %d", reg.Size())
	}
}
