package precisionqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/ccmesh/routing-engine/pkg/models"
)

func chatQueueConfig() models.QueueConfig {
	return models.QueueConfig{
		ID:    "queue-chat",
		Name:  "chat support",
		MrdID: "mrd-chat",
		Steps: []models.StepConfig{
			{
				ID:      "step-0",
				Timeout: 30 * time.Second,
				Expressions: []models.Expression{{Terms: []models.Term{
					{AttributeID: "english", Relation: models.RelGreaterOrEqual, Value: 5},
				}}},
			},
			{
				ID:      "step-1",
				Timeout: 30 * time.Second,
				Expressions: []models.Expression{{Terms: []models.Term{
					{AttributeID: "english", Relation: models.RelGreaterOrEqual, Value: 1},
				}}},
			},
		},
	}
}

func TestEvaluateAgentMaintainsStepMembership(t *testing.T) {
	pq := New(chatQueueConfig())

	agent := models.NewAgent("agent-1", "Alex")
	agent.SetAttribute("english", 3)

	pq.EvaluateAgent(agent)
	if pq.Steps()[0].Contains("agent-1") {
		t.Fatal("agent should not match step 0 with english=3")
	}
	if !pq.Steps()[1].Contains("agent-1") {
		t.Fatal("agent should match step 1 with english=3")
	}

	// Proficiency raised: first step now matches too.
	agent.SetAttribute("english", 8)
	pq.EvaluateAgent(agent)
	if !pq.Steps()[0].Contains("agent-1") {
		t.Fatal("agent should match step 0 after update")
	}

	pq.RemoveAgent("agent-1")
	for i, s := range pq.Steps() {
		if s.Contains("agent-1") {
			t.Fatalf("step %d still contains removed agent", i)
		}
	}
}

func TestStepSnapshotIsolation(t *testing.T) {
	pq := New(chatQueueConfig())
	step := pq.Steps()[1]

	// Concurrent reevaluations against reads must never expose a partially
	// mutated set. Readers either see an agent or they don't.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := models.NewAgent(string(rune('a'+i)), "n")
			a.SetAttribute("english", 5)
			for j := 0; j < 50; j++ {
				step.Reevaluate(a)
				step.Remove(a.ID())
			}
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, a := range step.AssociatedAgents() {
				if a == nil {
					t.Error("observed nil agent in snapshot")
					return
				}
			}
		}
	}()
	wg.Wait()
	<-done
}

func TestNextStep(t *testing.T) {
	pq := New(chatQueueConfig())

	step, ok := pq.NextStep(0)
	if !ok || step.Index() != 1 {
		t.Fatalf("expected step 1, got ok=%v", ok)
	}
	if _, ok := pq.NextStep(1); ok {
		t.Fatal("expected no step past the last")
	}
	if pq.LastStepIndex() != 1 {
		t.Fatalf("expected last step index 1, got %d", pq.LastStepIndex())
	}
}

func TestRecordHandleTimeRollingAverage(t *testing.T) {
	pq := New(chatQueueConfig())

	pq.RecordHandleTime(120)
	if got := pq.AvgHandleTime(); got != 120 {
		t.Fatalf("expected average 120, got %v", got)
	}
	pq.RecordHandleTime(60)
	if got := pq.AvgHandleTime(); got != 90 {
		t.Fatalf("expected average 90, got %v", got)
	}
	if pq.CompletedCount() != 2 {
		t.Fatalf("expected 2 completions, got %d", pq.CompletedCount())
	}
}

func TestEndTaskWrongQueueIsNotEnded(t *testing.T) {
	pq := New(chatQueueConfig())
	stray := models.NewTask("t-1", "conv-1", "mrd-chat", "some-other-queue", 5, models.RoutingModePush)

	if pq.EndTask(stray) {
		t.Fatal("expected end of foreign task to report not ended")
	}
}

func TestEndTaskRemovesFromQueue(t *testing.T) {
	pq := New(chatQueueConfig())
	task := models.NewTask("t-1", "conv-1", "mrd-chat", pq.ID(), 5, models.RoutingModePush)
	pq.Enqueue(task)

	if !pq.EndTask(task) {
		t.Fatal("expected task to end")
	}
	if pq.Tasks().Size() != 0 {
		t.Fatal("expected task removed from waiting area")
	}
}

func TestEWT(t *testing.T) {
	pq := New(chatQueueConfig())
	pq.RecordHandleTime(120)

	agent := models.NewAgent("agent-1", "Alex")
	agent.SetAttribute("english", 8)
	pq.EvaluateAgent(agent)

	// One associated agent at step 0: position 2 waits ~2 * 120s.
	if got := pq.EWT(2, 0); got != 240*time.Second {
		t.Fatalf("expected 240s, got %v", got)
	}
	if got := pq.EWT(0, 0); got != 0 {
		t.Fatalf("expected zero EWT at position 0, got %v", got)
	}
}
