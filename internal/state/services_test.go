package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccmesh/routing-engine/internal/locks"
	"github.com/ccmesh/routing-engine/internal/metrics"
	"github.com/ccmesh/routing-engine/internal/pool"
	"github.com/ccmesh/routing-engine/internal/precisionqueue"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// fixture builds a pool with one managed chat domain, one queue whose single
// step admits any agent with english >= 1, and one logged-out agent holding
// that skill.
func fixture(t *testing.T, maxTasks int) (*pool.Pools, *models.Agent, *precisionqueue.PrecisionQueue) {
	t.Helper()

	pools := pool.NewPools()
	pools.MediaDomains.Add(&models.MediaDomain{
		ID:          "mrd-chat",
		Name:        "Chat",
		Managed:     true,
		MaxRequests: maxTasks,
	})

	queue := precisionqueue.New(models.QueueConfig{
		ID:    "q1",
		Name:  "support",
		MrdID: "mrd-chat",
		Steps: []models.StepConfig{{
			ID: "s1",
			Expressions: []models.Expression{{
				Terms: []models.Term{{AttributeID: "english", Relation: models.RelGreaterOrEqual, Value: 1}},
			}},
			Timeout: time.Minute,
		}},
	})
	pools.Queues.Add(queue)

	agent := models.NewAgent("agent-1", "Ada")
	agent.SetAttribute("english", 5)
	agent.AddMrd("mrd-chat", maxTasks)
	pools.Agents.Add(agent)
	queue.EvaluateAgent(agent)

	return pools, agent, queue
}

func newServices(pools *pool.Pools, requestTTL time.Duration) (*AgentService, *TaskService, *CapacityService) {
	capacity := NewCapacityService(pools, nil, nil, nil, nil, nil)
	agents := NewAgentService(pools, capacity, nil, nil, nil, nil, nil)
	tasks := NewTaskService(pools, nil, nil, nil, capacity, locks.New(), nil, requestTTL)
	agents.SetRerouter(tasks)
	return agents, tasks, capacity
}

func TestAgentLoginCascadesToNotReady(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, _, _ := newServices(pools, 0)

	_, changed, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.AgentLogin, agent.State())

	rec, ok := agent.Mrd("mrd-chat")
	require.True(t, ok)
	assert.Equal(t, models.MrdNotReady, rec.State)
}

func TestAgentSameStateIsNoOp(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	agents, _, _ := newServices(pools, 0)

	_, changed, err := agents.ChangeState("agent-1", models.AgentLogout)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAgentIllegalTransitionRejected(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, _, _ := newServices(pools, 0)

	_, changed, err := agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.AgentLogout, agent.State())
}

func TestAgentReadyCascadesCapacity(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, _, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, changed, err := agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, _ := agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdReady, rec.State)
}

func TestAgentUnknownIsError(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	agents, _, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("nobody", models.AgentLogin)
	assert.ErrorIs(t, err, pool.ErrNotFound)
}

func TestLogoutClosesAndReroutesHeldTasks(t *testing.T) {
	pools, agent, queue := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	require.True(t, queue.Tasks().Remove("t1") != nil)
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	_, changed, err := tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = agents.ChangeState("agent-1", models.AgentLogout)
	require.NoError(t, err)
	assert.True(t, changed)

	// The original record must leave the registry and the agent entirely;
	// a lingering active entry would occupy a capacity slot forever.
	_, err = pools.Tasks.Get("t1")
	assert.ErrorIs(t, err, pool.ErrNotFound)
	assert.Equal(t, 0, agent.ActivePushCount("mrd-chat"))
	assert.Empty(t, agent.HeldTasks())

	// The work survives as a fresh queued record in the escalation lane.
	remaining := pools.Tasks.ByConversation("conv-1")
	require.Len(t, remaining, 1)
	fresh := remaining[0]
	assert.NotEqual(t, "t1", fresh.ID())
	assert.Equal(t, models.TaskQueued, fresh.State())
	assert.Equal(t, models.PriorityMax, fresh.Priority())
	assert.Equal(t, 1, queue.Tasks().Size())

	rec, _ := agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdLogout, rec.State)
}

func TestTaskSameStateIsNoOp(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	_, tasks, _ := newServices(pools, 0)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)

	snap, changed, err := tasks.ChangeState("t1", models.TaskQueued, models.ReasonNone)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.TaskQueued, snap.State)
}

func TestTaskActiveRequiresAgent(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	_, tasks, _ := newServices(pools, 0)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)

	snap, changed, err := tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.TaskQueued, snap.State)
}

func TestTaskActiveConsumesReservationAndFillsCapacity(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	task.SetState(models.TaskReserved, models.ReasonNone)

	snap, changed, err := tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.TaskActive, snap.State)
	assert.False(t, snap.StartTime.IsZero())

	reserved, _ := agent.ReservedTask()
	assert.Empty(t, reserved)
	assert.Equal(t, 1, agent.ActivePushCount("mrd-chat"))

	// MaxTasks is 1, so one active task saturates the domain.
	rec, _ := agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdBusy, rec.State)
}

func TestTaskWrapUpOnlyFromActive(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)

	_, changed, err := tasks.ChangeState("t1", models.TaskWrapUp, models.ReasonNone)
	require.NoError(t, err)
	assert.False(t, changed)

	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	_, _, err = tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)

	snap, changed, err := tasks.ChangeState("t1", models.TaskWrapUp, models.ReasonDone)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.TaskWrapUp, snap.State)
}

func TestTaskCloseDetachesAndFreesCapacity(t *testing.T) {
	pools, agent, _ := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	_, _, err = tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)

	snap, changed, err := tasks.ChangeState("t1", models.TaskClosed, models.ReasonDone)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.TaskClosed, snap.State)

	_, err = pools.Tasks.Get("t1")
	assert.ErrorIs(t, err, pool.ErrNotFound)
	assert.Equal(t, 0, agent.ActivePushCount("mrd-chat"))

	rec, _ := agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdReady, rec.State)
}

func TestRonaCloseReroutesAsFreshTask(t *testing.T) {
	pools, agent, queue := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	require.NotNil(t, queue.Tasks().Remove("t1"))
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	task.SetState(models.TaskReserved, models.ReasonNone)

	_, changed, err := tasks.ChangeState("t1", models.TaskClosed, models.ReasonRona)
	require.NoError(t, err)
	assert.True(t, changed)

	// Original record is gone and the reservation released.
	_, err = pools.Tasks.Get("t1")
	assert.ErrorIs(t, err, pool.ErrNotFound)
	reserved, _ := agent.ReservedTask()
	assert.Empty(t, reserved)

	// One fresh record for the same conversation waits in the escalation
	// lane, under a new id.
	remaining := pools.Tasks.ByConversation("conv-1")
	require.Len(t, remaining, 1)
	fresh := remaining[0]
	assert.NotEqual(t, "t1", fresh.ID())
	assert.Equal(t, models.TaskQueued, fresh.State())
	assert.Equal(t, models.PriorityMax, fresh.Priority())
	assert.Equal(t, "q1", fresh.QueueID())
	assert.Equal(t, 1, queue.Tasks().Size())
}

func TestRequestTimeoutAbandonsQueuedTask(t *testing.T) {
	pools, _, queue := fixture(t, 1)
	_, tasks, _ := newServices(pools, 20*time.Millisecond)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	tasks.StartRequestTimeout("conv-1")

	assert.Eventually(t, func() bool {
		_, err := pools.Tasks.Get("t1")
		return err != nil && queue.Tasks().Size() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ReasonNoAgent, task.Reason())
}

func TestRequestTimeoutClearedByActivation(t *testing.T) {
	pools, agent, queue := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 30*time.Millisecond)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	tasks.StartRequestTimeout("conv-1")

	require.NotNil(t, queue.Tasks().Remove("t1"))
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	_, changed, err := tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)
	require.True(t, changed)

	time.Sleep(80 * time.Millisecond)
	got, err := pools.Tasks.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskActive, got.State())
}

func TestRequestTimeoutAbandonsReroutedTask(t *testing.T) {
	pools, agent, queue := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 40*time.Millisecond)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	tasks.StartRequestTimeout("conv-1")

	require.NotNil(t, queue.Tasks().Remove("t1"))
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	task.SetState(models.TaskReserved, models.ReasonNone)

	// RONA replaces the record under a fresh id. The timer keys on the
	// conversation, so the replacement is still abandoned when it fires.
	_, changed, err := tasks.ChangeState("t1", models.TaskClosed, models.ReasonRona)
	require.NoError(t, err)
	require.True(t, changed)

	remaining := pools.Tasks.ByConversation("conv-1")
	require.Len(t, remaining, 1)
	fresh := remaining[0]

	assert.Eventually(t, func() bool {
		return len(pools.Tasks.ByConversation("conv-1")) == 0 && queue.Tasks().Size() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ReasonNoAgent, fresh.Reason())
}

func TestPendingNotReadyResolvesWhenTaskCloses(t *testing.T) {
	pools, agent, queue := fixture(t, 1)
	agents, tasks, _ := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	task := models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	tasks.Enqueue("q1", task)
	require.NotNil(t, queue.Tasks().Remove("t1"))
	require.True(t, agent.Reserve("t1", "mrd-chat"))
	task.Assign("agent-1")
	_, _, err = tasks.ChangeState("t1", models.TaskActive, models.ReasonNone)
	require.NoError(t, err)

	// The in-flight push task makes not-ready linger.
	_, changed, err := agents.ChangeState("agent-1", models.AgentNotReady)
	require.NoError(t, err)
	assert.True(t, changed)
	rec, _ := agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdPendingNotReady, rec.State)

	// Closing the last task resolves the lingering state.
	_, changed, err = tasks.ChangeState("t1", models.TaskClosed, models.ReasonDone)
	require.NoError(t, err)
	assert.True(t, changed)
	rec, _ = agent.Mrd("mrd-chat")
	assert.Equal(t, models.MrdNotReady, rec.State)
}

func TestCapacityTransitionsSerializePerAgent(t *testing.T) {
	pools, agent, _ := fixture(t, 2)
	agents, _, capacity := newServices(pools, 0)

	_, _, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = agents.ChangeState("agent-1", models.AgentReady)
	require.NoError(t, err)

	require.True(t, agent.AddActiveTask("mrd-chat", "t-held"))
	capacity.RecomputeLoad(agent, "mrd-chat")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			capacity.ApplyTransition(agent, "mrd-chat", models.MrdNotReady)
			capacity.RecomputeLoad(agent, "mrd-chat")
		}()
	}
	wg.Wait()

	// One push task is in flight the whole time, so no serialized order of
	// these transitions can reach NOT_READY or READY. Either would mean a
	// write computed from a stale snapshot of the record.
	rec, _ := agent.Mrd("mrd-chat")
	assert.NotEqual(t, models.MrdNotReady, rec.State)
	assert.NotEqual(t, models.MrdReady, rec.State)
}

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) SaveAgentPresence(string, models.AgentState) error { return errStoreDown }

func (failingStore) SaveAgentMediaStates(string, []models.MrdStateEntry) error {
	return errStoreDown
}

func (failingStore) SaveTask(models.TaskSnapshot) error { return errStoreDown }

func (failingStore) DeleteTask(string) error { return errStoreDown }

func TestStateChangesMoveMetricGauges(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	m := metrics.NewMetrics()
	capacity := NewCapacityService(pools, nil, nil, nil, nil, m)
	agents := NewAgentService(pools, capacity, nil, nil, nil, nil, m)

	loginBefore := testutil.ToFloat64(m.AgentState.WithLabelValues(string(models.AgentLogin)))
	logoutBefore := testutil.ToFloat64(m.AgentState.WithLabelValues(string(models.AgentLogout)))
	notReadyBefore := testutil.ToFloat64(m.MrdState.WithLabelValues("mrd-chat", string(models.MrdNotReady)))

	_, changed, err := agents.ChangeState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, loginBefore+1, testutil.ToFloat64(m.AgentState.WithLabelValues(string(models.AgentLogin))))
	assert.Equal(t, logoutBefore-1, testutil.ToFloat64(m.AgentState.WithLabelValues(string(models.AgentLogout))))
	assert.Equal(t, notReadyBefore+1, testutil.ToFloat64(m.MrdState.WithLabelValues("mrd-chat", string(models.MrdNotReady))))
}

func TestPersistenceFailuresAreCounted(t *testing.T) {
	pools, _, _ := fixture(t, 1)
	m := metrics.NewMetrics()
	capacity := NewCapacityService(pools, nil, failingStore{}, nil, nil, m)
	tasks := NewTaskService(pools, nil, failingStore{}, nil, capacity, locks.New(), m, 0)

	before := testutil.ToFloat64(m.PersistenceErrors)
	tasks.Enqueue("q1", models.NewTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush))
	assert.Equal(t, before+1, testutil.ToFloat64(m.PersistenceErrors))
}
