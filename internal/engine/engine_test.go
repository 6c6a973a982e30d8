package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccmesh/routing-engine/internal/state"
	"github.com/ccmesh/routing-engine/pkg/config"
	"github.com/ccmesh/routing-engine/pkg/models"
)

// newTestEngine wires the in-process core without postgres, redis, or NATS.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(config.DefaultConfig())
	e.capacity = state.NewCapacityService(e.pools, e.bus, nil, nil, nil, nil)
	e.agents = state.NewAgentService(e.pools, e.capacity, e.bus, nil, nil, nil, nil)
	e.tasks = state.NewTaskService(e.pools, e.bus, nil, nil, e.capacity, e.conv, e.metrics, 0)
	e.agents.SetRerouter(e.tasks)
	t.Cleanup(e.Shutdown)

	e.pools.MediaDomains.Add(&models.MediaDomain{ID: "mrd-chat", Name: "Chat", Managed: true, MaxRequests: 2})
	e.installQueue(models.QueueConfig{
		ID:    "q1",
		Name:  "support",
		MrdID: "mrd-chat",
		Steps: []models.StepConfig{{
			ID: "s1",
			Expressions: []models.Expression{{
				Terms: []models.Term{{AttributeID: "english", Relation: models.RelGreaterOrEqual, Value: 1}},
			}},
		}},
	})
	return e
}

func TestCreateTaskValidatesQueue(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.CreateTask("", "conv-1", "mrd-chat", "missing", 5, models.RoutingModePush)
	assert.Error(t, err)

	_, err = e.CreateTask("", "conv-1", "mrd-voice", "q1", 5, models.RoutingModePush)
	assert.Error(t, err)
}

func TestCreateTaskFillsID(t *testing.T) {
	e := newTestEngine(t)

	snap, err := e.CreateTask("", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, models.TaskQueued, snap.State)

	got, err := e.Task(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
}

func TestPositionsReportQueuedTasks(t *testing.T) {
	e := newTestEngine(t)

	first, err := e.CreateTask("t1", "conv-1", "mrd-chat", "q1", 5, models.RoutingModePush)
	require.NoError(t, err)
	_, err = e.CreateTask("t2", "conv-2", "mrd-chat", "q1", 5, models.RoutingModePush)
	require.NoError(t, err)

	positions := e.Positions("conv-1")
	require.Len(t, positions, 1)
	assert.Equal(t, first.ID, positions[0].TaskID)
	assert.Equal(t, 1, positions[0].Position)

	behind := e.Positions("conv-2")
	require.Len(t, behind, 1)
	assert.Equal(t, 2, behind[0].Position)
}

func TestRestoreTaskPreservesEnqueueOrder(t *testing.T) {
	e := newTestEngine(t)

	older := models.TaskSnapshot{
		ID:             "t-old",
		ConversationID: "conv-a",
		MrdID:          "mrd-chat",
		QueueID:        "q1",
		Priority:       5,
		RoutingMode:    models.RoutingModePush,
		State:          models.TaskQueued,
		EnqueueTime:    time.Now().Add(-time.Hour),
	}
	newer := older
	newer.ID = "t-new"
	newer.ConversationID = "conv-b"
	newer.EnqueueTime = time.Now()

	e.restoreTask(older)
	e.restoreTask(newer)

	queue, err := e.pools.Queues.Get("q1")
	require.NoError(t, err)
	head := queue.Tasks().Peek()
	require.NotNil(t, head)
	assert.Equal(t, "t-old", head.ID())
	assert.True(t, head.EnqueueTime().Before(time.Now().Add(-time.Minute)))
}

func TestChangeAgentStateUnknownAgent(t *testing.T) {
	e := newTestEngine(t)

	_, _, err := e.ChangeAgentState("nobody", models.AgentLogin)
	assert.Error(t, err)
}

func TestChangeAgentMediaStateExternalDrive(t *testing.T) {
	e := newTestEngine(t)

	agent := models.NewAgent("agent-1", "Ada")
	agent.SetAttribute("english", 3)
	agent.AddMrd("mrd-chat", 2)
	e.pools.Agents.Add(agent)

	_, _, err := e.ChangeAgentState("agent-1", models.AgentLogin)
	require.NoError(t, err)
	_, _, err = e.ChangeAgentState("agent-1", models.AgentReady)
	require.NoError(t, err)

	next, changed, err := e.ChangeAgentMediaState("agent-1", "mrd-chat", models.MrdBusy)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.MrdBusy, next)
}
