package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the routing engine.
type Metrics struct {
	// Queue metrics
	QueueDepth     *prometheus.GaugeVec
	QueueEWT       *prometheus.GaugeVec
	TasksEnqueued  *prometheus.CounterVec
	TasksRouted    *prometheus.CounterVec
	TasksRerouted  *prometheus.CounterVec
	StepEscalation *prometheus.CounterVec

	// Task metrics
	TaskHandleTime  *prometheus.HistogramVec
	TaskTransitions *prometheus.CounterVec

	// Agent metrics
	AgentState   *prometheus.GaugeVec
	MrdState     *prometheus.GaugeVec
	Reservations *prometheus.CounterVec
	RonaTotal    *prometheus.CounterVec

	// Collaborator metrics
	PersistenceErrors prometheus.Counter
	BusPublishErrors  prometheus.Counter
	EventsPublished   *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// process-wide, so repeated calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "routing_queue_depth",
					Help: "Number of tasks waiting in each precision queue",
				},
				[]string{"queue"},
			),
			QueueEWT: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "routing_queue_ewt_seconds",
					Help: "Estimated wait time at the head of each precision queue",
				},
				[]string{"queue"},
			),
			TasksEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_tasks_enqueued_total",
					Help: "Tasks placed into a precision queue, by queue and priority lane",
				},
				[]string{"queue", "priority"},
			),
			TasksRouted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_tasks_routed_total",
					Help: "Tasks successfully reserved to an agent",
				},
				[]string{"queue"},
			),
			TasksRerouted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_tasks_rerouted_total",
					Help: "Tasks re-enqueued after a failed reservation",
				},
				[]string{"queue"},
			),
			StepEscalation: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_step_escalations_total",
					Help: "Step timeout escalations, by queue and step index",
				},
				[]string{"queue", "step"},
			),
			TaskHandleTime: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "routing_task_handle_seconds",
					Help:    "Handling time of completed tasks",
					Buckets: prometheus.ExponentialBuckets(10, 2, 10),
				},
				[]string{"queue"},
			),
			TaskTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_task_transitions_total",
					Help: "Task lifecycle transitions, by target state",
				},
				[]string{"state"},
			),
			AgentState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "routing_agents",
					Help: "Agents by availability state",
				},
				[]string{"state"},
			),
			MrdState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "routing_agent_mrd_states",
					Help: "Agent media-domain capacity records by state",
				},
				[]string{"mrd", "state"},
			),
			Reservations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_reservations_total",
					Help: "Reservations offered to agents",
				},
				[]string{"mrd"},
			),
			RonaTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_rona_total",
					Help: "Reservations closed as RONA",
				},
				[]string{"queue"},
			),
			PersistenceErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "routing_persistence_errors_total",
					Help: "Best-effort persistence calls that failed",
				},
			),
			BusPublishErrors: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "routing_bus_publish_errors_total",
					Help: "Best-effort bus publications that failed",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "routing_events_published_total",
					Help: "External bus events published, by type",
				},
				[]string{"type"},
			),
		}
	})
	return sharedMetrics
}
