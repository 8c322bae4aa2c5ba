// Package metrics holds the Prometheus collectors shared by managers and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels of TasksProcessed.
const (
	OutcomeDone      = "done"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeNack      = "nack"
)

var (
	// TasksProcessed counts worker outcomes by task name.
	// Labels:
	//   - outcome: "done", "error", "cancelled" or "nack"
	//   - name: task name
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_processed_total",
		Help: "The total number of tasks handled by worker loops",
	}, []string{"outcome", "name"})

	// TaskDuration tracks execution time in seconds.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskorch_task_duration_seconds",
		Help:    "Duration of task execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	// QueueLatency tracks the time between task creation and pickup by a worker.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskorch_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"name"})

	// QueueDepth is refreshed periodically from the transport.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskorch_queue_depth",
		Help: "Number of messages in each queue",
	}, []string{"queue"})

	// EventsHandled counts events applied (or dropped) by a task manager.
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_events_handled_total",
		Help: "Lifecycle events received by task managers",
	}, []string{"type", "status"})

	// TasksStarted counts submissions by routing key.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_started_total",
		Help: "Tasks submitted to a task manager",
	}, []string{"queue"})
)
