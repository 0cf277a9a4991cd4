// Package metrics holds the Prometheus collectors of a task manager node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskmgr"

type Metrics struct {
	TasksSubmitted    prometheus.Counter
	TasksFinished     *prometheus.CounterVec
	TasksRunning      prometheus.Gauge
	TaskDuration      *prometheus.HistogramVec
	MessagesDropped   *prometheus.CounterVec
	AppendConflicts   prometheus.Counter
	BroadcastFailures prometheus.Counter
}

// New creates the collectors and registers them in reg. A nil reg leaves them
// unregistered, which is handy in tests running several nodes in one process.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted through this node.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks executed by this node, by terminal status.",
		}, []string{"status"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently executed by this node.",
		}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task bodies executed by this node.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Broker messages discarded as unreadable, by reason.",
		}, []string{"reason"}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_append_conflicts_total",
			Help:      "Optimistic concurrency conflicts on event append.",
		}),
		BroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Events which could not be announced to the cluster.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TasksSubmitted,
			m.TasksFinished,
			m.TasksRunning,
			m.TaskDuration,
			m.MessagesDropped,
			m.AppendConflicts,
			m.BroadcastFailures,
		)
	}
	return m
}
