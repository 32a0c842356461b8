// Package metrics exposes scheduler and delivery counters to Prometheus.
//
// Scheduler:
//   - remindflow_task_triggers_total: executions started
//   - remindflow_task_results_total{result}: success, failure, timeout, discarded
//   - remindflow_task_execution_seconds: trigger to reported result
//   - remindflow_task_conflicts_total: ticks skipped because a run was in flight
//   - remindflow_task_persist_failures_total: transitions rolled back
//   - remindflow_tasks_queued / remindflow_tasks_in_flight
//
// Delivery:
//   - remindflow_delivery_attempts_total{channel,outcome}: sent, retry, failed
//   - remindflow_notifications_total{status}: terminal notification statuses
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "remindflow"

// Collector holds the registered metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	triggers        prometheus.Counter
	results         *prometheus.CounterVec
	latency         prometheus.Histogram
	conflicts       prometheus.Counter
	persistFailures prometheus.Counter
	queued          prometheus.Gauge
	inFlight        prometheus.Gauge

	deliveries    *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_triggers_total",
			Help:      "Schedule task executions started",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Schedule task execution results by outcome",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Time from trigger to reported result",
			Buckets:   prometheus.DefBuckets,
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_conflicts_total",
			Help:      "Fires skipped because the previous execution was still in flight",
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_persist_failures_total",
			Help:      "Task transitions rolled back after a repository failure",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Entries in the in-memory fire queue",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Executions awaiting a result",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Channel delivery attempts by outcome",
		}, []string{"channel", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications that reached a final status",
		}, []string{"status"}),
	}
	reg.MustRegister(
		c.triggers, c.results, c.latency, c.conflicts, c.persistFailures,
		c.queued, c.inFlight, c.deliveries, c.notifications,
	)
	return c
}

func (c *Collector) RecordTrigger() {
	if c == nil {
		return
	}
	c.triggers.Inc()
	c.inFlight.Inc()
}

// RecordResult closes an execution started by RecordTrigger.
func (c *Collector) RecordResult(result string, seconds float64) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.results.WithLabelValues(result).Inc()
	c.latency.Observe(seconds)
}

func (c *Collector) RecordConflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

func (c *Collector) RecordPersistFailure() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

func (c *Collector) SetQueued(n int) {
	if c == nil {
		return
	}
	c.queued.Set(float64(n))
}

func (c *Collector) RecordDelivery(channel, outcome string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (c *Collector) RecordNotification(status string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(status).Inc()
}
