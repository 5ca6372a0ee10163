// Package metrics records runtime counters with Prometheus. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the process (or sandbox) collectors.
type Recorder struct {
	eventsPublished    *prometheus.CounterVec
	subscriberFailures *prometheus.CounterVec
	taskRuns           *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	tasksSkipped       *prometheus.CounterVec
	verdicts           *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	simulationRuns     *prometheus.CounterVec
}

// New registers the collectors with reg. Live processes pass
// prometheus.DefaultRegisterer; each simulation sandbox passes its own
// prometheus.NewRegistry() so runs never share counters.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		eventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_events_published_total",
				Help: "Events appended to the audit log and dispatched",
			},
			[]string{"type"},
		),
		subscriberFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_subscriber_failures_total",
				Help: "Subscriber handler errors and panics",
			},
			[]string{"subscriber"},
		),
		taskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_task_runs_total",
				Help: "Completed task handler invocations",
			},
			[]string{"handler", "status"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawquant_task_duration_seconds",
				Help:    "Duration of task handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		tasksSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_tasks_skipped_total",
				Help: "Due tasks not started on a tick",
			},
			[]string{"reason"},
		),
		verdicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_risk_verdicts_total",
				Help: "Risk verdicts by status",
			},
			[]string{"status"},
		),
		notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_notifications_total",
				Help: "Notification deliveries by output and result",
			},
			[]string{"output", "result"},
		),
		simulationRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawquant_simulation_runs_total",
				Help: "Finished simulation runs by status",
			},
			[]string{"status"},
		),
	}
}

// EventPublished records a published event.
func (r *Recorder) EventPublished(eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(eventType).Inc()
}

// SubscriberFailed records a failing subscriber delivery.
func (r *Recorder) SubscriberFailed(subscriber string) {
	if r == nil {
		return
	}
	r.subscriberFailures.WithLabelValues(subscriber).Inc()
}

// TaskRun records a finished handler invocation.
func (r *Recorder) TaskRun(handler, status string, seconds float64) {
	if r == nil {
		return
	}
	r.taskRuns.WithLabelValues(handler, status).Inc()
	r.taskDuration.WithLabelValues(handler).Observe(seconds)
}

// TaskSkipped records a due task that was not started.
func (r *Recorder) TaskSkipped(reason string) {
	if r == nil {
		return
	}
	r.tasksSkipped.WithLabelValues(reason).Inc()
}

// Verdict records a risk verdict.
func (r *Recorder) Verdict(status string) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(status).Inc()
}

// Notification records a delivery attempt on an output.
func (r *Recorder) Notification(output, result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(output, result).Inc()
}

// SimulationRun records a finished simulation.
func (r *Recorder) SimulationRun(status string) {
	if r == nil {
		return
	}
	r.simulationRuns.WithLabelValues(status).Inc()
}
