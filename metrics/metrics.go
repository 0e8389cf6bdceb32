// Package metrics exposes Prometheus collectors for the runtime. A nil
// *Metrics is valid everywhere and records nothing, so components never need
// to guard their instrumentation calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the runtime's collectors.
type Metrics struct {
	commandsProcessed *prometheus.CounterVec
	commandDuration   *prometheus.HistogramVec
	eventsRead        *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
	actionsFinished   *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	delaysFired       prometheus.Counter
	eventsTruncated   prometheus.Counter
	committedOffset   *prometheus.GaugeVec
	inflightEvents    *prometheus.GaugeVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxbow_commands_processed_total",
			Help: "Commands processed, labelled by workflow type and outcome.",
		}, []string{"workflow_type", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oxbow_command_duration_seconds",
			Help:    "Command processing transaction duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_type"}),
		eventsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxbow_events_read_total",
			Help: "Events yielded by readers, labelled by reader name.",
		}, []string{"reader"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxbow_events_published_total",
			Help: "Events published to the broker by the outbox.",
		}, []string{"workflow_type"}),
		actionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oxbow_actions_finished_total",
			Help: "Action executions by final status of the attempt.",
		}, []string{"workflow_type", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oxbow_action_duration_seconds",
			Help:    "Action attempt duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_type"}),
		delaysFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxbow_delays_fired_total",
			Help: "Delay schedules fired.",
		}),
		eventsTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oxbow_events_truncated_total",
			Help: "Event rows removed by the truncation service.",
		}),
		committedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oxbow_committed_offset",
			Help: "Last committed global sequence per reader.",
		}, []string{"reader"}),
		inflightEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oxbow_inflight_events",
			Help: "Events currently being processed per runner.",
		}, []string{"runner"}),
	}
	reg.MustRegister(
		m.commandsProcessed, m.commandDuration, m.eventsRead, m.eventsPublished,
		m.actionsFinished, m.actionDuration, m.delaysFired, m.eventsTruncated,
		m.committedOffset, m.inflightEvents,
	)
	return m
}

func (m *Metrics) CommandProcessed(workflowType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.commandsProcessed.WithLabelValues(workflowType, outcome).Inc()
	m.commandDuration.WithLabelValues(workflowType).Observe(took.Seconds())
}

func (m *Metrics) EventsRead(reader string, n int) {
	if m == nil {
		return
	}
	m.eventsRead.WithLabelValues(reader).Add(float64(n))
}

func (m *Metrics) EventPublished(workflowType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) ActionFinished(workflowType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.actionsFinished.WithLabelValues(workflowType, status).Inc()
	m.actionDuration.WithLabelValues(workflowType).Observe(took.Seconds())
}

func (m *Metrics) DelayFired() {
	if m == nil {
		return
	}
	m.delaysFired.Inc()
}

func (m *Metrics) EventsTruncated(n int64) {
	if m == nil {
		return
	}
	m.eventsTruncated.Add(float64(n))
}

func (m *Metrics) CommittedOffset(reader string, offset int64) {
	if m == nil {
		return
	}
	m.committedOffset.WithLabelValues(reader).Set(float64(offset))
}

func (m *Metrics) Inflight(runner string, n int) {
	if m == nil {
		return
	}
	m.inflightEvents.WithLabelValues(runner).Set(float64(n))
}
