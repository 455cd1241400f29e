// Package metrics exposes Prometheus collectors for the engine, the consume
// loop and message delivery. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the bot's collectors.
type Metrics struct {
	outcomes    *prometheus.CounterVec
	events      *prometheus.CounterVec
	sends       *prometheus.CounterVec
	attachments *prometheus.HistogramVec
	failures    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regbot",
			Name:      "engine_outcomes_total",
			Help:      "Messages handled by the scenario engine, by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regbot",
			Name:      "events_total",
			Help:      "Inbound events seen by the consume loop.",
		}, []string{"event_type", "status"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regbot",
			Name:      "sends_total",
			Help:      "Outbound messages delivered, by kind and status.",
		}, []string{"kind", "status"}),
		attachments: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "regbot",
			Name:      "attachment_duration_seconds",
			Help:      "Attachment generation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"generator", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regbot",
			Name:      "process_failures_total",
			Help:      "Events that failed processing, by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.events, m.sends, m.attachments, m.failures)
	}
	return m
}

// Outcome counts one engine decision.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// Event counts one inbound event.
func (m *Metrics) Event(eventType, status string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, status).Inc()
}

// Send counts one delivery attempt result.
func (m *Metrics) Send(kind string, err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(kind, statusOf(err)).Inc()
}

// Attachment records the latency of one generator call.
func (m *Metrics) Attachment(generator string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.attachments.WithLabelValues(generator, statusOf(err)).Observe(d.Seconds())
}

// Failure counts an event that failed at stage.
func (m *Metrics) Failure(stage string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(stage).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}
