// Package metrics exposes the process counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rover_media"

// Metrics holds all collectors
type Metrics struct {
	registry *prometheus.Registry

	slotEvents      *prometheus.CounterVec
	engineFailures  *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	brokerEvents    *prometheus.CounterVec
	announcements   prometheus.Counter
	negotiateChange *prometheus.CounterVec
	requestTimeouts prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		slotEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_events_total",
			Help:      "Slot lifecycle events by slot and kind (playing, stopped, error)",
		}, []string{"slot", "kind"}),

		engineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Fatal media engine reports by slot and error category",
		}, []string{"slot", "category"}),

		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Broker payloads dropped because they failed to decode",
		}, []string{"topic"}),

		brokerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_connection_events_total",
			Help:      "Broker session connects and disconnects",
		}, []string{"event"}),

		announcements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_published_total",
			Help:      "Bounce messages published",
		}),

		negotiateChange: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_changes_total",
			Help:      "Negotiated slot phase changes",
		}, []string{"slot", "phase"}),

		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_request_timeouts_total",
			Help:      "Requests reverted after the producer did not answer",
		}),
	}

	m.registry.MustRegister(
		m.slotEvents,
		m.engineFailures,
		m.malformed,
		m.brokerEvents,
		m.announcements,
		m.negotiateChange,
		m.requestTimeouts,
		collectors.NewGoCollector(),
	)
	return m
}

// SlotEvent counts a manager event
func (m *Metrics) SlotEvent(slot, kind string) {
	m.slotEvents.WithLabelValues(slot, kind).Inc()
}

// EngineFailure counts a fatal engine report
func (m *Metrics) EngineFailure(slot, category string) {
	if category == "" {
		category = "unknown"
	}
	m.engineFailures.WithLabelValues(slot, category).Inc()
}

// Malformed counts a dropped payload
func (m *Metrics) Malformed(topic string) {
	m.malformed.WithLabelValues(topic).Inc()
}

// BrokerEvent counts a session connectivity change
func (m *Metrics) BrokerEvent(event string) {
	m.brokerEvents.WithLabelValues(event).Inc()
}

// Announced adds n published bounce messages
func (m *Metrics) Announced(n int) {
	m.announcements.Add(float64(n))
}

// NegotiationChange counts a negotiated phase change
func (m *Metrics) NegotiationChange(slot, phase string) {
	m.negotiateChange.WithLabelValues(slot, phase).Inc()
}

// RequestTimeouts adds n reverted requests
func (m *Metrics) RequestTimeouts(n int) {
	m.requestTimeouts.Add(float64(n))
}

// TrackLivePipelines exports fn as the live pipeline gauge
func (m *Metrics) TrackLivePipelines(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_pipelines",
			Help:      "Slots currently holding an engine pipeline",
		},
		func() float64 { return float64(fn()) },
	))
}

// TrackBusDrops exports fn as the event bus drop counter
func (m *Metrics) TrackBusDrops(fn func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped because a subscriber channel was full",
		},
		func() float64 { return float64(fn()) },
	))
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
