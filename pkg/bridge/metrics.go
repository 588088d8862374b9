package bridge

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	eventsTotal   *prometheus.CounterVec
	eventLatency  *prometheus.HistogramVec
	eventErrors   *prometheus.CounterVec
	classifyTotal *prometheus.CounterVec
	sinkConnected prometheus.Gauge
	reconnects    *prometheus.CounterVec
	ruleReloads   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all bridge metrics registered
// on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_total",
				Help: "Total number of capture events by kind and status",
			},
			[]string{"kind", "status"},
		),

		eventLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_event_duration_seconds",
				Help:    "Encode plus send latency per event in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		eventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_event_errors_total",
				Help: "Total number of event processing errors by stage",
			},
			[]string{"kind", "stage"},
		),

		classifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_classifications_total",
				Help: "Total number of host classifications by outcome",
			},
			[]string{"outcome"},
		),

		sinkConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_sink_connected",
				Help: "Whether the sensor sink currently holds a connection (1/0)",
			},
		),

		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sink_reconnects_total",
				Help: "Total number of sink reconnect attempts by outcome",
			},
			[]string{"outcome"},
		),

		ruleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rule_reloads_total",
				Help: "Total number of rule bundle reloads by source",
			},
			[]string{"source"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.eventsTotal,
		m.eventLatency,
		m.eventErrors,
		m.classifyTotal,
		m.sinkConnected,
		m.reconnects,
		m.ruleReloads,
	)

	return m
}

// RecordEvent records a successfully emitted event and its latency.
func (m *Metrics) RecordEvent(kind string, duration time.Duration) {
	m.eventsTotal.WithLabelValues(kind, "sent").Inc()
	m.eventLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordEventError records a dropped event and the stage that failed.
func (m *Metrics) RecordEventError(kind, stage string) {
	m.eventsTotal.WithLabelValues(kind, "dropped").Inc()
	m.eventErrors.WithLabelValues(kind, stage).Inc()
}

// RecordClassification records a classification outcome ("match" or "miss").
func (m *Metrics) RecordClassification(outcome string) {
	m.classifyTotal.WithLabelValues(outcome).Inc()
}

// SetSinkConnected updates the sink connection gauge.
func (m *Metrics) SetSinkConnected(connected bool) {
	if connected {
		m.sinkConnected.Set(1)
	} else {
		m.sinkConnected.Set(0)
	}
}

// RecordReconnect records a reconnect attempt outcome.
func (m *Metrics) RecordReconnect(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

// RecordRuleReload records a rule bundle reload and its source.
func (m *Metrics) RecordRuleReload(source string) {
	m.ruleReloads.WithLabelValues(source).Inc()
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
