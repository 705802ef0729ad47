// Package telemetry exposes the counters and spans the session layer
// reports to the platform's monitoring stack.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the layer emits. All instruments are
// registered on construction; a fresh registry per server keeps tests
// isolated.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections prometheus.Gauge
	MessagesIn        *prometheus.CounterVec
	MessagesOut       *prometheus.CounterVec
	ErrorsSent        *prometheus.CounterVec
	SlowConsumers     prometheus.Counter
	RateLimited       prometheus.Counter
	ResumeAttempts    *prometheus.CounterVec

	BrokerPublished  prometheus.Counter
	BrokerReceived   prometheus.Counter
	BrokerDropped    prometheus.Counter
	BrokerReconnects prometheus.Counter
	BrokerDegraded   prometheus.Gauge
}

// New registers the layer's instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Number of live websocket connections.",
		}),
		MessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_in_total",
			Help: "Inbound envelopes by type.",
		}, []string{"type"}),
		MessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_out_total",
			Help: "Outbound envelopes by type.",
		}, []string{"type"}),
		ErrorsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_errors_total",
			Help: "Error envelopes sent to clients by code.",
		}, []string{"code"}),
		SlowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_slow_consumer_disconnects_total",
			Help: "Connections dropped because their outbound queue overflowed.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_rate_limited_total",
			Help: "Inbound messages rejected by the per-session rate limit.",
		}),
		ResumeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_resume_attempts_total",
			Help: "Session resumption attempts by outcome.",
		}, []string{"outcome"}),
		BrokerPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_published_total",
			Help: "Envelopes published to the shared broker.",
		}),
		BrokerReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_received_total",
			Help: "Envelopes ingested from other instances via the broker.",
		}),
		BrokerDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_dropped_total",
			Help: "Publishes skipped while the broker was unreachable.",
		}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_reconnects_total",
			Help: "Successful broker reconnections after an outage.",
		}),
		BrokerDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_broker_degraded",
			Help: "1 while cross-instance fan-out is unavailable.",
		}),
	}
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
