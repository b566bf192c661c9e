// Package metric provides Prometheus metrics for statebridge.
//
// It exposes connection, command, and fan-out counters plus live
// keyspace gauges for monitoring the bridge.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsActive tracks currently open client connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// CommandsTotal counts processed commands by command name.
	CommandsTotal *prometheus.CounterVec

	// CommandErrors counts commands answered with an error reply.
	CommandErrors prometheus.Counter

	// PublishDelivered counts push messages delivered to subscribers.
	PublishDelivered prometheus.Counter

	// KeysLive and KeysExpiring mirror the storage engine counts.
	KeysLive     prometheus.Gauge
	KeysExpiring prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statebridge",
			Name:      "connections_active",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statebridge",
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statebridge",
			Name:      "commands_total",
			Help:      "Processed commands by name.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statebridge",
			Name:      "command_errors_total",
			Help:      "Commands answered with an error reply.",
		}),
		PublishDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "statebridge",
			Name:      "publish_delivered_total",
			Help:      "Push messages delivered to subscribers.",
		}),
		KeysLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statebridge",
			Name:      "keys_live",
			Help:      "Live states in the store.",
		}),
		KeysExpiring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "statebridge",
			Name:      "keys_expiring",
			Help:      "States with an armed expiry timer.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.CommandsTotal,
		m.CommandErrors,
		m.PublishDelivered,
		m.KeysLive,
		m.KeysExpiring,
	)

	return m
}

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
