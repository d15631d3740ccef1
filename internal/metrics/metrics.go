// Package metrics exposes Prometheus collectors for the tunnel control
// plane. All collectors live in a private registry so tests can create
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server updates.
//
// The zero value is not usable — create instances with New.
type Metrics struct {
	reg *prometheus.Registry

	KeysCreated      prometheus.Counter
	KeysActivated    prometheus.Counter
	KeysExpired      prometheus.Counter
	KeysRevoked      prometheus.Counter
	KeysDisconnected prometheus.Counter

	ValidateRequests *prometheus.CounterVec // label: code ("" for success)
	PluginOps        *prometheus.CounterVec // labels: op, allowed
	BotReconnects    prometheus.Counter
	FrpsRestarts     prometheus.Counter

	ActiveTunnels  prometheus.Gauge
	AllocatedPorts prometheus.Gauge
}

// New builds the collector set on a fresh registry, including the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		KeysCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_keys_created_total",
			Help: "Access keys issued.",
		}),
		KeysActivated: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_keys_activated_total",
			Help: "Access keys activated by a client login.",
		}),
		KeysExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_keys_expired_total",
			Help: "Access keys expired by TTL.",
		}),
		KeysRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_keys_revoked_total",
			Help: "Access keys revoked by an admin.",
		}),
		KeysDisconnected: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_keys_disconnected_total",
			Help: "Access keys terminated by the client closing its proxy.",
		}),
		ValidateRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "firefrp_validate_requests_total",
			Help: "Client validate calls by result code.",
		}, []string{"code"}),
		PluginOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "firefrp_plugin_ops_total",
			Help: "frps plugin callbacks by operation and decision.",
		}, []string{"op", "allowed"}),
		BotReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_bot_reconnects_total",
			Help: "Chat gateway reconnect attempts.",
		}),
		FrpsRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "firefrp_frps_restarts_total",
			Help: "frps subprocess restarts after unexpected exits.",
		}),
		ActiveTunnels: f.NewGauge(prometheus.GaugeOpts{
			Name: "firefrp_active_tunnels",
			Help: "Access keys currently in the active state.",
		}),
		AllocatedPorts: f.NewGauge(prometheus.GaugeOpts{
			Name: "firefrp_allocated_ports",
			Help: "Remote ports held by pending or active keys.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
