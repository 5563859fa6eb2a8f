// ABOUTME: Prometheus collectors for router observability.
// ABOUTME: Tracks connected agents, routed envelopes, discovery requests, and errors.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for routed envelopes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
	OutcomeConsumed  = "consumed"
)

// Collector holds the fabric router's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// ConnectedAgents tracks the current size of the connection registry.
	ConnectedAgents prometheus.Gauge

	// EnvelopesRouted counts inbound envelopes by message type and outcome.
	EnvelopesRouted *prometheus.CounterVec

	// DiscoveryRequests counts discovery operations by type and result status.
	DiscoveryRequests *prometheus.CounterVec

	// ConnectionErrors counts per-connection failures by kind.
	ConnectionErrors *prometheus.CounterVec
}

// NewCollector creates a collector with all metrics registered on a private
// registry, so tests can create collectors freely without duplicate
// registration panics.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		ConnectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_agents",
			Help:      "Number of agents currently registered in the connection registry",
		}),
		EnvelopesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_routed_total",
			Help:      "Envelopes processed by the router, by message type and outcome",
		}, []string{"message_type", "outcome"}),
		DiscoveryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Discovery register/query requests, by operation and result status",
		}, []string{"operation", "status"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connection-level failures, by kind",
		}, []string{"kind"}),
	}
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
