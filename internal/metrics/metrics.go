// Package metrics provides Prometheus metrics for Opacus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "opacus"
)

// Metrics contains all Prometheus metrics for the relay and transport.
type Metrics struct {
	// Relay metrics
	AgentsConnected prometheus.Gauge
	AgentsTotal     prometheus.Counter
	FramesRouted    *prometheus.CounterVec
	FramesQueued    prometheus.Counter
	PendingFrames   prometheus.Gauge
	RouteErrors     prometheus.Counter
	DecodeErrors    prometheus.Counter

	// Transport metrics
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	QueueDrops        prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AgentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_agents_connected",
			Help:      "Number of agents currently registered in the routing table.",
		}),
		AgentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_agents_total",
			Help:      "Total number of agent connections accepted.",
		}),
		FramesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_routed_total",
			Help:      "Frames routed to a live recipient connection, by frame type.",
		}, []string{"type"}),
		FramesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_queued_total",
			Help:      "Frames appended to the offline queue.",
		}),
		PendingFrames: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_pending_frames",
			Help:      "Frames currently waiting in the offline queue.",
		}),
		RouteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_route_errors_total",
			Help:      "Transient failures while transmitting a routed frame.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_decode_errors_total",
			Help:      "Datagrams that failed frame decoding.",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_datagrams_sent_total",
			Help:      "Datagrams sent on client transports.",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_datagrams_received_total",
			Help:      "Datagrams received on client transports.",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_queue_drops_total",
			Help:      "Inbound frames dropped because the receive queue was full.",
		}),
	}
}
