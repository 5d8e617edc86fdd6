package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "ticktalk"

// Metrics holds the Prometheus collectors updated by the broker. All
// methods are safe on a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAdmitted prometheus.Counter
	connectionsDropped  *prometheus.CounterVec
	activeConnections   prometheus.Gauge
	registeredCount     prometheus.Gauge
	packetsDecoded      *prometheus.CounterVec
	broadcasts          prometheus.Counter
	broadcastWrites     prometheus.Counter
	heartbeatRequests   prometheus.Counter
	tickDuration        prometheus.Histogram
}

// NewMetrics registers the broker collectors on a fresh registry, along
// with the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_admitted_total",
			Help:      "Total number of connections admitted to the registry",
		}),
		connectionsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Total number of connections removed, by reason",
		}, []string{"reason"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections that completed the registration handshake",
		}),
		registeredCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_connections",
			Help:      "Connections currently held in the registry",
		}),
		packetsDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decoded_total",
			Help:      "Total number of packets decoded from clients, by tag",
		}, []string{"tag"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of chat lines relayed",
		}),
		broadcastWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_writes_total",
			Help:      "Total number of broadcast packets written to recipients",
		}),
		heartbeatRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_requests_total",
			Help:      "Total number of heartbeat requests sent",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one broker tick",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.connectionsAdmitted.Inc()
}

func (m *Metrics) ConnectionDropped(reason string) {
	if m == nil {
		return
	}
	m.connectionsDropped.WithLabelValues(reason).Inc()
}

// SetConnections records the registry size and the number of active
// connections after a tick.
func (m *Metrics) SetConnections(registered, active int) {
	if m == nil {
		return
	}
	m.registeredCount.Set(float64(registered))
	m.activeConnections.Set(float64(active))
}

func (m *Metrics) PacketDecoded(tag string) {
	if m == nil {
		return
	}
	m.packetsDecoded.WithLabelValues(tag).Inc()
}

// Broadcast records one relayed line written to recipients connections.
func (m *Metrics) Broadcast(recipients int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.broadcastWrites.Add(float64(recipients))
}

func (m *Metrics) HeartbeatRequested() {
	if m == nil {
		return
	}
	m.heartbeatRequests.Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
