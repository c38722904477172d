package mssql

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics is the set of Prometheus collectors a Pool reports against
// (§4.6). Callers register them with their own prometheus.Registerer;
// NewPoolMetrics wires default names/help text for each collector.
type PoolMetrics struct {
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	CheckoutsTotal     prometheus.Counter
	CheckoutsFailed    prometheus.Counter
	WaitQueueDepth     prometheus.Gauge
	IdleConnections    prometheus.Gauge
	InUseConnections   prometheus.Gauge
	AcquisitionTime    prometheus.Histogram
}

// NewPoolMetrics builds a PoolMetrics with a constant namespace/subsystem,
// ready for a caller to register.
func NewPoolMetrics(namespace string) *PoolMetrics {
	if namespace == "" {
		namespace = "mssql"
	}
	return &PoolMetrics{
		ConnectionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections_created_total",
			Help: "Total connections dialed and handshaken by the pool.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "connections_closed_total",
			Help: "Total connections closed by the pool (reaped, evicted, or broken).",
		}),
		CheckoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "checkouts_total",
			Help: "Total successful Acquire calls.",
		}),
		CheckoutsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "checkouts_failed_total",
			Help: "Acquire calls that failed (timeout, context cancellation, dial failure).",
		}),
		WaitQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "wait_queue_depth",
			Help: "Current number of goroutines waiting for a connection.",
		}),
		IdleConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle_connections",
			Help: "Current number of idle, checked-in connections.",
		}),
		InUseConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "in_use_connections",
			Help: "Current number of checked-out connections.",
		}),
		AcquisitionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pool", Name: "acquisition_seconds",
			Help:    "Time spent in Acquire, from call to a usable Conn (or failure).",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Collectors returns every collector so callers can register them in one
// call: registry.MustRegister(m.Collectors()...).
func (m *PoolMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsCreated, m.ConnectionsClosed,
		m.CheckoutsTotal, m.CheckoutsFailed,
		m.WaitQueueDepth, m.IdleConnections, m.InUseConnections,
		m.AcquisitionTime,
	}
}
