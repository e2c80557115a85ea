// Package prometheus implements the metrics interfaces with Prometheus
// collectors. Metrics are registered against the provided Registerer,
// typically prometheus.DefaultRegisterer, and exposed by the admin API.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics tracks storage-server Prometheus metrics.
// All metrics use the netstore_server_ prefix.
type ServerMetrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	BytesTransferred  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
}

// NewServerMetrics creates server metrics registered with reg.
// Panics if registration fails (expected during initialization only).
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_server_requests_total",
				Help: "Total requests processed, by request and status.",
			},
			[]string{"request", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netstore_server_request_duration_seconds",
				Help:    "Request latency distribution.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request"},
		),
		BytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_server_bytes_total",
				Help: "Payload bytes transferred, by direction.",
			},
			[]string{"direction"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netstore_server_active_connections",
				Help: "Current number of client connections.",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_server_connections_total",
				Help: "Connection lifecycle events, by event.",
			},
			[]string{"event"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BytesTransferred,
		m.ActiveConnections,
		m.ConnectionsTotal,
	)

	return m
}

func (m *ServerMetrics) RecordRequest(request string, duration time.Duration, status string) {
	m.RequestsTotal.WithLabelValues(request, status).Inc()
	m.RequestDuration.WithLabelValues(request).Observe(duration.Seconds())
}

func (m *ServerMetrics) RecordBytesTransferred(direction string, bytes uint64) {
	m.BytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *ServerMetrics) RecordConnectionAccepted() {
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
}

func (m *ServerMetrics) RecordConnectionClosed() {
	m.ConnectionsTotal.WithLabelValues("closed").Inc()
}

func (m *ServerMetrics) RecordConnectionForceClosed() {
	m.ConnectionsTotal.WithLabelValues("force_closed").Inc()
}

func (m *ServerMetrics) SetActiveConnections(count int32) {
	m.ActiveConnections.Set(float64(count))
}
