package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProxyMetrics tracks proxy Prometheus metrics.
// All metrics use the netstore_proxy_ prefix.
type ProxyMetrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	BytesTransferred  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	BackendUp         *prometheus.GaugeVec
	DownloadFailovers prometheus.Counter
	BackendVotes      *prometheus.CounterVec
}

// NewProxyMetrics creates proxy metrics registered with reg.
// Panics if registration fails (expected during initialization only).
func NewProxyMetrics(reg prometheus.Registerer) *ProxyMetrics {
	m := &ProxyMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_proxy_requests_total",
				Help: "Total frontend requests processed, by request and status.",
			},
			[]string{"request", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netstore_proxy_request_duration_seconds",
				Help:    "Frontend request latency distribution.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request"},
		),
		BytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_proxy_bytes_total",
				Help: "Payload bytes forwarded, by direction.",
			},
			[]string{"direction"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "netstore_proxy_active_connections",
				Help: "Current number of frontend connections.",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_proxy_connections_total",
				Help: "Frontend connection lifecycle events, by event.",
			},
			[]string{"event"},
		),
		BackendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "netstore_proxy_backend_up",
				Help: "Pool backend connectivity (1 = connected).",
			},
			[]string{"backend"},
		),
		DownloadFailovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "netstore_proxy_download_failovers_total",
				Help: "Mid-stream download failovers to another backend.",
			},
		),
		BackendVotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netstore_proxy_backend_votes_total",
				Help: "Prepare/commit votes received from backends, by vote.",
			},
			[]string{"vote"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BytesTransferred,
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.BackendUp,
		m.DownloadFailovers,
		m.BackendVotes,
	)

	return m
}

func (m *ProxyMetrics) RecordRequest(request string, duration time.Duration, status string) {
	m.RequestsTotal.WithLabelValues(request, status).Inc()
	m.RequestDuration.WithLabelValues(request).Observe(duration.Seconds())
}

func (m *ProxyMetrics) RecordBytesTransferred(direction string, bytes uint64) {
	m.BytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *ProxyMetrics) RecordConnectionAccepted() {
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
}

func (m *ProxyMetrics) RecordConnectionClosed() {
	m.ConnectionsTotal.WithLabelValues("closed").Inc()
}

func (m *ProxyMetrics) RecordConnectionForceClosed() {
	m.ConnectionsTotal.WithLabelValues("force_closed").Inc()
}

func (m *ProxyMetrics) SetActiveConnections(count int32) {
	m.ActiveConnections.Set(float64(count))
}

func (m *ProxyMetrics) SetBackendUp(addr string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	m.BackendUp.WithLabelValues(addr).Set(v)
}

func (m *ProxyMetrics) RecordDownloadFailover() {
	m.DownloadFailovers.Inc()
}

func (m *ProxyMetrics) RecordBackendVote(vote string) {
	m.BackendVotes.WithLabelValues(vote).Inc()
}
