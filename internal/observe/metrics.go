package observe

import (
	"fmt"
	"strconv"
	"time"

	"github.com/albertbausili/velox/internal/mempool"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. They are registered on a
// caller-supplied registerer rather than the global default.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionAborts  *prometheus.CounterVec
	TLSHandshakes     *prometheus.CounterVec
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	BadRequests       *prometheus.CounterVec
	H2Streams         prometheus.Counter
	H2StreamsRefused  prometheus.Counter
	H2GoAways         *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetrics creates and registers the collectors on reg. A nil reg uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registerer: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velox_connections_total",
			Help: "Total number of accepted connections",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "velox_connections_active",
			Help: "Current number of open connections",
		}),
		ConnectionAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_connection_aborts_total",
			Help: "Connections aborted, by reason",
		}, []string{"reason"}),
		TLSHandshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_tls_handshakes_total",
			Help: "TLS handshakes, by result",
		}, []string{"result"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"protocol", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "velox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		BadRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_http_bad_requests_total",
			Help: "Requests rejected during parsing, by status",
		}, []string{"status"}),
		H2Streams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velox_http2_streams_total",
			Help: "HTTP/2 streams opened",
		}),
		H2StreamsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "velox_http2_streams_refused_total",
			Help: "HTTP/2 streams refused over the concurrency limit",
		}),
		H2GoAways: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "velox_http2_goaway_sent_total",
			Help: "GOAWAY frames sent, by error code",
		}, []string{"code"}),
	}
	for _, c := range []prometheus.Collector{
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionAborts, m.TLSHandshakes,
		m.RequestsTotal, m.RequestDuration, m.BadRequests, m.H2Streams,
		m.H2StreamsRefused, m.H2GoAways,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// WatchPool exposes pool usage as gauges.
func (m *Metrics) WatchPool(p *mempool.Pool) error {
	live := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "velox_mempool_segments_live",
		Help: "Memory pool segments currently rented",
	}, func() float64 { return float64(p.Stats().Live) })
	rented := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "velox_mempool_segments_rented_total",
		Help: "Memory pool segments rented",
	}, func() float64 { return float64(p.Stats().Rented) })
	if err := m.registerer.Register(live); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	if err := m.registerer.Register(rented); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}
	return nil
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(protocol string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(protocol, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(protocol).Observe(elapsed.Seconds())
}
