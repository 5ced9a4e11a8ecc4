package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-sign/nip55-bridge/internal/rpc"
)

// Metrics 暴露 requests / request_latency_ms / active_conns / accepted / rejected。
type Metrics struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	activeConns    *prometheus.GaugeVec
	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
}

// NewMetrics 在注册器中注册服务端指标；重复注册时复用已有 collector。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		requests: rpc.MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Signer requests handled by method and gRPC status code",
		}, []string{"signer", "method", "code"})),
		requestLatency: rpc.MustRegisterOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nip55",
			Subsystem: "proxy",
			Name:      "request_latency_ms",
			Help:      "Time spent in the signer callback in milliseconds",
			Buckets:   []float64{0.5, 1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 60000},
		}, []string{"signer", "method"})),
		activeConns: rpc.MustRegisterOrReuse(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nip55",
			Subsystem: "proxy",
			Name:      "active_conns",
			Help:      "Number of open client connections",
		}, []string{"signer"})),
		accepted: rpc.MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "proxy",
			Name:      "accepted_total",
			Help:      "Number of accepted client connections",
		}, []string{"signer"})),
		rejected: rpc.MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "proxy",
			Name:      "rejected_total",
			Help:      "Number of connections rejected by the peer uid allow list",
		}, []string{"signer"})),
	}
}

func (m *Metrics) observeRequest(signer, method, code string, d time.Duration) {
	m.requests.WithLabelValues(signer, method, code).Inc()
	m.requestLatency.WithLabelValues(signer, method).Observe(d.Seconds() * 1000)
}

func (m *Metrics) setActive(signer string, n int) {
	m.activeConns.WithLabelValues(signer).Set(float64(n))
}

func (m *Metrics) incAccepted(signer string) {
	m.accepted.WithLabelValues(signer).Inc()
}

func (m *Metrics) incRejected(signer string) {
	m.rejected.WithLabelValues(signer).Inc()
}
