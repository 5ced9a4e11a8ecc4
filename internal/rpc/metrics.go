package rpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets 覆盖从本地快速返回到等待用户确认的长尾（毫秒）。
var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

// ClientMetrics 暴露 connects / connect_failures / calls / call_latency_ms。
type ClientMetrics struct {
	connects        *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	calls           *prometheus.CounterVec
	callLatency     *prometheus.HistogramVec
}

// NewClientMetrics 在注册器中注册客户端指标；重复注册时复用已有 collector。
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &ClientMetrics{
		connects: MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "client",
			Name:      "connects_total",
			Help:      "Number of physical connections established to the signer proxy",
		}, []string{"signer"})),
		connectFailures: MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "client",
			Name:      "connect_failures_total",
			Help:      "Number of failed or short-circuited connection attempts",
		}, []string{"signer"})),
		calls: MustRegisterOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nip55",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Number of signer calls by method and result",
		}, []string{"signer", "method", "result"})),
		callLatency: MustRegisterOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nip55",
			Subsystem: "client",
			Name:      "call_latency_ms",
			Help:      "Signer call latency in milliseconds, including connection setup",
			Buckets:   latencyBuckets,
		}, []string{"signer", "method"})),
	}
}

// Connects 返回 connects_total，便于测试断言连接次数。
func (m *ClientMetrics) Connects(signer string) prometheus.Counter {
	return m.connects.WithLabelValues(signer)
}

func (m *ClientMetrics) incConnect(signer string) {
	m.connects.WithLabelValues(signer).Inc()
}

func (m *ClientMetrics) incConnectFailure(signer string) {
	m.connectFailures.WithLabelValues(signer).Inc()
}

func (m *ClientMetrics) observeCall(signer, method, result string, d time.Duration) {
	m.calls.WithLabelValues(signer, method, result).Inc()
	m.callLatency.WithLabelValues(signer, method).Observe(d.Seconds() * 1000)
}

// MustRegisterOrReuse 注册 collector；若同名 collector 已存在则返回已注册的实例。
func MustRegisterOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
