// Package metrics 行情核心的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"QuoteHub/pkg/breaker"
	"QuoteHub/pkg/model"
)

const namespace = "quotehub"

// Metrics 指标集合，使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// 数据源调用计数
	ProviderCalls *prometheus.CounterVec
	// 数据源调用耗时
	ProviderCallDuration *prometheus.HistogramVec
	// 缓存查询计数
	CacheLookups *prometheus.CounterVec
	// 降级返回计数
	Degraded *prometheus.CounterVec
	// 熔断状态 0=closed 1=half_open 2=open
	BreakerState *prometheus.GaugeVec
	// 熔断状态切换计数
	BreakerTransitions *prometheus.CounterVec
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by outcome",
		}, []string{"provider", "outcome"}),
		ProviderCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_seconds",
			Help:      "Provider call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier, kind and result",
		}, []string{"tier", "kind", "result"}),
		Degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_served_total",
			Help:      "Stale entries served in place of fresh data",
		}, []string{"kind"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half_open, 2 open)",
		}, []string{"provider"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"provider", "to"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProviderCalls,
		m.ProviderCallDuration,
		m.CacheLookups,
		m.Degraded,
		m.BreakerState,
		m.BreakerTransitions,
	)
	return m
}

// Registry 底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProviderCall 记录一次数据源调用
func (m *Metrics) ObserveProviderCall(provider, outcome string, d time.Duration) {
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// CacheLookup 记录缓存查询
func (m *Metrics) CacheLookup(tier string, kind model.DataKind, result string, n int) {
	if n <= 0 {
		return
	}
	m.CacheLookups.WithLabelValues(tier, string(kind), result).Add(float64(n))
}

// DegradedServed 记录降级返回
func (m *Metrics) DegradedServed(kind model.DataKind, n int) {
	if n <= 0 {
		return
	}
	m.Degraded.WithLabelValues(string(kind)).Add(float64(n))
}

// ObserveBreaker 熔断状态切换，可作为 breaker.StateChangeFunc
func (m *Metrics) ObserveBreaker(provider string, from, to breaker.State) {
	m.BreakerState.WithLabelValues(provider).Set(stateValue(to))
	m.BreakerTransitions.WithLabelValues(provider, to.String()).Inc()
}

// SyncBreakers 按快照刷新熔断状态
func (m *Metrics) SyncBreakers(states []breaker.ProviderState) {
	for _, s := range states {
		m.BreakerState.WithLabelValues(s.Provider).Set(stateValue(s.State))
	}
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
