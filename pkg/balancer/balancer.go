package balancer

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"QuoteHub/pkg/breaker"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// 默认参数
const (
	DefaultPoolSize      = 4
	DefaultCallTimeout   = 10 * time.Second
	DefaultWeightRefresh = 60 * time.Second
	DefaultMinSamples    = 10
	DefaultMultiplierMin = 0.5
	DefaultMultiplierMax = 1.5

	outcomeWindow = 100
)

// RateLimit 单个数据源的请求速率
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Config 负载均衡配置
type Config struct {
	PoolSize      int
	CallTimeout   time.Duration
	WeightRefresh time.Duration
	MinSamples    int
	MultiplierMin float64
	MultiplierMax float64
	// Weights 市场 -> 数据源 -> 基础权重，缺省为1
	Weights    map[model.Market]map[string]float64
	RateLimits map[string]RateLimit
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.WeightRefresh <= 0 {
		c.WeightRefresh = DefaultWeightRefresh
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.MultiplierMin <= 0 {
		c.MultiplierMin = DefaultMultiplierMin
	}
	if c.MultiplierMax <= 0 {
		c.MultiplierMax = DefaultMultiplierMax
	}
}

// Observer 数据源调用观测
type Observer interface {
	ObserveProviderCall(provider, outcome string, d time.Duration)
}

// ProviderStats 数据源滚动统计
type ProviderStats struct {
	Provider    string        `json:"provider"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Multiplier  float64       `json:"multiplier"`
}

type outcome struct {
	success  bool
	duration time.Duration
}

type window struct {
	items []outcome
	next  int
}

func (w *window) add(o outcome) {
	if len(w.items) < outcomeWindow {
		w.items = append(w.items, o)
		return
	}
	w.items[w.next] = o
	w.next = (w.next + 1) % outcomeWindow
}

func (w *window) summary() (samples int, successRate float64, avg time.Duration) {
	samples = len(w.items)
	if samples == 0 {
		return 0, 0, 0
	}
	var ok int
	var total time.Duration
	for _, o := range w.items {
		if o.success {
			ok++
		}
		total += o.duration
	}
	return samples, float64(ok) / float64(samples), total / time.Duration(samples)
}

// LoadBalancer 在健康数据源之间分配代码
type LoadBalancer struct {
	breaker  *breaker.CircuitBreaker
	cfg      Config
	log      *logger.Entry
	observer Observer
	now      func() time.Time

	mu            sync.Mutex
	stats         map[string]*window
	multipliers   map[string]float64
	multipliersAt time.Time
	limiters      map[string]*rate.Limiter
}

// Option 负载均衡选项
type Option func(*LoadBalancer)

// WithObserver 注入调用观测
func WithObserver(o Observer) Option {
	return func(lb *LoadBalancer) { lb.observer = o }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(lb *LoadBalancer) { lb.now = now }
}

// WithLogger 注入日志
func WithLogger(l *logger.Log) Option {
	return func(lb *LoadBalancer) { lb.log = l.WithComponent("balancer") }
}

// New 创建负载均衡器
func New(cb *breaker.CircuitBreaker, cfg Config, opts ...Option) *LoadBalancer {
	cfg.applyDefaults()
	lb := &LoadBalancer{
		breaker:  cb,
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("balancer"),
		now:      time.Now,
		stats:    make(map[string]*window),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(lb)
	}
	return lb
}

// Breaker 底层熔断器
func (lb *LoadBalancer) Breaker() *breaker.CircuitBreaker {
	return lb.breaker
}

// Healthy 过滤出熔断器放行的数据源，保持顺序
func (lb *LoadBalancer) Healthy(providers []string) []string {
	healthy := make([]string, 0, len(providers))
	for _, p := range providers {
		if lb.breaker.IsAvailable(p) {
			healthy = append(healthy, p)
		}
	}
	return healthy
}

// Distribute 轮询分配；没有健康数据源时返回空映射
func (lb *LoadBalancer) Distribute(codes, providers []string) map[string][]string {
	healthy := lb.Healthy(providers)
	assignment := make(map[string][]string, len(healthy))
	if len(healthy) == 0 {
		return assignment
	}
	for i, code := range codes {
		p := healthy[i%len(healthy)]
		assignment[p] = append(assignment[p], code)
	}
	return assignment
}

// DistributeWeighted 平滑加权轮询，权重取市场权重表乘以成功率系数
func (lb *LoadBalancer) DistributeWeighted(market model.Market, codes, providers []string) map[string][]string {
	healthy := lb.Healthy(providers)
	assignment := make(map[string][]string, len(healthy))
	if len(healthy) == 0 {
		return assignment
	}

	weights := lb.EffectiveWeights(market, healthy)
	current := make([]float64, len(healthy))
	var total float64
	for _, w := range weights {
		total += w
	}
	for _, code := range codes {
		best := 0
		for i := range healthy {
			current[i] += weights[i]
			if current[i] > current[best] {
				best = i
			}
		}
		current[best] -= total
		assignment[healthy[best]] = append(assignment[healthy[best]], code)
	}
	return assignment
}

// EffectiveWeights 按providers顺序返回有效权重
func (lb *LoadBalancer) EffectiveWeights(market model.Market, providers []string) []float64 {
	mult := lb.currentMultipliers()
	table := lb.cfg.Weights[market]
	weights := make([]float64, len(providers))
	for i, p := range providers {
		w := table[p]
		if w <= 0 {
			w = 1
		}
		if m, ok := mult[p]; ok {
			w *= m
		}
		weights[i] = w
	}
	return weights
}

// currentMultipliers 成功率系数，按WeightRefresh周期缓存
func (lb *LoadBalancer) currentMultipliers() map[string]float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := lb.now()
	if lb.multipliers != nil && now.Sub(lb.multipliersAt) < lb.cfg.WeightRefresh {
		return lb.multipliers
	}
	mult := make(map[string]float64, len(lb.stats))
	for p, w := range lb.stats {
		samples, successRate, _ := w.summary()
		if samples < lb.cfg.MinSamples {
			continue
		}
		mult[p] = lb.multiplierFor(successRate)
	}
	lb.multipliers = mult
	lb.multipliersAt = now
	return mult
}

func (lb *LoadBalancer) multiplierFor(successRate float64) float64 {
	return lb.cfg.MultiplierMin + (lb.cfg.MultiplierMax-lb.cfg.MultiplierMin)*successRate
}

// RecordOutcome 记录调用结果，用于自适应权重
func (lb *LoadBalancer) RecordOutcome(provider string, success bool, duration time.Duration) {
	lb.mu.Lock()
	w, ok := lb.stats[provider]
	if !ok {
		w = &window{}
		lb.stats[provider] = w
	}
	w.add(outcome{success: success, duration: duration})
	lb.mu.Unlock()
}

// Stats 各数据源滚动统计
func (lb *LoadBalancer) Stats() []ProviderStats {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]ProviderStats, 0, len(lb.stats))
	for p, w := range lb.stats {
		samples, successRate, avg := w.summary()
		st := ProviderStats{Provider: p, Samples: samples, SuccessRate: successRate, AvgLatency: avg, Multiplier: 1}
		if samples >= lb.cfg.MinSamples {
			st.Multiplier = lb.multiplierFor(successRate)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// limiter 数据源限速器，未配置时为nil
func (lb *LoadBalancer) limiter(provider string) *rate.Limiter {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if l, ok := lb.limiters[provider]; ok {
		return l
	}
	rl, ok := lb.cfg.RateLimits[provider]
	if !ok || rl.RequestsPerSecond <= 0 {
		lb.limiters[provider] = nil
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	lb.limiters[provider] = l
	return l
}

func (lb *LoadBalancer) observe(provider, outcome string, d time.Duration) {
	if lb.observer != nil {
		lb.observer.ObserveProviderCall(provider, outcome, d)
	}
}
