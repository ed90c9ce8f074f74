package breaker

import (
	"sort"
	"sync"
	"time"
)

// State 熔断状态
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 默认参数
const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 1800 * time.Second
)

// ProviderState 单个数据源的熔断状态
type ProviderState struct {
	Provider            string    `json:"provider"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// StateChangeFunc 状态变化回调，在锁外调用
type StateChangeFunc func(provider string, from, to State)

// CircuitBreaker 按数据源名称独立熔断，进程内共享一个实例
type CircuitBreaker struct {
	mu        sync.Mutex
	providers map[string]*ProviderState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  []StateChangeFunc
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithStateChange 注册状态变化回调
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *CircuitBreaker) { b.onChange = append(b.onChange, fn) }
}

// New 创建熔断器，非正参数使用默认值
func New(threshold int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &CircuitBreaker{
		providers: make(map[string]*ProviderState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnStateChange 追加状态变化回调
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.onChange = append(b.onChange, fn)
	b.mu.Unlock()
}

func (b *CircuitBreaker) stateLocked(provider string) *ProviderState {
	ps, ok := b.providers[provider]
	if !ok {
		ps = &ProviderState{Provider: provider, State: Closed}
		b.providers[provider] = ps
	}
	return ps
}

// IsAvailable 数据源是否可用；冷却期满时转入半开
func (b *CircuitBreaker) IsAvailable(provider string) bool {
	b.mu.Lock()
	ps := b.stateLocked(provider)
	switch ps.State {
	case Closed, HalfOpen:
		b.mu.Unlock()
		return true
	}
	if b.now().Sub(ps.OpenedAt) < b.cooldown {
		b.mu.Unlock()
		return false
	}
	ps.State = HalfOpen
	hooks := b.onChange
	b.mu.Unlock()

	notify(hooks, provider, Open, HalfOpen)
	return true
}

// RecordSuccess 成功后清零计数并闭合
func (b *CircuitBreaker) RecordSuccess(provider string) {
	b.mu.Lock()
	ps := b.stateLocked(provider)
	from := ps.State
	ps.ConsecutiveFailures = 0
	ps.State = Closed
	ps.OpenedAt = time.Time{}
	hooks := b.onChange
	b.mu.Unlock()

	if from != Closed {
		notify(hooks, provider, from, Closed)
	}
}

// RecordFailure 记录失败，返回本次是否触发熔断
func (b *CircuitBreaker) RecordFailure(provider string) bool {
	b.mu.Lock()
	ps := b.stateLocked(provider)
	from := ps.State
	tripped := false
	switch ps.State {
	case HalfOpen:
		ps.State = Open
		ps.OpenedAt = b.now()
		tripped = true
	case Closed:
		ps.ConsecutiveFailures++
		if ps.ConsecutiveFailures >= b.threshold {
			ps.State = Open
			ps.OpenedAt = b.now()
			tripped = true
		}
	}
	hooks := b.onChange
	b.mu.Unlock()

	if tripped {
		notify(hooks, provider, from, Open)
	}
	return tripped
}

// Reset 手动恢复为闭合
func (b *CircuitBreaker) Reset(provider string) {
	b.RecordSuccess(provider)
}

// State 返回状态副本
func (b *CircuitBreaker) State(provider string) ProviderState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := *b.stateLocked(provider)
	ps.StateName = ps.State.String()
	return ps
}

// Snapshot 所有已知数据源的状态，按名称排序
func (b *CircuitBreaker) Snapshot() []ProviderState {
	b.mu.Lock()
	out := make([]ProviderState, 0, len(b.providers))
	for _, ps := range b.providers {
		cp := *ps
		cp.StateName = cp.State.String()
		out = append(out, cp)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func notify(hooks []StateChangeFunc, provider string, from, to State) {
	for _, fn := range hooks {
		fn(provider, from, to)
	}
}
