package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"QuoteHub/pkg/breaker"
	"QuoteHub/pkg/logger"
)

// 健康状态
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProviderPrefix 数据源组件名前缀
const ProviderPrefix = "provider:"

// HealthStatus 健康状态
type HealthStatus struct {
	Component   string    `json:"component"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
}

// CheckFunc 组件探活
type CheckFunc func(ctx context.Context) error

// Monitor 监控系统
type Monitor struct {
	components map[string]*HealthStatus
	mutex      sync.RWMutex
	alertFunc  func(component, status, message string)
	now        func() time.Time
	log        *logger.Entry
}

// NewMonitor 创建新的监控系统，alertFunc 在状态变为非健康时调用
func NewMonitor(alertFunc func(component, status, message string)) *Monitor {
	return &Monitor{
		components: make(map[string]*HealthStatus),
		alertFunc:  alertFunc,
		now:        time.Now,
		log:        logger.GetLogger().WithComponent("monitor"),
	}
}

// RegisterComponent 注册组件
func (m *Monitor) RegisterComponent(component string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.components[component]; exists {
		return
	}
	m.components[component] = &HealthStatus{
		Component:   component,
		Status:      StatusUnknown,
		LastChecked: m.now(),
	}
}

// UpdateStatus 更新组件状态
func (m *Monitor) UpdateStatus(component, status, message string) {
	m.mutex.Lock()
	hs, exists := m.components[component]
	if !exists {
		hs = &HealthStatus{Component: component}
		m.components[component] = hs
	}
	oldStatus := hs.Status
	hs.Status = status
	hs.LastChecked = m.now()
	hs.Message = message
	alert := m.alertFunc
	m.mutex.Unlock()

	if oldStatus != status {
		m.log.WithFields(logger.Fields{"target": component, "from": oldStatus, "to": status}).Info("组件状态变化")
		// 如果状态变为不健康，触发告警
		if status != StatusHealthy && alert != nil {
			alert(component, status, message)
		}
	}
}

// GetStatus 获取组件状态
func (m *Monitor) GetStatus(component string) *HealthStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if status, exists := m.components[component]; exists {
		cp := *status
		return &cp
	}
	return nil
}

// GetAllStatus 获取所有组件状态，按名称排序
func (m *Monitor) GetAllStatus() []HealthStatus {
	m.mutex.RLock()
	statuses := make([]HealthStatus, 0, len(m.components))
	for _, status := range m.components {
		statuses = append(statuses, *status)
	}
	m.mutex.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Component < statuses[j].Component })
	return statuses
}

// Overall 所有组件中最差的状态，没有组件时为健康
func (m *Monitor) Overall() string {
	worst := StatusHealthy
	for _, s := range m.GetAllStatus() {
		if rank(s.Status) > rank(worst) {
			worst = s.Status
		}
	}
	return worst
}

func rank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusUnknown:
		return 1
	case StatusDegraded:
		return 2
	default:
		return 3
	}
}

// BreakerStatus 熔断状态对应的健康状态
func BreakerStatus(s breaker.State) string {
	switch s {
	case breaker.Closed:
		return StatusHealthy
	case breaker.HalfOpen:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// ObserveBreaker 熔断状态切换回调，可作为 breaker.StateChangeFunc
func (m *Monitor) ObserveBreaker(provider string, from, to breaker.State) {
	m.UpdateStatus(ProviderPrefix+provider, BreakerStatus(to), "熔断器 "+from.String()+" -> "+to.String())
}

// SyncBreakers 按熔断快照刷新数据源状态
func (m *Monitor) SyncBreakers(states []breaker.ProviderState) {
	for _, s := range states {
		m.UpdateStatus(ProviderPrefix+s.Provider, BreakerStatus(s.State), "熔断器 "+s.State.String())
	}
}

// Check 执行一次探活
func (m *Monitor) Check(ctx context.Context, component string, check CheckFunc) {
	if err := check(ctx); err != nil {
		m.UpdateStatus(component, StatusUnhealthy, err.Error())
		return
	}
	m.UpdateStatus(component, StatusHealthy, "")
}

// StartChecking 开始定期检查，ctx 结束后停止
func (m *Monitor) StartChecking(ctx context.Context, component string, check CheckFunc, interval time.Duration) {
	m.RegisterComponent(component)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.Check(ctx, component, check)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cctx, cancel := context.WithTimeout(ctx, interval)
				m.Check(cctx, component, check)
				cancel()
			}
		}
	}()
}
