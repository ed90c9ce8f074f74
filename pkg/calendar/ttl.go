package calendar

import (
	"time"

	"QuoteHub/pkg/model"
)

// DefaultOpenTTL 盘中缓存有效期
const DefaultOpenTTL = 30 * time.Minute

// TTLStrategy 基于交易日历的缓存有效期策略
type TTLStrategy struct {
	cal     *Calendar
	openTTL time.Duration
	now     func() time.Time
}

// TTLOption TTL策略选项
type TTLOption func(*TTLStrategy)

// WithClock 注入时钟
func WithClock(now func() time.Time) TTLOption {
	return func(s *TTLStrategy) { s.now = now }
}

// NewTTLStrategy 创建TTL策略，openTTL<=0 时使用默认值
func NewTTLStrategy(cal *Calendar, openTTL time.Duration, opts ...TTLOption) *TTLStrategy {
	if openTTL <= 0 {
		openTTL = DefaultOpenTTL
	}
	s := &TTLStrategy{cal: cal, openTTL: openTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calendar 底层交易日历
func (s *TTLStrategy) Calendar() *Calendar {
	return s.cal
}

// Now 当前时间
func (s *TTLStrategy) Now() time.Time {
	return s.now()
}

// ComputeTTL 计算缓存有效期：盘中为固定短窗口，其余时间持续到下一次开盘
func (s *TTLStrategy) ComputeTTL(code string, now time.Time) time.Duration {
	m := model.MarketOf(code)
	if s.cal.IsSessionOpen(m, now) {
		return s.openTTL
	}
	ttl := s.cal.NextOpen(m, now).Sub(now)
	if ttl <= 0 {
		return s.openTTL
	}
	return ttl
}

// ExpiresAt 缓存过期时刻
func (s *TTLStrategy) ExpiresAt(code string, now time.Time) time.Time {
	return now.Add(s.ComputeTTL(code, now))
}

// IsDataComplete date 的数据是否已经定型
func (s *TTLStrategy) IsDataComplete(code, date string) bool {
	return s.IsDataCompleteAt(code, date, s.now())
}

// IsDataCompleteAt 在at时刻看来date的数据是否已经定型
// 非交易日视为已定型，因为当日不会再有新数据
func (s *TTLStrategy) IsDataCompleteAt(code, date string, at time.Time) bool {
	m := model.MarketOf(code)
	today := s.cal.LocalDate(m, at)
	switch {
	case date < today:
		return true
	case date > today:
		return false
	}
	if !s.cal.IsTradingDay(m, at) {
		return true
	}
	return s.cal.IsAfterClose(m, at)
}

// ShouldRefresh 是否需要重新抓取
func (s *TTLStrategy) ShouldRefresh(code string, lastFetch time.Time, cachedDate string) bool {
	if lastFetch.IsZero() {
		return true
	}
	// 抓取时数据已定型
	if s.IsDataCompleteAt(code, cachedDate, lastFetch) {
		return false
	}

	m := model.MarketOf(code)
	now := s.now()
	if !s.cal.IsTradingDay(m, now) || s.cal.IsBeforeOpen(m, now) {
		return false
	}
	return now.Sub(lastFetch) >= s.ComputeTTL(code, lastFetch)
}
