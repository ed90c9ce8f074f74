package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"QuoteHub/pkg/balancer"
	"QuoteHub/pkg/cache"
	"QuoteHub/pkg/model"
	"QuoteHub/pkg/monitor"
	"QuoteHub/pkg/orchestrator"
	"QuoteHub/pkg/repository"
)

const (
	// 单次请求的代码上限
	maxCodes = 500
	// 单次趋势请求的天数上限
	maxDays = 1000
)

// QuoteService 行情查询
type QuoteService interface {
	GetRealtimePrices(ctx context.Context, codes []string, opts orchestrator.QueryOptions) (map[string]model.PriceSnapshot, error)
	GetTrendData(ctx context.Context, codes []string, days int, opts orchestrator.QueryOptions) (*model.SeriesResult, error)
}

// CacheAdmin 缓存管理
type CacheAdmin interface {
	Invalidate(ctx context.Context, filter cache.Filter) (int64, error)
}

// Deps 处理程序依赖
type Deps struct {
	Quotes    QuoteService
	Cache     CacheAdmin
	Balancer  *balancer.LoadBalancer
	Watchlist *repository.Watchlist
	Monitor   *monitor.Monitor
	// Metrics 为空时不暴露 /metrics
	Metrics   http.Handler
	TrendDays int
}

// Handlers API处理程序
type Handlers struct {
	Deps
}

// NewHandlers 创建新的API处理程序
func NewHandlers(deps Deps) *Handlers {
	if deps.TrendDays < 2 {
		deps.TrendDays = 60
	}
	return &Handlers{Deps: deps}
}

// HealthCheck 健康检查处理程序
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// ReadinessCheck 就绪检查，任一组件不健康时返回503
func (h *Handlers) ReadinessCheck(c *gin.Context) {
	if h.Monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	overall := h.Monitor.Overall()
	code := http.StatusOK
	if overall == monitor.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     overall,
		"components": h.Monitor.GetAllStatus(),
	})
}

func parseCodes(c *gin.Context) ([]string, bool) {
	raw := c.Query("codes")
	codes := model.NormalizeCodes(strings.Split(raw, ","))
	if len(codes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "codes参数不能为空"})
		return nil, false
	}
	if len(codes) > maxCodes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "codes数量超过上限 " + strconv.Itoa(maxCodes)})
		return nil, false
	}
	return codes, true
}

func parseOptions(c *gin.Context) (orchestrator.QueryOptions, bool) {
	var opts orchestrator.QueryOptions
	for name, dst := range map[string]*bool{"force": &opts.ForceRefresh, "readonly": &opts.ReadOnly} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + "参数无效: " + v})
			return opts, false
		}
		*dst = b
	}
	return opts, true
}

// GetQuotes 获取实时行情
func (h *Handlers) GetQuotes(c *gin.Context) {
	codes, ok := parseCodes(c)
	if !ok {
		return
	}
	opts, ok := parseOptions(c)
	if !ok {
		return
	}

	quotes, err := h.Quotes.GetRealtimePrices(c.Request.Context(), codes, opts)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "获取行情数据失败: " + err.Error(),
			"data":  quotes,
		})
		return
	}

	missing := make([]string, 0)
	for _, code := range codes {
		if _, ok := quotes[code]; !ok {
			missing = append(missing, code)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    quotes,
		"missing": missing,
	})
}

// GetTrend 获取K线趋势
func (h *Handlers) GetTrend(c *gin.Context) {
	codes, ok := parseCodes(c)
	if !ok {
		return
	}
	opts, ok := parseOptions(c)
	if !ok {
		return
	}
	days := h.TrendDays
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days参数无效: " + v})
			return
		}
		if n > maxDays {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days超过上限 " + strconv.Itoa(maxDays)})
			return
		}
		days = n
	}

	result, err := h.Quotes.GetTrendData(c.Request.Context(), codes, days, opts)
	if errors.Is(err, orchestrator.ErrInvalidDays) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "获取趋势数据失败: " + err.Error(),
			"data":  result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// providerView 数据源状态
type providerView struct {
	Provider            string     `json:"provider"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	Samples             int        `json:"samples"`
	SuccessRate         float64    `json:"success_rate"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	Multiplier          float64    `json:"multiplier"`
}

// GetProviders 熔断状态与滚动统计
func (h *Handlers) GetProviders(c *gin.Context) {
	views := make(map[string]*providerView)
	get := func(name string) *providerView {
		v, ok := views[name]
		if !ok {
			v = &providerView{Provider: name, State: "closed", Multiplier: 1}
			views[name] = v
		}
		return v
	}
	for _, s := range h.Balancer.Breaker().Snapshot() {
		v := get(s.Provider)
		v.State = s.StateName
		v.ConsecutiveFailures = s.ConsecutiveFailures
		if !s.OpenedAt.IsZero() {
			t := s.OpenedAt
			v.OpenedAt = &t
		}
	}
	for _, s := range h.Balancer.Stats() {
		v := get(s.Provider)
		v.Samples = s.Samples
		v.SuccessRate = s.SuccessRate
		v.AvgLatencyMs = float64(s.AvgLatency.Microseconds()) / 1000
		v.Multiplier = s.Multiplier
	}

	out := make([]providerView, 0, len(views))
	for _, v := range views {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	c.JSON(http.StatusOK, gin.H{"data": out})
}

// ResetProvider 手动闭合熔断器
func (h *Handlers) ResetProvider(c *gin.Context) {
	name := c.Param("name")
	h.Balancer.Breaker().Reset(name)
	c.JSON(http.StatusOK, gin.H{"status": "success", "provider": name})
}

// DeleteCache 按条件删除缓存
func (h *Handlers) DeleteCache(c *gin.Context) {
	filter := cache.Filter{Kind: model.DataKind(c.Query("kind")), Date: c.Query("date")}
	if code := c.Query("code"); code != "" {
		filter.Codes = model.NormalizeCodes(strings.Split(code, ","))
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind参数无效: " + string(filter.Kind)})
		return
	}
	if filter.Date != "" {
		if _, err := time.Parse(model.DateLayout, filter.Date); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date参数无效: " + filter.Date})
			return
		}
	}

	n, err := h.Cache.Invalidate(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "删除缓存失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// WatchRequest 关注请求
type WatchRequest struct {
	Code string `json:"code" binding:"required"`
	Note string `json:"note"`
}

// ListWatchlist 关注列表
func (h *Handlers) ListWatchlist(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.Watchlist.List()})
}

// AddWatch 添加关注
func (h *Handlers) AddWatch(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "无效的请求参数: " + err.Error(),
		})
		return
	}
	item, err := h.Watchlist.Add(req.Code, req.Note)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": item})
}

// RemoveWatch 删除关注
func (h *Handlers) RemoveWatch(c *gin.Context) {
	if err := h.Watchlist.Remove(c.Param("id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
