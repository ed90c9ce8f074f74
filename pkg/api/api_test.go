package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"QuoteHub/pkg/balancer"
	"QuoteHub/pkg/breaker"
	"QuoteHub/pkg/cache"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
	"QuoteHub/pkg/monitor"
	"QuoteHub/pkg/orchestrator"
	"QuoteHub/pkg/repository"
)

type fakeQuotes struct {
	prices   map[string]model.PriceSnapshot
	series   *model.SeriesResult
	err      error
	lastOpts orchestrator.QueryOptions
	lastDays int
}

func (f *fakeQuotes) GetRealtimePrices(ctx context.Context, codes []string, opts orchestrator.QueryOptions) (map[string]model.PriceSnapshot, error) {
	f.lastOpts = opts
	out := make(map[string]model.PriceSnapshot)
	for _, c := range codes {
		if p, ok := f.prices[c]; ok {
			out[c] = p
		}
	}
	return out, f.err
}

func (f *fakeQuotes) GetTrendData(ctx context.Context, codes []string, days int, opts orchestrator.QueryOptions) (*model.SeriesResult, error) {
	f.lastOpts = opts
	f.lastDays = days
	if days < 2 {
		return nil, orchestrator.ErrInvalidDays
	}
	return f.series, f.err
}

type fakeCache struct {
	last cache.Filter
	n    int64
}

func (f *fakeCache) Invalidate(ctx context.Context, filter cache.Filter) (int64, error) {
	f.last = filter
	return f.n, nil
}

type harness struct {
	router  *gin.Engine
	quotes  *fakeQuotes
	cache   *fakeCache
	lb      *balancer.LoadBalancer
	monitor *monitor.Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		quotes: &fakeQuotes{prices: map[string]model.PriceSnapshot{
			"600519": {Code: "600519", Price: 1700, Market: model.MarketDomestic},
		}},
		cache:   &fakeCache{n: 2},
		lb:      balancer.New(breaker.New(1, time.Minute), balancer.Config{}, balancer.WithLogger(logger.Discard())),
		monitor: monitor.NewMonitor(nil),
	}
	srv := NewServer(ServerOptions{Logger: logger.Discard()})
	srv.SetupRoutes(NewHandlers(Deps{
		Quotes:    h.quotes,
		Cache:     h.cache,
		Balancer:  h.lb,
		Watchlist: repository.NewWatchlist(),
		Monitor:   h.monitor,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok_metric 1\n")) }),
	}))
	h.router = srv.Router()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	resp := map[string]json.RawMessage{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("响应不是合法JSON: %v, %s", err, w.Body.String())
		}
	}
	return w, resp
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	if w, _ := h.do(t, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("健康检查状态码 = %d", w.Code)
	}
	w, _ := h.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok_metric") {
		t.Fatalf("指标接口异常: %d %s", w.Code, w.Body.String())
	}
}

func TestReadinessReflectsMonitor(t *testing.T) {
	h := newHarness(t)
	h.monitor.UpdateStatus("durable", monitor.StatusHealthy, "")
	if w, _ := h.do(t, http.MethodGet, "/ready", ""); w.Code != http.StatusOK {
		t.Fatalf("全部健康时应就绪, 状态码 %d", w.Code)
	}
	h.monitor.UpdateStatus("durable", monitor.StatusUnhealthy, "连接失败")
	if w, _ := h.do(t, http.MethodGet, "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("组件不健康时应返回503, 实际 %d", w.Code)
	}
}

func TestGetQuotesReportsMissing(t *testing.T) {
	h := newHarness(t)
	w, resp := h.do(t, http.MethodGet, "/api/v1/quotes?codes=600519,%20000001&force=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, %s", w.Code, w.Body.String())
	}
	var data map[string]model.PriceSnapshot
	if err := json.Unmarshal(resp["data"], &data); err != nil || data["600519"].Price != 1700 {
		t.Fatalf("行情数据错误: %s", resp["data"])
	}
	var missing []string
	if err := json.Unmarshal(resp["missing"], &missing); err != nil || !reflect.DeepEqual(missing, []string{"000001"}) {
		t.Fatalf("缺失列表错误: %s", resp["missing"])
	}
	if !h.quotes.lastOpts.ForceRefresh || h.quotes.lastOpts.ReadOnly {
		t.Fatalf("查询选项未正确传递: %+v", h.quotes.lastOpts)
	}
}

func TestGetQuotesValidation(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{
		"/api/v1/quotes",
		"/api/v1/quotes?codes=,,",
		"/api/v1/quotes?codes=600519&readonly=maybe",
	} {
		if w, _ := h.do(t, http.MethodGet, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s 应返回400, 实际 %d", path, w.Code)
		}
	}
}

func TestGetTrend(t *testing.T) {
	h := newHarness(t)
	h.quotes.series = model.NewSeriesResult([]model.SeriesRecord{{Code: "600519", Points: []model.OHLCPoint{{Date: "2024-01-02", Close: 1}}}})

	w, _ := h.do(t, http.MethodGet, "/api/v1/trend?codes=600519&readonly=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, %s", w.Code, w.Body.String())
	}
	if h.quotes.lastDays != 60 || !h.quotes.lastOpts.ReadOnly {
		t.Fatalf("默认天数或只读选项错误: days=%d opts=%+v", h.quotes.lastDays, h.quotes.lastOpts)
	}

	if w, _ := h.do(t, http.MethodGet, "/api/v1/trend?codes=600519&days=1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("days=1 应返回400, 实际 %d", w.Code)
	}
	if w, _ := h.do(t, http.MethodGet, "/api/v1/trend?codes=600519&days=abc", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("非法days应返回400, 实际 %d", w.Code)
	}
}

func TestGetTrendDaysCapped(t *testing.T) {
	h := newHarness(t)
	if w, _ := h.do(t, http.MethodGet, "/api/v1/trend?codes=600519&days=100000", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("超过上限的days应返回400, 实际 %d", w.Code)
	}
	if h.quotes.lastDays != 0 {
		t.Fatalf("超限请求不应到达查询服务: days=%d", h.quotes.lastDays)
	}
	if w, _ := h.do(t, http.MethodGet, "/api/v1/trend?codes=600519&days=1000", ""); w.Code != http.StatusOK {
		t.Fatalf("days=1000 应被接受, 实际 %d", w.Code)
	}
}

func TestProvidersAndReset(t *testing.T) {
	h := newHarness(t)
	h.lb.Breaker().RecordFailure("tushare")
	h.lb.RecordOutcome("akshare", true, 20*time.Millisecond)

	w, resp := h.do(t, http.MethodGet, "/api/v1/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("状态码 = %d", w.Code)
	}
	var views []providerView
	if err := json.Unmarshal(resp["data"], &views); err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if len(views) != 2 || views[0].Provider != "akshare" || views[1].Provider != "tushare" {
		t.Fatalf("数据源列表错误: %+v", views)
	}
	if views[1].State != "open" || views[1].OpenedAt == nil {
		t.Fatalf("tushare 应处于熔断状态: %+v", views[1])
	}
	if views[0].State != "closed" || views[0].Samples != 1 {
		t.Fatalf("akshare 统计错误: %+v", views[0])
	}

	if w, _ := h.do(t, http.MethodPost, "/api/v1/providers/tushare/reset", ""); w.Code != http.StatusOK {
		t.Fatalf("重置状态码 = %d", w.Code)
	}
	if !h.lb.Breaker().IsAvailable("tushare") {
		t.Fatal("重置后应可用")
	}
}

func TestDeleteCache(t *testing.T) {
	h := newHarness(t)
	w, resp := h.do(t, http.MethodDelete, "/api/v1/cache?code=600519,000001&kind=price&date=2024-01-02", "")
	if w.Code != http.StatusOK || string(resp["deleted"]) != "2" {
		t.Fatalf("删除结果错误: %d %s", w.Code, w.Body.String())
	}
	want := cache.Filter{Codes: []string{"600519", "000001"}, Kind: model.KindPrice, Date: "2024-01-02"}
	if !reflect.DeepEqual(h.cache.last, want) {
		t.Fatalf("过滤条件 = %+v, 期望 %+v", h.cache.last, want)
	}

	for _, path := range []string{"/api/v1/cache?kind=tick", "/api/v1/cache?date=20240102"} {
		if w, _ := h.do(t, http.MethodDelete, path, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s 应返回400, 实际 %d", path, w.Code)
		}
	}
}

func TestWatchlistRoutes(t *testing.T) {
	h := newHarness(t)
	w, resp := h.do(t, http.MethodPost, "/api/v1/watchlist", `{"code":" 600519 ","note":"白酒"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("添加状态码 = %d, %s", w.Code, w.Body.String())
	}
	var item repository.WatchItem
	if err := json.Unmarshal(resp["data"], &item); err != nil || item.Code != "600519" {
		t.Fatalf("添加结果错误: %s", resp["data"])
	}

	if w, _ := h.do(t, http.MethodPost, "/api/v1/watchlist", `{"note":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("缺少code应返回400, 实际 %d", w.Code)
	}

	_, resp = h.do(t, http.MethodGet, "/api/v1/watchlist", "")
	var items []repository.WatchItem
	if err := json.Unmarshal(resp["data"], &items); err != nil || len(items) != 1 {
		t.Fatalf("列表错误: %s", resp["data"])
	}

	if w, _ := h.do(t, http.MethodDelete, "/api/v1/watchlist/"+item.ID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("删除状态码 = %d", w.Code)
	}
	if w, _ := h.do(t, http.MethodDelete, "/api/v1/watchlist/"+item.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("重复删除应返回404, 实际 %d", w.Code)
	}
}
