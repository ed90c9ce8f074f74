package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

func TestToTushareCode(t *testing.T) {
	cases := map[string]string{
		"600519":    "600519.SH",
		"000001":    "000001.SZ",
		"300750":    "300750.SZ",
		"830799":    "830799.BJ",
		"000001.SZ": "000001.SZ",
		"00700.HK":  "00700.HK",
	}
	for in, want := range cases {
		if got := ToTushareCode(in); got != want {
			t.Errorf("ToTushareCode(%s) = %s, 期望 %s", in, got, want)
		}
	}
}

func tushareServer(t *testing.T, handler func(req TushareRequest) interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req TushareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("解析请求失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(handler(req)); err != nil {
			t.Errorf("编码响应失败: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTushareFetchPrices(t *testing.T) {
	srv := tushareServer(t, func(req TushareRequest) interface{} {
		if req.APIName != "quotes" || req.Token != "token" {
			t.Errorf("请求不符: %+v", req)
		}
		return map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"fields": []string{"ts_code", "name", "close", "pre_close", "pct_chg"},
				"items": [][]interface{}{
					{"600519.SH", "贵州茅台", 1700.5, 1690.0, 0.62},
					{"999999.SH", "未请求", 1.0, 1.0, 0},
				},
			},
		}
	})
	a := NewTushareAdapter("token", srv.URL, time.Second)
	a.now = func() time.Time { return fixedNow }

	got, err := a.FetchPrices(context.Background(), []string{"600519"})
	if err != nil {
		t.Fatalf("FetchPrices: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("应只返回请求的代码: %v", got)
	}
	snap := got["600519"]
	if snap.Price != 1700.5 || snap.PrevClose != 1690 || snap.Name != "贵州茅台" || !snap.FetchedAt.Equal(fixedNow) {
		t.Fatalf("行情解析错误: %+v", snap)
	}
	if snap.Source != TushareName || snap.Market != "CN" {
		t.Fatalf("来源或市场错误: %+v", snap)
	}
}

func TestTushareFetchSeriesSortsAndTruncates(t *testing.T) {
	srv := tushareServer(t, func(req TushareRequest) interface{} {
		return map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{
				"fields": []string{"ts_code", "trade_date", "open", "high", "low", "close", "vol"},
				"items": [][]interface{}{
					{"000001.SZ", "20240103", 10, 11, 9, "10.5", 100},
					{"000001.SZ", "20240102", 10, 11, 9, "10.0", 100},
					{"000001.SZ", "20231229", 10, 11, 9, "9.5", 100},
				},
			},
		}
	})
	a := NewTushareAdapter("token", srv.URL, time.Second)
	a.now = func() time.Time { return fixedNow }

	got, err := a.FetchSeries(context.Background(), []string{"000001"}, 2)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rec := got["000001"]
	if len(rec.Points) != 2 || rec.Points[0].Date != "2024-01-02" || rec.Points[1].Close != 10.5 {
		t.Fatalf("序列错误: %+v", rec.Points)
	}
	if rec.DataEndDate != "2024-01-03" || rec.Window != 2 {
		t.Fatalf("元数据错误: %+v", rec)
	}
}

func TestTushareRateLimitClassification(t *testing.T) {
	srv := tushareServer(t, func(TushareRequest) interface{} {
		return map[string]interface{}{"code": 40203, "msg": "抱歉，您每分钟最多访问该接口500次"}
	})
	a := NewTushareAdapter("token", srv.URL, time.Second)
	_, err := a.FetchPrices(context.Background(), []string{"600519"})
	if !IsRateLimited(err) {
		t.Fatalf("期望限流错误, 实际 %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != TushareName {
		t.Fatalf("期望 *ProviderError, 实际 %T", err)
	}
}

func TestTushareMissingFields(t *testing.T) {
	srv := tushareServer(t, func(TushareRequest) interface{} {
		return map[string]interface{}{"code": 0, "data": map[string]interface{}{"fields": []string{"name"}}}
	})
	a := NewTushareAdapter("token", srv.URL, time.Second)
	_, err := a.FetchPrices(context.Background(), []string{"600519"})
	if err == nil || IsRateLimited(err) {
		t.Fatalf("缺少字段应返回普通错误: %v", err)
	}
}

func TestAKShareFetchPrices(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/stock_zh_a_spot_em":
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{
				{"代码": "600519", "名称": "贵州茅台", "最新价": 1700.0, "今开": 1690.0, "昨收": 1680.0, "涨跌幅": 1.19},
				{"代码": "000001", "名称": "平安银行", "最新价": "10.5"},
			})
		case "/stock_hk_spot_em":
			_ = json.NewEncoder(w).Encode([]map[string]interface{}{
				{"代码": "00700", "名称": "腾讯控股", "最新价": 300.2},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, time.Second)
	got, err := a.FetchPrices(context.Background(), []string{"600519", "000001.SZ", "00700.HK", "AAPL"})
	if err != nil {
		t.Fatalf("FetchPrices: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("每个市场应只请求一次, 实际 %d 次", n)
	}
	if len(got) != 3 {
		t.Fatalf("结果数量错误: %v", got)
	}
	if got["000001.SZ"].Price != 10.5 || got["00700.HK"].Name != "腾讯控股" || got["600519"].Open != 1690 {
		t.Fatalf("行情解析错误: %+v", got)
	}
}

func TestAKShareFetchSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stock_zh_a_hist" || r.URL.Query().Get("symbol") != "600519" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"日期": "2024-01-02T00:00:00.000", "开盘": 10, "收盘": 10.0, "最高": 11, "最低": 9, "成交量": 1000},
			{"日期": "2024-01-03", "开盘": 10, "收盘": 11.0, "最高": 11, "最低": 9, "成交量": 1000},
		})
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, time.Second)
	a.now = func() time.Time { return fixedNow }
	got, err := a.FetchSeries(context.Background(), []string{"600519.SH"}, 5)
	if err != nil {
		t.Fatalf("FetchSeries: %v", err)
	}
	rec, ok := got["600519.SH"]
	if !ok || len(rec.Points) != 2 || rec.Points[0].Date != "2024-01-02" || rec.Points[1].Close != 11 {
		t.Fatalf("序列错误: %+v", got)
	}
}

func TestAKShareFetchSeriesKeepsPartialOnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "600000" {
			// 一直阻塞直到调用方超时
			<-r.Context().Done()
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"日期": "2024-01-02", "开盘": 10, "收盘": 10.0, "最高": 11, "最低": 9, "成交量": 1000},
			{"日期": "2024-01-03", "开盘": 10, "收盘": 11.0, "最高": 11, "最低": 9, "成交量": 1000},
		})
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, 5*time.Second)
	a.now = func() time.Time { return fixedNow }
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	got, err := a.FetchSeries(ctx, []string{"600519", "000001", "600000", "300750"}, 5)
	if err != nil {
		t.Fatalf("已取得部分结果时不应返回错误: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("应保留已完成的3个代码, 实际 %d", len(got))
	}
	if _, ok := got["600000"]; ok {
		t.Fatal("超时的代码不应出现在结果中")
	}
}

func TestAKShareFetchSeriesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, time.Second)
	_, err := a.FetchSeries(context.Background(), []string{"600519", "000001"}, 5)
	if !IsRateLimited(err) {
		t.Fatalf("期望限流错误, 实际 %v", err)
	}
}

func TestAKShareRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, time.Second)
	_, err := a.FetchPrices(context.Background(), []string{"600519"})
	if !IsRateLimited(err) {
		t.Fatalf("期望限流错误, 实际 %v", err)
	}
}

func TestAKShareServerErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	a := NewAKShareAdapter(srv.URL, time.Second)
	_, err := a.FetchPrices(context.Background(), []string{"600519"})
	var pe *ProviderError
	if !errors.As(err, &pe) || IsRateLimited(err) {
		t.Fatalf("期望普通 *ProviderError, 实际 %v", err)
	}
	if !strings.Contains(err.Error(), AKShareName) {
		t.Fatalf("错误信息应包含数据源名称: %v", err)
	}
}
