package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"QuoteHub/pkg/model"
)

// AKShareName 数据源名称
const AKShareName = "akshare"

// 历史日线并发请求数
const akHistConcurrency = 4

const (
	akSpotA  = "/stock_zh_a_spot_em"
	akSpotHK = "/stock_hk_spot_em"
	akHistA  = "/stock_zh_a_hist"
	akHistHK = "/stock_hk_hist"
)

// AKShareAdapter AKShare数据适配器
type AKShareAdapter struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewAKShareAdapter 创建新的AKShare数据适配器
func NewAKShareAdapter(baseURL string, timeout time.Duration) *AKShareAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AKShareAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Name 数据源名称
func (a *AKShareAdapter) Name() string {
	return AKShareName
}

// akBoard A股或港股及去掉后缀的代码
func akBoard(code string) (board string, symbol string, ok bool) {
	base, suffix, _ := strings.Cut(model.NormalizeCode(code), ".")
	switch model.MarketOf(code) {
	case model.MarketDomestic:
		return "A", base, true
	case model.MarketHongKong:
		if suffix == "HK" {
			return "HK", base, true
		}
	}
	return "", "", false
}

// FetchPrices 获取实时行情数据，每个市场只请求一次全量列表
func (a *AKShareAdapter) FetchPrices(ctx context.Context, codes []string) (map[string]model.PriceSnapshot, error) {
	wanted := map[string]map[string]string{} // board -> 去零代码 -> 原代码
	for _, code := range codes {
		board, symbol, ok := akBoard(code)
		if !ok {
			continue
		}
		if wanted[board] == nil {
			wanted[board] = map[string]string{}
		}
		wanted[board][strings.TrimLeft(symbol, "0")] = code
	}
	if len(wanted) == 0 {
		return nil, wrapErr(AKShareName, "spot", fmt.Errorf("不支持的股票代码: %v", codes))
	}

	result := make(map[string]model.PriceSnapshot, len(codes))
	var errs []error
	for board, symbols := range wanted {
		path := akSpotA
		if board == "HK" {
			path = akSpotHK
		}
		var list []map[string]interface{}
		if err := a.getJSON(ctx, path, nil, &list); err != nil {
			if IsRateLimited(err) {
				return nil, wrapErr(AKShareName, "spot", err)
			}
			errs = append(errs, fmt.Errorf("获取%s行情失败: %w", board, err))
			continue
		}

		fetchedAt := a.now()
		for _, stock := range list {
			key := strings.TrimLeft(fmt.Sprintf("%v", stock["代码"]), "0")
			code, ok := symbols[key]
			if !ok {
				continue
			}
			result[code] = model.PriceSnapshot{
				Code:      code,
				Name:      fmt.Sprintf("%v", stock["名称"]),
				Price:     pick(stock, "最新价"),
				Change:    pick(stock, "涨跌额"),
				ChangePct: pick(stock, "涨跌幅"),
				Volume:    pick(stock, "成交量"),
				High:      pick(stock, "最高", "最高价"),
				Low:       pick(stock, "最低", "最低价"),
				Open:      pick(stock, "今开", "开盘价"),
				PrevClose: pick(stock, "昨收"),
				FetchedAt: fetchedAt,
				Market:    model.MarketOf(code),
				Source:    AKShareName,
			}
		}
	}

	if len(result) == 0 && len(errs) > 0 {
		return nil, wrapErr(AKShareName, "spot", errors.Join(errs...))
	}
	return result, nil
}

// FetchSeries 按代码并发获取历史日线；超时或限流时返回已取得的部分结果
func (a *AKShareAdapter) FetchSeries(ctx context.Context, codes []string, days int) (map[string]model.SeriesRecord, error) {
	if days <= 0 {
		return nil, wrapErr(AKShareName, "hist", fmt.Errorf("天数无效: %d", days))
	}
	end := a.now()
	start := end.AddDate(0, 0, -(days*2 + 10))

	var (
		mu      sync.Mutex
		result  = make(map[string]model.SeriesRecord, len(codes))
		errs    []error
		limited atomic.Bool
	)
	var g errgroup.Group
	g.SetLimit(akHistConcurrency)
	for _, code := range codes {
		board, symbol, ok := akBoard(code)
		if !ok {
			continue
		}
		code := code
		g.Go(func() error {
			// 限流或超时后不再发起新请求
			if limited.Load() || ctx.Err() != nil {
				return nil
			}
			pts, err := a.fetchHist(ctx, board, symbol, start, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if IsRateLimited(err) {
					limited.Store(true)
				}
				errs = append(errs, fmt.Errorf("获取%s历史行情失败: %w", code, err))
				return nil
			}
			if len(pts) > 0 {
				result[code] = buildSeries(code, "", pts, days, AKShareName)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(result) > 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapErr(AKShareName, "hist", err)
	}
	if len(errs) > 0 {
		return nil, wrapErr(AKShareName, "hist", errors.Join(errs...))
	}
	return result, nil
}

// fetchHist 单个代码的历史日线
func (a *AKShareAdapter) fetchHist(ctx context.Context, board, symbol string, start, end time.Time) ([]model.OHLCPoint, error) {
	path := akHistA
	if board == "HK" {
		path = akHistHK
	}
	query := url.Values{
		"symbol":     {symbol},
		"period":     {"daily"},
		"start_date": {start.Format("20060102")},
		"end_date":   {end.Format("20060102")},
		"adjust":     {""},
	}
	var rows []map[string]interface{}
	if err := a.getJSON(ctx, path, query, &rows); err != nil {
		return nil, err
	}

	pts := make([]model.OHLCPoint, 0, len(rows))
	for _, row := range rows {
		date := fmt.Sprintf("%v", row["日期"])
		if len(date) > len(model.DateLayout) {
			date = date[:len(model.DateLayout)]
		}
		if _, err := time.Parse(model.DateLayout, date); err != nil {
			continue
		}
		pts = append(pts, model.OHLCPoint{
			Date:   date,
			Open:   pick(row, "开盘"),
			High:   pick(row, "最高"),
			Low:    pick(row, "最低"),
			Close:  pick(row, "收盘"),
			Volume: pick(row, "成交量"),
		})
	}
	return pts, nil
}

func (a *AKShareAdapter) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	apiURL := a.baseURL + path
	if len(query) > 0 {
		apiURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if isRateLimitText(string(body)) {
			return fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
		}
		return fmt.Errorf("API返回错误状态码: %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

func isRateLimitText(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") || strings.Contains(body, "访问频繁")
}

// pick 取第一个存在的字段并转换为float64
func pick(m map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return parseFloat(v)
		}
	}
	return 0
}

// parseFloat 将接口类型转换为float64
func parseFloat(v interface{}) float64 {
	f, err := toFloat64(v)
	if err != nil {
		return 0
	}
	return f
}
