package collector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"QuoteHub/pkg/model"
)

// TushareName 数据源名称
const TushareName = "tushare"

// TushareAdapter Tushare数据源适配器
type TushareAdapter struct {
	client *TushareClient
	now    func() time.Time
}

// NewTushareAdapter 创建Tushare适配器
func NewTushareAdapter(apiKey, baseURL string, timeout time.Duration) *TushareAdapter {
	return &TushareAdapter{
		client: NewTushareClient(apiKey, baseURL, timeout),
		now:    time.Now,
	}
}

// Name 数据源名称
func (t *TushareAdapter) Name() string {
	return TushareName
}

// FetchPrices 获取实时行情数据
func (t *TushareAdapter) FetchPrices(ctx context.Context, codes []string) (map[string]model.PriceSnapshot, error) {
	if len(codes) == 0 {
		return nil, wrapErr(TushareName, "quotes", fmt.Errorf("股票代码列表不能为空"))
	}

	tsCodes, back := toTushareCodes(codes)
	params := map[string]interface{}{
		"ts_code": strings.Join(tsCodes, ","),
	}

	resp, err := t.client.GetRealtimeQuotes(ctx, params)
	if err != nil {
		return nil, wrapErr(TushareName, "quotes", fmt.Errorf("获取实时行情失败: %w", err))
	}

	rows, err := rowsOf(resp, "ts_code", "close")
	if err != nil {
		return nil, wrapErr(TushareName, "quotes", err)
	}

	fetchedAt := t.now()
	result := make(map[string]model.PriceSnapshot, len(rows))
	for _, row := range rows {
		code, ok := back[row.str("ts_code")]
		if !ok {
			continue
		}
		result[code] = model.PriceSnapshot{
			Code:      code,
			Name:      row.str("name"),
			Price:     row.num("close"),
			Change:    row.num("change"),
			ChangePct: row.num("pct_chg"),
			Volume:    row.num("vol"),
			High:      row.num("high"),
			Low:       row.num("low"),
			Open:      row.num("open"),
			PrevClose: row.num("pre_close"),
			FetchedAt: fetchedAt,
			Market:    model.MarketOf(code),
			Source:    TushareName,
		}
	}
	return result, nil
}

// FetchSeries 获取最近days个交易日的日线
func (t *TushareAdapter) FetchSeries(ctx context.Context, codes []string, days int) (map[string]model.SeriesRecord, error) {
	if len(codes) == 0 || days <= 0 {
		return nil, wrapErr(TushareName, "daily", fmt.Errorf("参数无效: %d个代码, %d天", len(codes), days))
	}

	tsCodes, back := toTushareCodes(codes)
	end := t.now()
	// 自然日窗口需覆盖周末与节假日
	start := end.AddDate(0, 0, -(days*2 + 10))
	params := map[string]interface{}{
		"ts_code":    strings.Join(tsCodes, ","),
		"start_date": start.Format("20060102"),
		"end_date":   end.Format("20060102"),
	}

	resp, err := t.client.GetDailyQuotes(ctx, params)
	if err != nil {
		return nil, wrapErr(TushareName, "daily", fmt.Errorf("获取日线行情失败: %w", err))
	}

	rows, err := rowsOf(resp, "ts_code", "trade_date", "close")
	if err != nil {
		return nil, wrapErr(TushareName, "daily", err)
	}

	points := make(map[string][]model.OHLCPoint)
	for _, row := range rows {
		code, ok := back[row.str("ts_code")]
		if !ok {
			continue
		}
		date, err := time.Parse("20060102", row.str("trade_date"))
		if err != nil {
			continue
		}
		points[code] = append(points[code], model.OHLCPoint{
			Date:   date.Format(model.DateLayout),
			Open:   row.num("open"),
			High:   row.num("high"),
			Low:    row.num("low"),
			Close:  row.num("close"),
			Volume: row.num("vol"),
		})
	}

	result := make(map[string]model.SeriesRecord, len(points))
	for code, pts := range points {
		result[code] = buildSeries(code, "", pts, days, TushareName)
	}
	return result, nil
}

// buildSeries 排序并截取最近days个点
func buildSeries(code, name string, pts []model.OHLCPoint, days int, source string) model.SeriesRecord {
	sort.Slice(pts, func(i, j int) bool { return pts[i].Date < pts[j].Date })
	if len(pts) > days {
		pts = pts[len(pts)-days:]
	}
	rec := model.SeriesRecord{Code: code, Name: name, Points: pts, Window: days, Source: source}
	rec.DataEndDate = rec.LastDate()
	return rec
}

// toTushareCodes 转换为ts_code，返回ts_code到原代码的映射
func toTushareCodes(codes []string) ([]string, map[string]string) {
	tsCodes := make([]string, 0, len(codes))
	back := make(map[string]string, len(codes))
	for _, code := range codes {
		ts := ToTushareCode(code)
		tsCodes = append(tsCodes, ts)
		back[ts] = code
	}
	return tsCodes, back
}

// ToTushareCode 6位代码补全交易所后缀
func ToTushareCode(code string) string {
	code = model.NormalizeCode(code)
	if strings.Contains(code, ".") || len(code) != 6 {
		return code
	}
	switch code[0] {
	case '6', '9':
		return code + ".SH"
	case '4', '8':
		return code + ".BJ"
	default:
		return code + ".SZ"
	}
}

type tushareRow struct {
	idx  map[string]int
	item []interface{}
}

func (r tushareRow) value(field string) (interface{}, bool) {
	i, ok := r.idx[field]
	if !ok || i >= len(r.item) {
		return nil, false
	}
	return r.item[i], true
}

func (r tushareRow) str(field string) string {
	v, ok := r.value(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (r tushareRow) num(field string) float64 {
	v, ok := r.value(field)
	if !ok {
		return 0
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0
	}
	return f
}

// rowsOf 检查必要字段并按字段名访问
func rowsOf(resp *TushareResponse, required ...string) ([]tushareRow, error) {
	idx := make(map[string]int, len(resp.Data.Fields))
	for i, field := range resp.Data.Fields {
		idx[field] = i
	}
	for _, field := range required {
		if _, exists := idx[field]; !exists {
			return nil, fmt.Errorf("响应中缺少必要字段: %s", field)
		}
	}
	rows := make([]tushareRow, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		rows = append(rows, tushareRow{idx: idx, item: item})
	}
	return rows, nil
}

// toFloat64 将接口类型转换为float64
func toFloat64(v interface{}) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(value), 64)
	default:
		return 0, fmt.Errorf("无法转换为float64: %v", v)
	}
}
