package model

// DateLayout 日期格式
const DateLayout = "2006-01-02"

// OHLCPoint 单日K线
type OHLCPoint struct {
	Date      string  `json:"date"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	ChangePct float64 `json:"change_pct"` // 相对窗口首日收盘价的涨跌幅
}

// SeriesRecord K线序列
type SeriesRecord struct {
	Code        string      `json:"code"`
	Name        string      `json:"name"`
	CategoryID  *int64      `json:"category_id,omitempty"`
	Points      []OHLCPoint `json:"points"`
	IsComplete  bool        `json:"is_complete"`
	DataEndDate string      `json:"data_end_date"`
	Window      int         `json:"window"` // 构建时请求的天数
	Source      string      `json:"source,omitempty"`
	Degraded    bool        `json:"degraded,omitempty"`
}

// FirstDate 序列首日，空序列返回空串
func (s SeriesRecord) FirstDate() string {
	if len(s.Points) == 0 {
		return ""
	}
	return s.Points[0].Date
}

// LastDate 序列末日，空序列返回空串
func (s SeriesRecord) LastDate() string {
	if len(s.Points) == 0 {
		return ""
	}
	return s.Points[len(s.Points)-1].Date
}

// Covers 缓存序列能否满足days长度的窗口
func (s SeriesRecord) Covers(days int) bool {
	return len(s.Points) >= days || s.Window >= days
}

// AsDegraded 返回带降级标记的副本
func (s SeriesRecord) AsDegraded() SeriesRecord {
	s.Degraded = true
	return s
}

// DateRange 日期范围
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// SeriesResult 趋势查询结果
type SeriesResult struct {
	Stocks    []SeriesRecord `json:"stocks"`
	DateRange DateRange      `json:"date_range"`
}

// NewSeriesResult 汇总日期范围
func NewSeriesResult(records []SeriesRecord) *SeriesResult {
	result := &SeriesResult{Stocks: records}
	for _, r := range records {
		first, last := r.FirstDate(), r.LastDate()
		if first != "" && (result.DateRange.Start == "" || first < result.DateRange.Start) {
			result.DateRange.Start = first
		}
		if last > result.DateRange.End {
			result.DateRange.End = last
		}
	}
	if result.Stocks == nil {
		result.Stocks = []SeriesRecord{}
	}
	return result
}
