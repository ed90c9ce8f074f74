package cache

import (
	"errors"
	"math"
	"sort"

	"QuoteHub/pkg/model"
)

// ErrInsufficientData 合并后不足两个点
var ErrInsufficientData = errors.New("K线数据不足")

// MergeSeries 按日期合并，新数据覆盖旧数据，升序后保留最近days个点，
// 并以窗口首日收盘价重算涨跌幅
func MergeSeries(cached, fresh []model.OHLCPoint, days int) ([]model.OHLCPoint, error) {
	byDate := make(map[string]model.OHLCPoint, len(cached)+len(fresh))
	for _, p := range cached {
		byDate[p.Date] = p
	}
	for _, p := range fresh {
		byDate[p.Date] = p
	}

	points := make([]model.OHLCPoint, 0, len(byDate))
	for _, p := range byDate {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })

	if days > 0 && len(points) > days {
		points = points[len(points)-days:]
	}
	if len(points) < 2 {
		return nil, ErrInsufficientData
	}

	base := points[0].Close
	for i := range points {
		if base == 0 {
			points[i].ChangePct = 0
			continue
		}
		points[i].ChangePct = round2((points[i].Close - base) / base * 100)
	}
	return points, nil
}

// MergeRecord 合并缓存序列与增量序列，返回新的序列记录
func MergeRecord(cached *model.SeriesRecord, fresh model.SeriesRecord, days int) (model.SeriesRecord, error) {
	var base []model.OHLCPoint
	merged := fresh
	if cached != nil {
		base = cached.Points
		if merged.Name == "" {
			merged.Name = cached.Name
		}
		if merged.CategoryID == nil {
			merged.CategoryID = cached.CategoryID
		}
	}
	points, err := MergeSeries(base, fresh.Points, days)
	if err != nil {
		return model.SeriesRecord{}, err
	}
	merged.Points = points
	merged.Window = days
	merged.DataEndDate = points[len(points)-1].Date
	merged.Degraded = false
	return merged, nil
}

// Window 从缓存序列截取days窗口并重算涨跌幅
func Window(rec model.SeriesRecord, days int) (model.SeriesRecord, error) {
	points, err := MergeSeries(rec.Points, nil, days)
	if err != nil {
		return model.SeriesRecord{}, err
	}
	rec.Points = points
	return rec, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
