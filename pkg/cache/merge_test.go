package cache

import (
	"errors"
	"reflect"
	"testing"

	"QuoteHub/pkg/model"
)

func pt(date string, close float64) model.OHLCPoint {
	return model.OHLCPoint{Date: date, Open: close, High: close, Low: close, Close: close}
}

func TestMergeIncrementalScenario(t *testing.T) {
	cached := []model.OHLCPoint{pt("2024-01-01", 10), pt("2024-01-02", 11)}
	fresh := []model.OHLCPoint{pt("2024-01-02", 11.5), pt("2024-01-03", 12)}

	got, err := MergeSeries(cached, fresh, 30)
	if err != nil {
		t.Fatalf("MergeSeries: %v", err)
	}
	want := []struct {
		date  string
		close float64
		pct   float64
	}{
		{"2024-01-01", 10, 0},
		{"2024-01-02", 11.5, 15},
		{"2024-01-03", 12, 20},
	}
	if len(got) != len(want) {
		t.Fatalf("点数 = %d, 期望 %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Date != w.date || got[i].Close != w.close || got[i].ChangePct != w.pct {
			t.Errorf("第%d点 = %+v, 期望 %+v", i, got[i], w)
		}
	}
}

func TestMergeNewWinsAndRebases(t *testing.T) {
	var cached, fresh []model.OHLCPoint
	for i, d := range []string{"d1", "d2", "d3", "d4", "d5"} {
		cached = append(cached, pt(d, float64(10+i)))
	}
	for i, d := range []string{"d4", "d5", "d6", "d7"} {
		fresh = append(fresh, pt(d, float64(100+i)))
	}

	got, err := MergeSeries(cached, fresh, 7)
	if err != nil {
		t.Fatalf("MergeSeries: %v", err)
	}
	dates := make([]string, len(got))
	for i, p := range got {
		dates[i] = p.Date
	}
	if !reflect.DeepEqual(dates, []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7"}) {
		t.Fatalf("日期 = %v", dates)
	}
	if got[3].Close != 100 || got[4].Close != 101 {
		t.Fatalf("重叠日期应取新数据: %+v", got[3:5])
	}
	for _, p := range got {
		want := round2((p.Close - 10) / 10 * 100)
		if p.ChangePct != want {
			t.Errorf("%s 涨跌幅 = %v, 期望 %v", p.Date, p.ChangePct, want)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	points := []model.OHLCPoint{pt("2024-01-01", 10), pt("2024-01-02", 10.37), pt("2024-01-03", 9.81), pt("2024-01-04", 10.02)}
	once, err := MergeSeries(points, nil, 10)
	if err != nil {
		t.Fatalf("MergeSeries: %v", err)
	}
	twice, err := MergeSeries(once, once, 10)
	if err != nil {
		t.Fatalf("MergeSeries: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("自合并结果不一致:\n%+v\n%+v", once, twice)
	}
}

func TestMergeTruncatesToWindowAndRebases(t *testing.T) {
	points := []model.OHLCPoint{pt("2024-01-01", 10), pt("2024-01-02", 20), pt("2024-01-03", 25)}
	got, err := MergeSeries(points, nil, 2)
	if err != nil {
		t.Fatalf("MergeSeries: %v", err)
	}
	if len(got) != 2 || got[0].Date != "2024-01-02" || got[0].ChangePct != 0 || got[1].ChangePct != 25 {
		t.Fatalf("窗口截取后应以新首日为基准: %+v", got)
	}
	if points[1].ChangePct != 0 {
		t.Fatal("不应修改输入切片")
	}
}

func TestMergeInsufficientData(t *testing.T) {
	if _, err := MergeSeries([]model.OHLCPoint{pt("2024-01-01", 10)}, nil, 5); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("单点应返回数据不足, 实际 %v", err)
	}
	if _, err := MergeSeries(nil, nil, 5); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("空序列应返回数据不足, 实际 %v", err)
	}
	if _, err := MergeSeries([]model.OHLCPoint{pt("a", 1), pt("b", 2)}, nil, 1); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("窗口为1应返回数据不足, 实际 %v", err)
	}
}

func TestMergeRecordKeepsMetadata(t *testing.T) {
	cat := int64(3)
	cached := &model.SeriesRecord{Code: "600519", Name: "贵州茅台", CategoryID: &cat, Points: []model.OHLCPoint{pt("2024-01-01", 10)}}
	fresh := model.SeriesRecord{Code: "600519", Points: []model.OHLCPoint{pt("2024-01-02", 11)}, Source: "tushare"}
	got, err := MergeRecord(cached, fresh, 5)
	if err != nil {
		t.Fatalf("MergeRecord: %v", err)
	}
	if got.Name != "贵州茅台" || got.CategoryID == nil || *got.CategoryID != 3 || got.Source != "tushare" {
		t.Fatalf("元数据丢失: %+v", got)
	}
	if got.DataEndDate != "2024-01-02" || got.Window != 5 || len(got.Points) != 2 {
		t.Fatalf("合并结果错误: %+v", got)
	}
}
