package cache

import (
	"context"
	"testing"
	"time"

	"QuoteHub/pkg/model"
)

func entry(code string, kind model.DataKind, date string, complete bool) *model.CacheEntry {
	return &model.CacheEntry{
		Code:          code,
		Kind:          kind,
		Date:          date,
		Payload:       "{}",
		LastFetchTime: time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC),
		IsComplete:    complete,
		DataEndDate:   date,
	}
}

func TestMemoryStoreUpsertKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.BatchSet(ctx, []*model.CacheEntry{entry("600519", model.KindPrice, "2024-01-02", false)}); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}
	first, _ := s.BatchGet(ctx, []string{"600519"}, model.KindPrice, "2024-01-02")

	updated := entry("600519", model.KindPrice, "2024-01-02", true)
	updated.Payload = `{"price":1}`
	if err := s.BatchSet(ctx, []*model.CacheEntry{updated}); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("同一唯一键应覆盖, 条目数 %d", s.Len())
	}
	got, _ := s.BatchGet(ctx, []string{"600519"}, model.KindPrice, "2024-01-02")
	e := got["600519"]
	if e == nil || e.Payload != `{"price":1}` || !e.IsComplete {
		t.Fatalf("覆盖写入结果错误: %+v", e)
	}
	if e.ID != first["600519"].ID || !e.CreatedAt.Equal(first["600519"].CreatedAt) {
		t.Fatal("覆盖写入不应改变ID与创建时间")
	}
}

func TestMemoryStoreCompleteAndFetchTimes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.BatchSet(ctx, []*model.CacheEntry{
		entry("600519", model.KindSeries, "2024-01-02", true),
		entry("000001", model.KindSeries, "2024-01-02", false),
	})
	complete, err := s.GetComplete(ctx, []string{"600519", "000001", "300750"}, model.KindSeries, "2024-01-02")
	if err != nil {
		t.Fatalf("GetComplete: %v", err)
	}
	if len(complete) != 1 || complete["600519"] == nil {
		t.Fatalf("只应返回已定型条目: %v", complete)
	}
	times, _ := s.GetLastFetchTimes(ctx, []string{"600519", "000001"}, model.KindSeries, "2024-01-02")
	if len(times) != 2 {
		t.Fatalf("抓取时间数 = %d", len(times))
	}
}

func TestMemoryStoreLatestAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.BatchSet(ctx, []*model.CacheEntry{
		entry("600519", model.KindPrice, "2024-01-02", true),
		entry("600519", model.KindPrice, "2024-01-03", false),
		entry("600519", model.KindSeries, "2024-01-04", false),
		entry("000001", model.KindPrice, "2024-01-02", true),
	})
	latest, err := s.GetLatest(ctx, []string{"600519", "000001"}, model.KindPrice)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest["600519"].Date != "2024-01-03" || latest["000001"].Date != "2024-01-02" {
		t.Fatalf("最新条目错误: %+v", latest)
	}

	n, err := s.Delete(ctx, Filter{Kind: model.KindPrice, Date: "2024-01-02"})
	if err != nil || n != 2 {
		t.Fatalf("按类型与日期删除: %d, %v", n, err)
	}
	n, _ = s.Delete(ctx, Filter{Codes: []string{"600519"}})
	if n != 2 || s.Len() != 0 {
		t.Fatalf("按代码删除全部类型: %d, 剩余 %d", n, s.Len())
	}
}
