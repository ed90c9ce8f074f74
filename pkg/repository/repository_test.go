package repository

import (
	"errors"
	"reflect"
	"testing"

	"QuoteHub/pkg/model"
)

func TestWatchlistSeedAndDedupe(t *testing.T) {
	w := NewWatchlist("600519", " 00700.hk ", "600519", "")
	if got := w.ListTrackedCodes(); !reflect.DeepEqual(got, []string{"00700.HK", "600519"}) {
		t.Fatalf("ListTrackedCodes() = %v", got)
	}
	items := w.List()
	if items[0].Market != model.MarketHongKong || items[0].ID == "" {
		t.Fatalf("关注项错误: %+v", items[0])
	}
}

func TestWatchlistAddRemove(t *testing.T) {
	w := NewWatchlist()
	item, err := w.Add("000001", "平安银行")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	again, _ := w.Add("000001", "重复")
	if again.ID != item.ID {
		t.Fatal("重复添加应返回原有关注项")
	}
	if got, err := w.Get(item.ID); err != nil || got.Note != "平安银行" {
		t.Fatalf("Get: %+v, %v", got, err)
	}
	if err := w.Remove(item.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := w.Remove(item.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("重复删除应返回 ErrNotFound, 实际 %v", err)
	}
	if len(w.ListTrackedCodes()) != 0 {
		t.Fatal("删除后列表应为空")
	}
	if _, err := w.Add("  ", ""); err == nil {
		t.Fatal("空代码应报错")
	}
}
