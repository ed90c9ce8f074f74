package cache

import (
	"context"
	"errors"
	"time"

	"QuoteHub/pkg/model"
)

// ErrNotFound 缓存未命中
var ErrNotFound = errors.New("缓存未命中")

// Filter 删除条件，空字段表示不限
type Filter struct {
	Codes []string
	Kind  model.DataKind
	Date  string
}

// Matches 条目是否满足条件
func (f Filter) Matches(e *model.CacheEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Date != "" && e.Date != f.Date {
		return false
	}
	if len(f.Codes) == 0 {
		return true
	}
	for _, c := range f.Codes {
		if c == e.Code {
			return true
		}
	}
	return false
}

// Store 二级持久缓存，(code, kind, date) 唯一
type Store interface {
	BatchGet(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error)
	// BatchSet 按唯一键更新或插入
	BatchSet(ctx context.Context, entries []*model.CacheEntry) error
	GetComplete(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error)
	GetLastFetchTimes(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]time.Time, error)
	// GetLatest 每个代码日期最新的条目
	GetLatest(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error)
	Delete(ctx context.Context, filter Filter) (int64, error)
	Ping(ctx context.Context) error
}

// completeOnly 过滤已定型条目
func completeOnly(entries map[string]*model.CacheEntry) map[string]*model.CacheEntry {
	out := make(map[string]*model.CacheEntry, len(entries))
	for code, e := range entries {
		if e.IsComplete {
			out[code] = e
		}
	}
	return out
}

// fetchTimes 提取最后抓取时间
func fetchTimes(entries map[string]*model.CacheEntry) map[string]time.Time {
	out := make(map[string]time.Time, len(entries))
	for code, e := range entries {
		out[code] = e.LastFetchTime
	}
	return out
}
