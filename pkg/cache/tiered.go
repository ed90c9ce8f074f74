package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QuoteHub/pkg/calendar"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// 缓存层级与命中结果
const (
	TierMemory  = "memory"
	TierDurable = "durable"

	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Recorder 缓存观测
type Recorder interface {
	CacheLookup(tier string, kind model.DataKind, result string, n int)
	DegradedServed(kind model.DataKind, n int)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(string, model.DataKind, string, int) {}
func (nopRecorder) DegradedServed(model.DataKind, int)              {}

// TieredCache 一级进程内缓存与二级持久缓存的组合
type TieredCache struct {
	mem      *MemoryCache
	store    Store
	ttl      *calendar.TTLStrategy
	log      *logger.Entry
	recorder Recorder
}

// NewTieredCache 创建分级缓存
func NewTieredCache(mem *MemoryCache, store Store, ttl *calendar.TTLStrategy, log *logger.Log, recorder Recorder) *TieredCache {
	if log == nil {
		log = logger.GetLogger()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &TieredCache{mem: mem, store: store, ttl: ttl, log: log.WithComponent("tiered_cache"), recorder: recorder}
}

// Memory 一级缓存
func (c *TieredCache) Memory() *MemoryCache { return c.mem }

// Store 二级缓存
func (c *TieredCache) Store() Store { return c.store }

// TTL 缓存有效期策略
func (c *TieredCache) TTL() *calendar.TTLStrategy { return c.ttl }

// DateKey 代码在t时刻对应的持久层日期键
func (c *TieredCache) DateKey(code string, t time.Time) string {
	return c.ttl.Calendar().LocalDate(model.MarketOf(code), t)
}

// MemoryPrices 一级缓存命中的行情
func (c *TieredCache) MemoryPrices(codes []string) (map[string]model.PriceSnapshot, []string) {
	hits := make(map[string]model.PriceSnapshot, len(codes))
	misses := make([]string, 0, len(codes))
	for _, code := range codes {
		if p, ok := c.mem.GetPrice(code); ok {
			hits[code] = p
			continue
		}
		misses = append(misses, code)
	}
	c.recorder.CacheLookup(TierMemory, model.KindPrice, ResultHit, len(hits))
	c.recorder.CacheLookup(TierMemory, model.KindPrice, ResultMiss, len(misses))
	return hits, misses
}

// MemorySeries 一级缓存中覆盖days窗口的序列
func (c *TieredCache) MemorySeries(codes []string, days int) (map[string]model.SeriesRecord, []string) {
	hits := make(map[string]model.SeriesRecord, len(codes))
	misses := make([]string, 0, len(codes))
	for _, code := range codes {
		if rec, ok := c.mem.GetSeries(code); ok && rec.Covers(days) {
			if w, err := Window(rec, days); err == nil {
				hits[code] = w
				continue
			}
		}
		misses = append(misses, code)
	}
	c.recorder.CacheLookup(TierMemory, model.KindSeries, ResultHit, len(hits))
	c.recorder.CacheLookup(TierMemory, model.KindSeries, ResultMiss, len(misses))
	return hits, misses
}

// DurableEntries 按每个代码当前的日期键读取二级缓存
func (c *TieredCache) DurableEntries(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	now := c.ttl.Now()
	byDate := make(map[string][]string)
	for _, code := range codes {
		d := c.DateKey(code, now)
		byDate[d] = append(byDate[d], code)
	}
	out := make(map[string]*model.CacheEntry, len(codes))
	for date, group := range byDate {
		entries, err := c.store.BatchGet(ctx, group, kind, date)
		if err != nil {
			return nil, fmt.Errorf("读取持久缓存失败: %w", err)
		}
		for code, e := range entries {
			out[code] = e
		}
	}
	c.recorder.CacheLookup(TierDurable, kind, ResultHit, len(out))
	c.recorder.CacheLookup(TierDurable, kind, ResultMiss, len(codes)-len(out))
	return out, nil
}

// FreshEntries 二级缓存中无需刷新的条目：已定型的直接读取，其余先按抓取时间判定再读取
func (c *TieredCache) FreshEntries(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	now := c.ttl.Now()
	byDate := make(map[string][]string)
	for _, code := range codes {
		d := c.DateKey(code, now)
		byDate[d] = append(byDate[d], code)
	}
	out := make(map[string]*model.CacheEntry, len(codes))
	for date, group := range byDate {
		complete, err := c.store.GetComplete(ctx, group, kind, date)
		if err != nil {
			return nil, fmt.Errorf("读取持久缓存失败: %w", err)
		}
		for code, e := range complete {
			out[code] = e
		}
		rest := make([]string, 0, len(group)-len(complete))
		for _, code := range group {
			if _, ok := complete[code]; !ok {
				rest = append(rest, code)
			}
		}
		if len(rest) == 0 {
			continue
		}
		times, err := c.store.GetLastFetchTimes(ctx, rest, kind, date)
		if err != nil {
			return nil, fmt.Errorf("读取抓取时间失败: %w", err)
		}
		var fresh []string
		for _, code := range rest {
			if t, ok := times[code]; ok && !c.ttl.ShouldRefresh(code, t, date) {
				fresh = append(fresh, code)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		entries, err := c.store.BatchGet(ctx, fresh, kind, date)
		if err != nil {
			return nil, fmt.Errorf("读取持久缓存失败: %w", err)
		}
		for code, e := range entries {
			out[code] = e
		}
	}
	c.recorder.CacheLookup(TierDurable, kind, ResultHit, len(out))
	c.recorder.CacheLookup(TierDurable, kind, ResultMiss, len(codes)-len(out))
	return out, nil
}

// LatestEntries 每个代码最新日期的二级缓存条目
func (c *TieredCache) LatestEntries(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	if len(codes) == 0 {
		return map[string]*model.CacheEntry{}, nil
	}
	entries, err := c.store.GetLatest(ctx, codes, kind)
	if err != nil {
		return nil, fmt.Errorf("读取最新持久缓存失败: %w", err)
	}
	return entries, nil
}

// IsFresh 条目是否无需刷新
func (c *TieredCache) IsFresh(e *model.CacheEntry) bool {
	return !c.ttl.ShouldRefresh(e.Code, e.LastFetchTime, e.Date)
}

// promoteAt 回填一级缓存的过期起点：已定型从当前时刻起算，否则从上次抓取起算
func (c *TieredCache) promoteAt(e *model.CacheEntry) time.Time {
	if e.IsComplete || e.LastFetchTime.IsZero() {
		return c.ttl.Now()
	}
	return e.LastFetchTime
}

// PromotePrice 二级命中写回一级
func (c *TieredCache) PromotePrice(p model.PriceSnapshot, e *model.CacheEntry) {
	c.mem.SetPriceAt(p, c.promoteAt(e))
}

// PromoteSeries 二级命中写回一级
func (c *TieredCache) PromoteSeries(rec model.SeriesRecord, e *model.CacheEntry) {
	c.mem.SetSeriesAt(rec, c.promoteAt(e))
}

// SetPrices 写入两级缓存，日期键取抓取时刻的市场当地日期
func (c *TieredCache) SetPrices(ctx context.Context, snaps []model.PriceSnapshot) error {
	entries := make([]*model.CacheEntry, 0, len(snaps))
	for _, p := range snaps {
		date := c.DateKey(p.Code, p.FetchedAt)
		complete := c.ttl.IsDataCompleteAt(p.Code, date, p.FetchedAt)
		e, err := model.NewPriceEntry(p, date, complete)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		c.mem.SetPrice(p)
	}
	if err := c.store.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("写入持久缓存失败: %w", err)
	}
	return nil
}

// SeriesComplete fetchedAt 时刻抓取的序列是否已定型
func (c *TieredCache) SeriesComplete(code string, fetchedAt time.Time) bool {
	return c.ttl.IsDataCompleteAt(code, c.DateKey(code, fetchedAt), fetchedAt)
}

// SetSeries 写入两级缓存，定型标记由抓取时刻决定
func (c *TieredCache) SetSeries(ctx context.Context, recs []model.SeriesRecord, fetchedAt time.Time) error {
	entries := make([]*model.CacheEntry, 0, len(recs))
	for _, rec := range recs {
		date := c.DateKey(rec.Code, fetchedAt)
		rec.IsComplete = c.SeriesComplete(rec.Code, fetchedAt)
		e, err := model.NewSeriesEntry(rec, date, fetchedAt)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		c.mem.SetSeriesAt(rec, fetchedAt)
	}
	if err := c.store.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("写入持久缓存失败: %w", err)
	}
	return nil
}

// StalePrices 降级服务：返回能找到的最近一次行情，带降级标记
func (c *TieredCache) StalePrices(ctx context.Context, codes []string) (map[string]model.PriceSnapshot, error) {
	out := make(map[string]model.PriceSnapshot, len(codes))
	var rest []string
	for _, code := range codes {
		if item, ok := c.mem.GetStale(code, model.KindPrice); ok && item.Price != nil {
			out[code] = item.Price.AsDegraded()
			continue
		}
		rest = append(rest, code)
	}

	entries, err := c.LatestEntries(ctx, rest, model.KindPrice)
	if err != nil {
		c.recorder.DegradedServed(model.KindPrice, len(out))
		return out, err
	}
	for code, e := range entries {
		p, err := e.Price()
		if err != nil {
			c.log.WithError(err).WithField("code", code).Warn("持久缓存条目损坏")
			continue
		}
		out[code] = p.AsDegraded()
	}
	c.recorder.DegradedServed(model.KindPrice, len(out))
	return out, nil
}

// StaleSeries 降级服务：返回最近一次序列截取的days窗口，带降级标记
func (c *TieredCache) StaleSeries(ctx context.Context, codes []string, days int) (map[string]model.SeriesRecord, error) {
	out := make(map[string]model.SeriesRecord, len(codes))
	var rest []string
	for _, code := range codes {
		if item, ok := c.mem.GetStale(code, model.KindSeries); ok && item.Series != nil {
			if w, err := Window(*item.Series, days); err == nil {
				out[code] = w.AsDegraded()
				continue
			}
		}
		rest = append(rest, code)
	}

	entries, err := c.LatestEntries(ctx, rest, model.KindSeries)
	if err != nil {
		c.recorder.DegradedServed(model.KindSeries, len(out))
		return out, err
	}
	for code, e := range entries {
		rec, err := e.Series()
		if err != nil {
			c.log.WithError(err).WithField("code", code).Warn("持久缓存条目损坏")
			continue
		}
		w, err := Window(rec, days)
		if errors.Is(err, ErrInsufficientData) {
			continue
		}
		out[code] = w.AsDegraded()
	}
	c.recorder.DegradedServed(model.KindSeries, len(out))
	return out, nil
}

// Invalidate 删除两级缓存中满足条件的条目
func (c *TieredCache) Invalidate(ctx context.Context, filter Filter) (int64, error) {
	if len(filter.Codes) == 0 {
		c.mem.InvalidateKind(filter.Kind)
	} else {
		for _, code := range filter.Codes {
			c.mem.Invalidate(code, filter.Kind)
		}
	}
	n, err := c.store.Delete(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("删除持久缓存失败: %w", err)
	}
	c.log.WithFields(logger.Fields{"codes": filter.Codes, "kind": filter.Kind, "date": filter.Date, "deleted": n}).Info("缓存已失效")
	return n, nil
}
