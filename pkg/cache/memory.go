package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"QuoteHub/pkg/calendar"
	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// 默认参数
const (
	DefaultFlushDebounce    = 5 * time.Second
	DefaultEvictionInterval = time.Minute
)

// Item 进程内缓存条目
type Item struct {
	Code      string               `json:"code"`
	Kind      model.DataKind       `json:"kind"`
	Price     *model.PriceSnapshot `json:"price,omitempty"`
	Series    *model.SeriesRecord  `json:"series,omitempty"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type memKey struct {
	code string
	kind model.DataKind
}

// MemoryOptions 进程内缓存选项
type MemoryOptions struct {
	// SnapshotPath 为空时不落盘
	SnapshotPath     string
	FlushDebounce    time.Duration
	EvictionInterval time.Duration
	Logger           *logger.Log
}

// MemoryCache 一级缓存，按(code, kind)存放，过期由TTL策略决定
type MemoryCache struct {
	ttl  *calendar.TTLStrategy
	opts MemoryOptions
	log  *logger.Entry

	mu    sync.RWMutex
	items map[memKey]Item

	flushMu    sync.Mutex
	flushTimer *time.Timer
	closed     bool

	// writeMu 串行化快照写入
	writeMu sync.Mutex
}

// NewMemoryCache 创建一级缓存
func NewMemoryCache(ttl *calendar.TTLStrategy, opts MemoryOptions) *MemoryCache {
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = DefaultFlushDebounce
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	l := opts.Logger
	if l == nil {
		l = logger.GetLogger()
	}
	return &MemoryCache{
		ttl:   ttl,
		opts:  opts,
		log:   l.WithComponent("memory_cache"),
		items: make(map[memKey]Item),
	}
}

// Start 启动过期清理，ctx结束后停止并落盘
func (c *MemoryCache) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.opts.EvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := c.Close(); err != nil {
					c.log.WithError(err).Warn("关闭时写入缓存快照失败")
				}
				return
			case <-ticker.C:
				if n := c.EvictExpired(); n > 0 {
					c.log.WithField("evicted", n).Debug("清理过期缓存")
				}
			}
		}
	}()
}

// Get 读取未过期条目
func (c *MemoryCache) Get(code string, kind model.DataKind) (Item, bool) {
	c.mu.RLock()
	item, ok := c.items[memKey{code, kind}]
	c.mu.RUnlock()
	if !ok || !c.ttl.Now().Before(item.ExpiresAt) {
		return Item{}, false
	}
	return item, true
}

// GetStale 读取条目，不论是否过期
func (c *MemoryCache) GetStale(code string, kind model.DataKind) (Item, bool) {
	c.mu.RLock()
	item, ok := c.items[memKey{code, kind}]
	c.mu.RUnlock()
	return item, ok
}

// GetPrice 读取未过期的行情快照
func (c *MemoryCache) GetPrice(code string) (model.PriceSnapshot, bool) {
	item, ok := c.Get(code, model.KindPrice)
	if !ok || item.Price == nil {
		return model.PriceSnapshot{}, false
	}
	return *item.Price, true
}

// GetSeries 读取未过期的K线序列
func (c *MemoryCache) GetSeries(code string) (model.SeriesRecord, bool) {
	item, ok := c.Get(code, model.KindSeries)
	if !ok || item.Series == nil {
		return model.SeriesRecord{}, false
	}
	return *item.Series, true
}

// SetPrice 写入行情快照，过期时间从抓取时刻起算
func (c *MemoryCache) SetPrice(p model.PriceSnapshot) {
	c.SetPriceAt(p, p.FetchedAt)
}

// SetPriceAt 写入行情快照，过期时间从at起算
func (c *MemoryCache) SetPriceAt(p model.PriceSnapshot, at time.Time) {
	c.set(Item{Code: p.Code, Kind: model.KindPrice, Price: &p}, at)
}

// SetSeries 写入K线序列，过期时间从当前时刻起算
func (c *MemoryCache) SetSeries(s model.SeriesRecord) {
	c.SetSeriesAt(s, time.Time{})
}

// SetSeriesAt 写入K线序列，过期时间从at起算
func (c *MemoryCache) SetSeriesAt(s model.SeriesRecord, at time.Time) {
	c.set(Item{Code: s.Code, Kind: model.KindSeries, Series: &s}, at)
}

// set at为零值时取当前时刻
func (c *MemoryCache) set(item Item, at time.Time) {
	if at.IsZero() {
		at = c.ttl.Now()
	}
	item.ExpiresAt = c.ttl.ExpiresAt(item.Code, at)
	c.mu.Lock()
	c.items[memKey{item.Code, item.Kind}] = item
	c.mu.Unlock()
	c.scheduleFlush()
}

// Invalidate 删除条目，kind为空时删除该代码的全部类型
func (c *MemoryCache) Invalidate(code string, kind model.DataKind) {
	c.mu.Lock()
	if kind == "" {
		delete(c.items, memKey{code, model.KindPrice})
		delete(c.items, memKey{code, model.KindSeries})
	} else {
		delete(c.items, memKey{code, kind})
	}
	c.mu.Unlock()
	c.scheduleFlush()
}

// InvalidateKind 删除某一类型的全部条目，kind为空时清空
func (c *MemoryCache) InvalidateKind(kind model.DataKind) int {
	c.mu.Lock()
	n := 0
	for k := range c.items {
		if kind == "" || k.kind == kind {
			delete(c.items, k)
			n++
		}
	}
	c.mu.Unlock()
	c.scheduleFlush()
	return n
}

// EvictExpired 清理过期条目，返回清理数量
func (c *MemoryCache) EvictExpired() int {
	now := c.ttl.Now()
	c.mu.Lock()
	n := 0
	for k, item := range c.items {
		if !now.Before(item.ExpiresAt) {
			delete(c.items, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.scheduleFlush()
	}
	return n
}

// Len 条目数
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// scheduleFlush 防抖落盘
func (c *MemoryCache) scheduleFlush() {
	if c.opts.SnapshotPath == "" {
		return
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.closed {
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.opts.FlushDebounce, func() {
		if err := c.Flush(); err != nil {
			c.log.WithError(err).Warn("写入缓存快照失败")
		}
	})
}

// Flush 立即写入快照文件
func (c *MemoryCache) Flush() error {
	if c.opts.SnapshotPath == "" {
		return nil
	}
	c.mu.RLock()
	items := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		items = append(items, item)
	}
	c.mu.RUnlock()

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("序列化缓存快照失败: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	dir := filepath.Dir(c.opts.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建快照目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.opts.SnapshotPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时快照失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入缓存快照失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("写入缓存快照失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.opts.SnapshotPath); err != nil {
		return fmt.Errorf("替换缓存快照失败: %w", err)
	}
	return nil
}

// Load 从快照文件预热，丢弃已过期条目，返回载入数量
func (c *MemoryCache) Load() (int, error) {
	if c.opts.SnapshotPath == "" {
		return 0, nil
	}
	data, err := os.ReadFile(c.opts.SnapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取缓存快照失败: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return 0, fmt.Errorf("解析缓存快照失败: %w", err)
	}

	now := c.ttl.Now()
	loaded := 0
	c.mu.Lock()
	for _, item := range items {
		if !now.Before(item.ExpiresAt) {
			continue
		}
		if (item.Kind == model.KindPrice) != (item.Price != nil) || (item.Kind == model.KindSeries) != (item.Series != nil) {
			continue
		}
		c.items[memKey{item.Code, item.Kind}] = item
		loaded++
	}
	c.mu.Unlock()
	return loaded, nil
}

// Close 停止防抖定时器并立即落盘
func (c *MemoryCache) Close() error {
	c.flushMu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.closed = true
	c.flushMu.Unlock()
	return c.Flush()
}
