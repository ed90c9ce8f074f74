package repository

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"QuoteHub/pkg/model"
)

// ErrNotFound 关注项不存在
var ErrNotFound = errors.New("关注项不存在")

// WatchItem 关注的代码
type WatchItem struct {
	ID        string       `json:"id"`
	Code      string       `json:"code"`
	Market    model.Market `json:"market"`
	Note      string       `json:"note,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Watchlist 需要定时刷新的代码列表
type Watchlist struct {
	mutex  sync.RWMutex
	byCode map[string]*WatchItem
	byID   map[string]*WatchItem
}

// NewWatchlist 创建关注列表，codes 为初始代码
func NewWatchlist(codes ...string) *Watchlist {
	w := &Watchlist{
		byCode: make(map[string]*WatchItem),
		byID:   make(map[string]*WatchItem),
	}
	for _, c := range codes {
		_, _ = w.Add(c, "")
	}
	return w
}

// Add 添加代码，已存在时返回原有关注项
func (w *Watchlist) Add(code, note string) (WatchItem, error) {
	code = model.NormalizeCode(code)
	if code == "" {
		return WatchItem{}, fmt.Errorf("代码不能为空")
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if item, ok := w.byCode[code]; ok {
		return *item, nil
	}
	item := &WatchItem{
		ID:        uuid.NewString(),
		Code:      code,
		Market:    model.MarketOf(code),
		Note:      note,
		CreatedAt: time.Now(),
	}
	w.byCode[code] = item
	w.byID[item.ID] = item
	return *item, nil
}

// Remove 按ID删除
func (w *Watchlist) Remove(id string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	item, ok := w.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(w.byID, id)
	delete(w.byCode, item.Code)
	return nil
}

// Get 按ID获取
func (w *Watchlist) Get(id string) (WatchItem, error) {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	item, ok := w.byID[id]
	if !ok {
		return WatchItem{}, ErrNotFound
	}
	return *item, nil
}

// List 全部关注项，按代码排序
func (w *Watchlist) List() []WatchItem {
	w.mutex.RLock()
	items := make([]WatchItem, 0, len(w.byCode))
	for _, item := range w.byCode {
		items = append(items, *item)
	}
	w.mutex.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	return items
}

// ListTrackedCodes 需要刷新的代码，只读
func (w *Watchlist) ListTrackedCodes() []string {
	items := w.List()
	codes := make([]string, len(items))
	for i, item := range items {
		codes[i] = item.Code
	}
	return codes
}
