package cache

import (
	"context"
	"sync"
	"time"

	"QuoteHub/pkg/model"
)

// MemoryStore 进程内实现的持久层，用于单进程部署与测试
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
	now     func() time.Time
}

// NewMemoryStore 创建内存持久层
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]model.CacheEntry), now: time.Now}
}

// BatchGet 按日期批量读取
func (s *MemoryStore) BatchGet(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.CacheEntry, len(codes))
	for _, code := range codes {
		if e, ok := s.entries[model.CacheKey(code, kind, date)]; ok {
			cp := e
			out[code] = &cp
		}
	}
	return out, nil
}

// BatchSet 按唯一键写入
func (s *MemoryStore) BatchSet(ctx context.Context, entries []*model.CacheEntry) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		key := e.Key()
		cp := *e
		if old, ok := s.entries[key]; ok {
			cp.ID = old.ID
			cp.CreatedAt = old.CreatedAt
		} else {
			cp.ID = uint(len(s.entries) + 1)
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		s.entries[key] = cp
	}
	return nil
}

// GetComplete 只返回已定型条目
func (s *MemoryStore) GetComplete(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	entries, err := s.BatchGet(ctx, codes, kind, date)
	if err != nil {
		return nil, err
	}
	return completeOnly(entries), nil
}

// GetLastFetchTimes 最后抓取时间
func (s *MemoryStore) GetLastFetchTimes(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]time.Time, error) {
	entries, err := s.BatchGet(ctx, codes, kind, date)
	if err != nil {
		return nil, err
	}
	return fetchTimes(entries), nil
}

// GetLatest 每个代码最新日期的条目
func (s *MemoryStore) GetLatest(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	wanted := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		wanted[c] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.CacheEntry, len(codes))
	for _, e := range s.entries {
		if e.Kind != kind {
			continue
		}
		if _, ok := wanted[e.Code]; !ok {
			continue
		}
		if cur, ok := out[e.Code]; ok && cur.Date >= e.Date {
			continue
		}
		cp := e
		out[e.Code] = &cp
	}
	return out, nil
}

// Delete 按条件删除
func (s *MemoryStore) Delete(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, e := range s.entries {
		if filter.Matches(&e) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// Ping 内存实现始终可用
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len 条目数
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
