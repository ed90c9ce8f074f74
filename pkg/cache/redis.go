package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"QuoteHub/pkg/model"
)

// RedisStore 基于Redis的持久层
// 条目存于 {prefix}:entry:{code}:{kind}:{date}，每个(code, kind)的日期索引存于有序集合 {prefix}:dates:{code}:{kind}
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建Redis持久层
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quotehub:cache"
	}
	return &RedisStore{client: client, prefix: strings.TrimSuffix(prefix, ":"), now: time.Now}
}

func (s *RedisStore) entryKey(code string, kind model.DataKind, date string) string {
	return fmt.Sprintf("%s:entry:%s:%s:%s", s.prefix, code, kind, date)
}

func (s *RedisStore) datesKey(code string, kind model.DataKind) string {
	return fmt.Sprintf("%s:dates:%s:%s", s.prefix, code, kind)
}

func dateScore(date string) float64 {
	n, err := strconv.ParseFloat(strings.ReplaceAll(date, "-", ""), 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *RedisStore) mget(ctx context.Context, codes []string, keys []string) (map[string]*model.CacheEntry, error) {
	out := make(map[string]*model.CacheEntry, len(codes))
	if len(keys) == 0 {
		return out, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("读取Redis缓存失败: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e model.CacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("解析Redis缓存条目失败: %w", err)
		}
		out[codes[i]] = &e
	}
	return out, nil
}

// BatchGet 按日期批量读取
func (s *RedisStore) BatchGet(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = s.entryKey(code, kind, date)
	}
	return s.mget(ctx, codes, keys)
}

// BatchSet 覆盖写入并维护日期索引
func (s *RedisStore) BatchSet(ctx context.Context, entries []*model.CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := s.now()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			cp := *e
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = now
			}
			cp.UpdatedAt = now
			data, err := json.Marshal(cp)
			if err != nil {
				return fmt.Errorf("序列化缓存条目失败: %w", err)
			}
			pipe.Set(ctx, s.entryKey(e.Code, e.Kind, e.Date), data, 0)
			pipe.ZAdd(ctx, s.datesKey(e.Code, e.Kind), redis.Z{Score: dateScore(e.Date), Member: e.Date})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入Redis缓存失败: %w", err)
	}
	return nil
}

// GetComplete 只返回已定型条目
func (s *RedisStore) GetComplete(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]*model.CacheEntry, error) {
	entries, err := s.BatchGet(ctx, codes, kind, date)
	if err != nil {
		return nil, err
	}
	return completeOnly(entries), nil
}

// GetLastFetchTimes 最后抓取时间
func (s *RedisStore) GetLastFetchTimes(ctx context.Context, codes []string, kind model.DataKind, date string) (map[string]time.Time, error) {
	entries, err := s.BatchGet(ctx, codes, kind, date)
	if err != nil {
		return nil, err
	}
	return fetchTimes(entries), nil
}

// GetLatest 通过日期索引取每个代码最新的条目
func (s *RedisStore) GetLatest(ctx context.Context, codes []string, kind model.DataKind) (map[string]*model.CacheEntry, error) {
	if len(codes) == 0 {
		return map[string]*model.CacheEntry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(codes))
	for i, code := range codes {
		cmds[i] = pipe.ZRevRange(ctx, s.datesKey(code, kind), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("读取Redis日期索引失败: %w", err)
	}

	found := make([]string, 0, len(codes))
	keys := make([]string, 0, len(codes))
	for i, cmd := range cmds {
		dates, err := cmd.Result()
		if err != nil || len(dates) == 0 {
			continue
		}
		found = append(found, codes[i])
		keys = append(keys, s.entryKey(codes[i], kind, dates[0]))
	}
	return s.mget(ctx, found, keys)
}

// Delete 按条件删除；未指定代码时扫描键空间
func (s *RedisStore) Delete(ctx context.Context, filter Filter) (int64, error) {
	type target struct {
		code string
		kind model.DataKind
		date string
	}
	var targets []target

	kinds := []model.DataKind{model.KindPrice, model.KindSeries}
	if filter.Kind != "" {
		kinds = []model.DataKind{filter.Kind}
	}

	if len(filter.Codes) > 0 {
		for _, code := range filter.Codes {
			for _, kind := range kinds {
				if filter.Date != "" {
					targets = append(targets, target{code, kind, filter.Date})
					continue
				}
				dates, err := s.client.ZRange(ctx, s.datesKey(code, kind), 0, -1).Result()
				if err != nil && err != redis.Nil {
					return 0, fmt.Errorf("读取Redis日期索引失败: %w", err)
				}
				for _, d := range dates {
					targets = append(targets, target{code, kind, d})
				}
			}
		}
	} else {
		kindPattern, datePattern := "*", "*"
		if filter.Kind != "" {
			kindPattern = string(filter.Kind)
		}
		if filter.Date != "" {
			datePattern = filter.Date
		}
		match := fmt.Sprintf("%s:entry:*:%s:%s", s.prefix, kindPattern, datePattern)
		iter := s.client.Scan(ctx, 0, match, 200).Iterator()
		entryPrefix := s.prefix + ":entry:"
		for iter.Next(ctx) {
			parts := strings.Split(strings.TrimPrefix(iter.Val(), entryPrefix), ":")
			if len(parts) != 3 {
				continue
			}
			targets = append(targets, target{parts[0], model.DataKind(parts[1]), parts[2]})
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("扫描Redis缓存失败: %w", err)
		}
	}

	if len(targets) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	dels := make([]*redis.IntCmd, len(targets))
	for i, t := range targets {
		dels[i] = pipe.Del(ctx, s.entryKey(t.code, t.kind, t.date))
		pipe.ZRem(ctx, s.datesKey(t.code, t.kind), t.date)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("删除Redis缓存失败: %w", err)
	}
	var n int64
	for _, cmd := range dels {
		n += cmd.Val()
	}
	return n, nil
}

// Ping 检查连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
