package cache

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"QuoteHub/pkg/model"
)

// 需要真实Redis，未设置 REDIS_ADDR 时跳过
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 REDIS_ADDR，跳过Redis集成测试")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis不可用: %v", err)
	}
	s := NewRedisStore(client, "quotehub:test:"+uuid.NewString())
	t.Cleanup(func() { _, _ = s.Delete(context.Background(), Filter{}) })
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	err := s.BatchSet(ctx, []*model.CacheEntry{
		entry("600519", model.KindPrice, "2024-01-02", true),
		entry("600519", model.KindPrice, "2024-01-03", false),
		entry("000001", model.KindPrice, "2024-01-02", false),
	})
	if err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	got, err := s.BatchGet(ctx, []string{"600519", "000001", "300750"}, model.KindPrice, "2024-01-02")
	if err != nil {
		t.Fatalf("BatchGet: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("命中数 = %d", len(got))
	}
	complete, _ := s.GetComplete(ctx, []string{"600519", "000001"}, model.KindPrice, "2024-01-02")
	if len(complete) != 1 {
		t.Fatalf("定型条目数 = %d", len(complete))
	}
	latest, err := s.GetLatest(ctx, []string{"600519", "300750"}, model.KindPrice)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if len(latest) != 1 || latest["600519"].Date != "2024-01-03" {
		t.Fatalf("最新条目错误: %+v", latest)
	}

	n, err := s.Delete(ctx, Filter{Codes: []string{"600519"}})
	if err != nil || n != 2 {
		t.Fatalf("Delete: %d, %v", n, err)
	}
	n, err = s.Delete(ctx, Filter{Kind: model.KindPrice})
	if err != nil || n != 1 {
		t.Fatalf("扫描删除: %d, %v", n, err)
	}
}
