package messaging

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

func TestSubjectFor(t *testing.T) {
	if got := SubjectFor(model.MarketDomestic); got != "quotes.cn" {
		t.Fatalf("SubjectFor(CN) = %s", got)
	}
	if got := SubjectFor(model.MarketHongKong); got != "quotes.hk" {
		t.Fatalf("SubjectFor(HK) = %s", got)
	}
}

func TestEncodeSnapshots(t *testing.T) {
	at := time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)
	data, err := EncodeSnapshots(model.MarketDomestic, []model.PriceSnapshot{{Code: "600519", Price: 1700}}, at)
	if err != nil {
		t.Fatalf("EncodeSnapshots: %v", err)
	}
	var msg QuoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Market != model.MarketDomestic || len(msg.Snapshots) != 1 || !msg.PublishedAt.Equal(at) {
		t.Fatalf("消息内容错误: %+v", msg)
	}
}

// 需要启用 JetStream 的 NATS，设置 NATS_URL 后运行
func TestPublishSnapshotsIntegration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("未设置 NATS_URL，跳过NATS集成测试")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewNATSClient(ctx, url, logger.Discard())
	if err != nil {
		t.Fatalf("NewNATSClient: %v", err)
	}
	defer c.Close()

	if err := c.PublishSnapshots(ctx, model.MarketDomestic, []model.PriceSnapshot{{Code: "600519", Price: 1700}}); err != nil {
		t.Fatalf("PublishSnapshots: %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
