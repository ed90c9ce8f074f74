package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"QuoteHub/pkg/logger"
	"QuoteHub/pkg/model"
)

// 行情流
const (
	QuotesStream  = "QUOTES_STREAM"
	QuotesSubject = "quotes"
)

// QuoteMessage 发布到 quotes.<market> 的消息体
type QuoteMessage struct {
	Market      model.Market          `json:"market"`
	PublishedAt time.Time             `json:"published_at"`
	Snapshots   []model.PriceSnapshot `json:"snapshots"`
}

// SubjectFor 市场对应的主题
func SubjectFor(market model.Market) string {
	return QuotesSubject + "." + strings.ToLower(string(market))
}

// EncodeSnapshots 序列化一批行情
func EncodeSnapshots(market model.Market, snaps []model.PriceSnapshot, at time.Time) ([]byte, error) {
	data, err := json.Marshal(QuoteMessage{Market: market, PublishedAt: at, Snapshots: snaps})
	if err != nil {
		return nil, fmt.Errorf("序列化行情消息失败: %w", err)
	}
	return data, nil
}

// NATSClient NATS JetStream客户端
type NATSClient struct {
	conn      *nats.Conn
	jetStream jetstream.JetStream
	natsURL   string
	log       *logger.Entry
}

// NewNATSClient 创建新的NATS客户端并确保行情流存在
func NewNATSClient(ctx context.Context, natsURL string, log *logger.Log) (*NATSClient, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent("nats")

	// 连接NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("quotehub"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // 无限重连
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			entry.WithError(err).Warn("NATS连接断开")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.Info("NATS重新连接成功")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}

	// 创建JetStream上下文
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("创建JetStream失败: %w", err)
	}

	client := &NATSClient{conn: nc, jetStream: js, natsURL: natsURL, log: entry}
	if err := client.setupStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return client, nil
}

// setupStreams 设置行情流
func (c *NATSClient) setupStreams(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        QuotesStream,
		Subjects:    []string{QuotesSubject + ".*"},
		Description: "股票行情数据流",
		Retention:   jetstream.LimitsPolicy,
		MaxMsgs:     100000,
		MaxBytes:    100 * 1024 * 1024, // 100MB
		MaxAge:      24 * time.Hour,    // 保留24小时
	}
	if _, err := c.jetStream.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("创建/更新Stream %s 失败: %w", cfg.Name, err)
	}
	c.log.WithField("stream", cfg.Name).Info("Stream 设置成功")
	return nil
}

// Publish 发布消息到指定主题
func (c *NATSClient) Publish(ctx context.Context, subject string, payload []byte) error {
	if _, err := c.jetStream.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("发布消息到 %s 失败: %w", subject, err)
	}
	c.log.WithFields(logger.Fields{"subject": subject, "bytes": len(payload)}).Debug("发布消息")
	return nil
}

// PublishSnapshots 按市场发布一批新抓取的行情
func (c *NATSClient) PublishSnapshots(ctx context.Context, market model.Market, snaps []model.PriceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	payload, err := EncodeSnapshots(market, snaps, time.Now())
	if err != nil {
		return err
	}
	return c.Publish(ctx, SubjectFor(market), payload)
}

// Ping 连接状态检查
func (c *NATSClient) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("NATS未连接: %s", c.natsURL)
	}
	if _, err := c.jetStream.Stream(ctx, QuotesStream); err != nil {
		return fmt.Errorf("获取Stream %s 失败: %w", QuotesStream, err)
	}
	return nil
}

// IsConnected 检查连接状态
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close 关闭连接，先排空未发送的消息
func (c *NATSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return fmt.Errorf("关闭NATS连接失败: %w", err)
	}
	c.log.Info("NATS连接已关闭")
	return nil
}
