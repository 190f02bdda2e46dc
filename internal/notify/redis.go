package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"industrial-andon/internal/event"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Options Redis 转发参数
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Publisher 把产线状态变更发布到 Redis 频道，供看板之外的系统订阅
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewPublisher 连接 Redis 并确认可用
func NewPublisher(ctx context.Context, opts Options, logger *slog.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	logger = logger.With("component", "redis-relay", "channel", opts.Channel)
	logger.Info("Redis 转发已连接", "addr", opts.Addr)
	return &Publisher{client: client, channel: opts.Channel, logger: logger}, nil
}

// Publish 发布一条消息
func (p *Publisher) Publish(ctx context.Context, msg event.Envelope) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// Close 关闭连接
func (p *Publisher) Close() error {
	return p.client.Close()
}
