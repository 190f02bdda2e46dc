package station

import (
	"context"
	"errors"
	"fmt"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/types"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrPublishTimeout broker 在时限内没有确认发布
var ErrPublishTimeout = errors.New("publish not confirmed in time")

// MQTTOptions MQTT 连接参数
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	PublishTimeout time.Duration // 等待 broker 确认的上限
}

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte)

// Client MQTT 客户端封装
type Client struct {
	client mqtt.Client
	opts   MQTTOptions
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler // 重连后需要恢复的订阅
}

// Connect 连接 MQTT broker
func Connect(opts MQTTOptions, logger *slog.Logger) (*Client, error) {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	logger = logger.With("component", "mqtt", "broker", opts.Broker)

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT 连接断开，等待自动重连", "error", err)
	})
	c := &Client{opts: opts, logger: logger, subs: make(map[string]MessageHandler)}
	co.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("MQTT 已连接")
		c.resubscribe()
	})

	client := mqtt.NewClient(co)
	c.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: timeout", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, err)
	}
	return c, nil
}

// Subscribe 订阅主题
// clean session 下重连不会保留订阅，连接恢复时重新订阅
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler MessageHandler) error {
	token := c.client.Subscribe(topic, c.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return fmt.Errorf("failed to subscribe to topic %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	c.logger.Info("已订阅主题", "topic", topic)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.mu.Unlock()

	for topic, h := range subs {
		go func(topic string, h MessageHandler) {
			if err := c.subscribe(topic, h); err != nil {
				c.logger.Error("重新订阅失败", "topic", topic, "error", err)
			}
		}(topic, h)
	}
}

// Publish 发布消息，最多等待 PublishTimeout 的 broker 确认
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.opts.QoS, false, payload)
	timeout := c.opts.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe 取消订阅，重连后也不再恢复
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subs, t)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(c.opts.PublishTimeout) {
		return fmt.Errorf("failed to unsubscribe from %v: timeout", topics)
	}
	return token.Error()
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms 等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publisher 是 MQTTStation 依赖的发布能力
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTStation 通过 MQTT 控制现场指示灯的远程工位
// 它实现了 Station 接口，使得引擎层可以像对待本地工位一样对待它
type MQTTStation struct {
	pub    Publisher
	topics Topics
	logger *slog.Logger
}

// NewMQTTStation 创建一个新的远程工位实例
func NewMQTTStation(pub Publisher, topics Topics, logger *slog.Logger) Station {
	return &MQTTStation{
		pub:    pub,
		topics: topics,
		logger: logger.With("component", "station", "remote", true),
	}
}

// Send 发布执行器命令；发送失败只记录，后续的 OFF 命令负责复位
func (s *MQTTStation) Send(ctx context.Context, line types.LineID, cmd Command) error {
	topic := s.topics.Command(line, cmd)
	if err := s.pub.Publish(ctx, topic, []byte(cmd)); err != nil {
		metrics.ActuatorCommandsTotal.WithLabelValues(string(cmd), "failed").Inc()
		s.logger.Warn("执行器命令未确认", "line", line, "topic", topic, "command", cmd, "error", err)
		return err
	}
	metrics.ActuatorCommandsTotal.WithLabelValues(string(cmd), "ok").Inc()
	s.logger.Debug("执行器命令已发布", "line", line, "topic", topic, "command", cmd)
	return nil
}
