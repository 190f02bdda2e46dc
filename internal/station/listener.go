package station

import (
	"context"
	"errors"
	"industrial-andon/internal/engine"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/types"
	"log/slog"
	"time"
)

// Engine 是监听器驱动的触发入口，由 engine.Controller 实现
type Engine interface {
	Handle(ctx context.Context, trig types.Trigger) (engine.Result, error)
}

// Listener 订阅设备上报，解码校验后交给引擎
// 非法上报在这里被拒绝，不会进入准入控制器
type Listener struct {
	ctx    context.Context
	topics Topics
	layout *layout.Layout
	engine Engine
	logger *slog.Logger
	now    func() time.Time
}

// NewListener 创建上报监听器，ctx 用于之后的所有触发
func NewListener(ctx context.Context, topics Topics, l *layout.Layout, eng Engine, logger *slog.Logger) *Listener {
	return &Listener{
		ctx:    ctx,
		topics: topics,
		layout: l,
		engine: eng,
		logger: logger.With("component", "report-listener"),
		now:    time.Now,
	}
}

// Start 订阅所有产线的上报主题
func (l *Listener) Start(c *Client) error {
	return c.Subscribe(l.topics.Reports(), l.OnMessage)
}

// Stop 停止接收上报，停机排空前调用
func (l *Listener) Stop(c *Client) error {
	return c.Unsubscribe(l.topics.Reports())
}

// OnMessage 处理一条上报消息
func (l *Listener) OnMessage(topic string, payload []byte) {
	trig, err := ParseReport(l.topics, topic, payload, l.layout, l.now())
	if err != nil {
		metrics.ReportsRejectedTotal.Inc()
		l.logger.Warn("拒绝非法上报", "topic", topic, "payload", string(payload), "error", err)
		return
	}
	l.logger.Debug("收到设备上报", "line", trig.Line, "phase", trig.Phase)

	res, err := l.engine.Handle(l.ctx, trig)
	switch {
	case errors.Is(err, engine.ErrLineBusy), errors.Is(err, engine.ErrCapacityExceeded):
		l.logger.Info("上报未被准入", "line", trig.Line, "phase", trig.Phase, "reason", err)
	case err != nil:
		l.logger.Error("处理上报失败", "line", trig.Line, "phase", trig.Phase, "error", err)
	case res.Duplicate:
		l.logger.Debug("重复上报已忽略", "line", trig.Line, "phase", trig.Phase)
	}
}
