package app

import (
	"context"
	"errors"
	"fmt"
	"industrial-andon/internal/config"
	"industrial-andon/internal/engine"
	"industrial-andon/internal/event"
	"industrial-andon/internal/handlers"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/notify"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/projector"
	"industrial-andon/internal/station"
	"industrial-andon/internal/types"
	"industrial-andon/internal/web"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// NewLogger 创建 JSON 格式的结构化日志
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// App 组装整个安灯服务：事件存储、准入控制器、总线订阅者、触发源和 HTTP 接口
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	layout *layout.Layout

	store     *persistence.RetryingStore
	bus       *event.Bus
	ctrl      *engine.Controller
	projector *projector.Projector
	hub       *web.Hub
	api       *web.Server

	mqtt     *station.Client
	listener *station.Listener
	relay    *notify.Publisher
	sim      *engine.Simulator

	recovered []types.OpenIncident
}

// New 按配置初始化所有组件，并从事件存储恢复未解决的事故
// 任一步骤失败时关闭已打开的资源
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger,
		layout: cfg.Layout(),
		bus:    event.NewBus(),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	// 1. 事件存储
	var err error
	a.store, err = persistence.Open(ctx, cfg.Storage.Options, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SeedLines {
		n, err := engine.SeedBaseline(ctx, a.store, a.layout)
		if err != nil {
			return nil, fmt.Errorf("写入基线事件失败: %w", err)
		}
		if n > 0 {
			logger.Info("已写入产线基线事件", "lines", n)
		}
	}

	// 2. 准入控制器，恢复未解决的事故
	a.ctrl = engine.NewController(a.store, a.bus, a.layout, engine.Options{
		MaxOpen:       cfg.Admission.MaxOpen,
		Jitter:        cfg.Simulation.Jitter,
		AppendTimeout: cfg.Storage.AppendTimeout,
	}, logger)
	a.recovered, err = a.ctrl.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("恢复未解决事故失败: %w", err)
	}

	// 3. 现场工位和总线订阅者
	a.projector = projector.New(a.store, a.layout)
	a.hub = web.NewHub(a.projector, logger)

	alarm, err := handlers.CompileAlarmRule(cfg.Alarm.Rule)
	if err != nil {
		return nil, err
	}
	topics := station.Topics{Prefix: cfg.MQTT.Prefix}
	var st station.Station
	if cfg.MQTT.Enabled {
		a.mqtt, err = station.Connect(station.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		st = station.NewMQTTStation(a.mqtt, topics, logger)
		a.listener = station.NewListener(context.WithoutCancel(ctx), topics, a.layout, a.ctrl, logger)
	} else {
		st = station.NewStation(logger)
	}

	sinks := handlers.Sinks{Hub: a.hub, Station: st, Alarm: alarm}
	if cfg.Redis.Enabled {
		a.relay, err = notify.NewPublisher(ctx, notify.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		}, logger)
		if err != nil {
			return nil, err
		}
		sinks.Relay = a.relay
	}
	handlers.RegisterEventHandlers(a.bus, sinks, logger)

	// 4. 模拟触发源
	if cfg.Simulation.Enabled {
		a.sim = engine.NewSimulator(a.ctrl, engine.SimulatorConfig{
			FaultInterval:   cfg.Simulation.FaultInterval,
			ArrivalInterval: cfg.Simulation.ArrivalInterval,
			RepairInterval:  cfg.Simulation.RepairInterval,
			CapacityWait:    cfg.Simulation.CapacityWait,
		}, logger)
	}

	a.api = web.NewServer(a.ctrl, a.projector, a.store, a.layout, a.hub, logger)
	ready = true
	return a, nil
}

// Controller 返回准入控制器
func (a *App) Controller() *engine.Controller {
	return a.ctrl
}

// Store 返回事件存储
func (a *App) Store() persistence.EventStore {
	return a.store
}

// Handler 返回 HTTP 路由
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run 启动所有后台任务和 HTTP 服务，直到 ctx 取消
// 停机顺序：停止接收触发，等待进行中的写入和推送完成，最后关闭存储
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", a.cfg.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve 与 Run 相同，使用已经打开的监听
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.hub.Run(runCtx)

	if a.listener != nil {
		if err := a.listener.Start(a.mqtt); err != nil {
			ln.Close()
			return fmt.Errorf("订阅设备上报失败: %w", err)
		}
	}

	simDone := make(chan struct{})
	if a.sim != nil {
		go func() {
			defer close(simDone)
			a.sim.Run(runCtx, a.recovered)
		}()
	} else {
		close(simDone)
	}

	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	a.logger.Info("=== 安灯事故管理系统启动 ===",
		"addr", ln.Addr().String(),
		"max_open", a.cfg.Admission.MaxOpen,
		"recovered", len(a.recovered),
		"simulation", a.sim != nil,
		"mqtt", a.mqtt != nil,
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("接收到停机信号，正在优雅关闭...")
	case runErr = <-serveErr:
		a.logger.Error("API 服务器异常退出", "error", runErr)
	}

	// 停止所有触发源
	if a.listener != nil {
		if err := a.listener.Stop(a.mqtt); err != nil {
			a.logger.Warn("取消订阅设备上报失败", "error", err)
		}
	}
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("HTTP 服务关闭超时", "error", err)
	}
	<-simDone

	// 排空进行中的写入和推送
	a.ctrl.Wait()
	a.bus.Wait()
	a.logger.Info("系统已安全退出", "open", a.ctrl.Count())
	return runErr
}

// Close 释放外部连接，可以重复调用
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
		a.mqtt = nil
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.logger.Warn("关闭 Redis 连接失败", "error", err)
		}
		a.relay = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("关闭事件存储失败", "error", err)
		}
		a.store = nil
	}
}
