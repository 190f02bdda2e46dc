package handlers

import (
	"context"
	"industrial-andon/internal/event"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/station"
	"industrial-andon/internal/types"
	"log/slog"
	"sync"
	"time"
)

// Broadcaster 向看板客户端推送消息，由 web.Hub 实现
type Broadcaster interface {
	Broadcast(msg event.Envelope)
}

// Relay 把状态变更转发到外部系统，由 notify.Publisher 实现
type Relay interface {
	Publish(ctx context.Context, msg event.Envelope) error
}

// Sinks 是总线的下游，nil 的项不注册
type Sinks struct {
	Hub     Broadcaster
	Station station.Station
	Alarm   *AlarmRule
	Relay   Relay
}

const relayTimeout = 3 * time.Second

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 每个关注点 (监控、看板、现场指示灯、外部转发、审计日志) 独立订阅，互不阻塞
func RegisterEventHandlers(bus *event.Bus, sinks Sinks, logger *slog.Logger) {
	// --- 指标处理器 ---
	bus.SubscribeAll(func(e event.Event) {
		metrics.IncidentEventsTotal.WithLabelValues(string(e.Type), e.Placement.Area).Inc()
	})

	// --- Web UI 处理器 ---
	if sinks.Hub != nil {
		seq := newSequencer()
		bus.SubscribeAll(func(e event.Event) {
			seq.do(e, func() {
				sinks.Hub.Broadcast(e.LineUpdate())
			})
		})
	}

	// --- 现场执行器处理器 ---
	if sinks.Station != nil {
		act := &actuator{
			station: sinks.Station,
			alarm:   sinks.Alarm,
			seq:     newSequencer(),
			logger:  logger.With("component", "actuator"),
		}
		bus.SubscribeAll(act.handle)
	}

	// --- 外部转发处理器 ---
	if sinks.Relay != nil {
		relayLogger := logger.With("component", "relay")
		bus.SubscribeAll(func(e event.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
			defer cancel()
			if err := sinks.Relay.Publish(ctx, e.LineUpdate()); err != nil {
				metrics.RelayFailuresTotal.Inc()
				relayLogger.Warn("转发状态变更失败", "line", e.Line(), "type", e.Type, "error", err)
			}
		})
	}

	// --- 日志处理器 ---
	audit := logger.With("component", "audit")
	bus.Subscribe(event.IncidentOpened, func(e event.Event) {
		audit.Info("事故开启", "line", e.Line(), "area", e.Placement.Area, "trace_id", e.TraceID, "cause", e.Incident.Cause)
	})
	bus.Subscribe(event.IncidentResolved, func(e event.Event) {
		audit.Info("事故关闭", "line", e.Line(), "area", e.Placement.Area, "trace_id", e.TraceID, "mttr", e.Incident.MTTR)
	})
	bus.Subscribe(event.IncidentAborted, func(e event.Event) {
		audit.Error("事故中止", "line", e.Line(), "area", e.Placement.Area, "trace_id", e.TraceID, "error", e.Error)
	})
}

// actuator 把事故流转翻译成现场指示灯和蜂鸣器命令
// 命令尽力投递，失败只记录日志
type actuator struct {
	station station.Station
	alarm   *AlarmRule
	seq     *sequencer
	logger  *slog.Logger
}

func (a *actuator) handle(e event.Event) {
	var cmds []station.Command
	switch e.Type {
	case event.IncidentOpened:
		cmds = append(cmds, station.CommandOn)
		ring, err := a.alarm.Match(e)
		if err != nil {
			a.logger.Warn("报警规则执行失败", "line", e.Line(), "rule", a.alarm.String(), "error", err)
		}
		if ring {
			cmds = append(cmds, station.CommandRing)
		}
	case event.IncidentResolved, event.IncidentAborted:
		cmds = append(cmds, station.CommandOff)
	default:
		return
	}

	a.seq.do(e, func() {
		for _, cmd := range cmds {
			if err := a.station.Send(context.Background(), e.Line(), cmd); err != nil {
				a.logger.Warn("执行器命令下发失败", "line", e.Line(), "command", cmd, "trace_id", e.TraceID, "error", err)
			}
		}
	})
}

// sequencer 保证同一产线的推送按事件序号生效
// 总线异步分发，较早的事件可能晚到，晚到的旧事件直接丢弃
type sequencer struct {
	mu    sync.Mutex
	lines map[types.LineID]*lineSeq
}

type lineSeq struct {
	mu   sync.Mutex
	last int64
}

func newSequencer() *sequencer {
	return &sequencer{lines: make(map[types.LineID]*lineSeq)}
}

// do 在产线锁内执行 fn
// 普通事件序号必须大于已生效的序号；中止事件是屏障，序号不小于已生效序号即执行，
// 之后序号不大于它的晚到事件 (例如中止前的开启事件) 都被丢弃
func (s *sequencer) do(e event.Event, fn func()) {
	s.mu.Lock()
	ls, ok := s.lines[e.Line()]
	if !ok {
		ls = &lineSeq{}
		s.lines[e.Line()] = ls
	}
	s.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	id := e.Incident.ID
	if e.Type == event.IncidentAborted {
		if id < ls.last {
			return
		}
	} else if id <= ls.last {
		return
	}
	ls.last = id
	fn()
}
