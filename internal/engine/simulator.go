package engine

import (
	"context"
	"errors"
	"industrial-andon/internal/types"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// SimulatorConfig 模拟节奏
type SimulatorConfig struct {
	FaultInterval   types.DurationRange // 两次故障之间的间隔
	ArrivalInterval types.DurationRange // 故障到维修人员到场
	RepairInterval  types.DurationRange // 到场到维修完成
	CapacityWait    time.Duration       // 没有可用产线或达到上限时的等待
}

var simulatedCauses = []string{
	"物料短缺",
	"设备卡料",
	"质量异常",
	"工装夹具故障",
	"传感器报警",
	"",
}

// Simulator 是定时触发源：随机挑选空闲产线开启事故，并按配置的节奏推进
// 与设备上报走同一个 Controller.Handle 入口
type Simulator struct {
	ctrl   *Controller
	cfg    SimulatorConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	wg sync.WaitGroup // 正在推进的事故
}

// NewSimulator 创建模拟器
func NewSimulator(ctrl *Controller, cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if cfg.CapacityWait <= 0 {
		cfg.CapacityWait = 2 * time.Second
	}
	return &Simulator{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: logger.With("component", "simulator"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run 启动模拟循环，直到 ctx 取消
// 返回前等待所有正在推进的事故停下；已经开始的写入由 Controller 排空
func (s *Simulator) Run(ctx context.Context, recovered []types.OpenIncident) {
	defer s.wg.Wait()

	// 恢复的事故从当前阶段继续推进
	for _, inc := range recovered {
		s.wg.Add(1)
		go s.drive(ctx, inc, inc.StartedAt != nil)
	}

	for {
		if !s.sleep(ctx, s.pick(s.cfg.FaultInterval)) {
			return
		}
		if !s.openOne(ctx) {
			if !s.sleep(ctx, s.cfg.CapacityWait) {
				return
			}
		}
	}
}

// openOne 尝试在一条空闲产线上开启事故，返回是否成功
func (s *Simulator) openOne(ctx context.Context) bool {
	free := s.ctrl.FreeLines()
	if len(free) == 0 || s.ctrl.Count() >= s.ctrl.MaxOpen() {
		s.logger.Debug("达到同时故障上限，等待", "open", s.ctrl.Count())
		return false
	}

	s.mu.Lock()
	line := free[s.rng.Intn(len(free))]
	cause := simulatedCauses[s.rng.Intn(len(simulatedCauses))]
	s.mu.Unlock()

	_, err := s.ctrl.Handle(ctx, types.Trigger{
		Line:       line,
		Phase:      types.PhaseOpened,
		ObservedAt: s.ctrl.now(),
		Cause:      cause,
		Origin:     types.OriginSimulated,
	})
	switch {
	case errors.Is(err, ErrLineBusy), errors.Is(err, ErrCapacityExceeded):
		// 设备上报抢先占用，下一轮再挑
		return false
	case err != nil:
		s.logger.Warn("模拟故障开启失败", "line", line, "error", err)
		return true
	}

	inc, ok := s.ctrl.Incident(line)
	if !ok {
		return true
	}
	s.wg.Add(1)
	go s.drive(ctx, inc, false)
	return true
}

// drive 推进一条产线上的事故直到解决
// ctx 取消时停在当前阶段，重启后由 Recover 接续；事故被设备上报接管后停止
func (s *Simulator) drive(ctx context.Context, inc types.OpenIncident, acknowledged bool) {
	line := inc.Line
	defer s.wg.Done()

	steps := []struct {
		phase types.Phase
		wait  types.DurationRange
	}{
		{types.PhaseAcknowledged, s.cfg.ArrivalInterval},
		{types.PhaseResolved, s.cfg.RepairInterval},
	}
	if acknowledged {
		steps = steps[1:]
	}

	for _, step := range steps {
		if !s.sleep(ctx, s.pick(step.wait)) {
			return
		}
		if cur, ok := s.ctrl.Incident(line); !ok || cur.TraceID != inc.TraceID {
			return
		}
		_, err := s.ctrl.Handle(ctx, types.Trigger{
			Line:       line,
			Phase:      step.phase,
			ObservedAt: s.ctrl.now(),
			Origin:     types.OriginSimulated,
		})
		if err != nil {
			// 持久化失败时事故已安全中止
			s.logger.Warn("模拟推进失败", "line", line, "phase", step.phase, "error", err)
			return
		}
	}
}

func (s *Simulator) pick(r types.DurationRange) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Pick(s.rng.Int63n)
}

// sleep 等待 d，ctx 取消时返回 false
func (s *Simulator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
