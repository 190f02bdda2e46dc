package engine

import (
	"context"
	"fmt"
	"industrial-andon/internal/event"
	"industrial-andon/internal/fsm"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/mttr"
	"industrial-andon/internal/types"
	"industrial-andon/internal/util"
	"time"
)

// lifecycle 是一条产线上一次事故的生命周期
// 只在持有该产线锁时被修改
type lifecycle struct {
	incident  types.OpenIncident
	fsm       *fsm.FSM
	placement layout.Placement
	lastID    int64 // 最后一条已落盘事件的序号，中止事件沿用它
}

// newLifecycle 创建生命周期，进入终态时自动移出登记表
// 调用方持有 c.mu
func (c *Controller) newLifecycle(line types.LineID, state fsm.State) *lifecycle {
	lc := &lifecycle{
		incident: types.OpenIncident{
			Line:    line,
			TraceID: util.NewTraceID(),
		},
		fsm:       fsm.NewFSMAt(line, state),
		placement: c.placement(line),
	}
	lc.fsm.RegisterCallback(fsm.StateResolved, c.Close)
	lc.fsm.RegisterCallback(fsm.StateAborted, c.Close)
	return lc
}

// update 修改登记表中的事故记录
// 写入同时持有产线锁和 c.mu，持有任一把锁即可安全读取
func (c *Controller) update(lc *lifecycle, fn func(inc *types.OpenIncident)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&lc.incident)
}

func (lc *lifecycle) snapshot() types.OpenIncident {
	inc := lc.incident
	if inc.StartedAt != nil {
		inc.StartedAt = types.TimePtr(*inc.StartedAt)
	}
	return inc
}

// openIncident Normal -> Opened
func (c *Controller) openIncident(ctx context.Context, lc *lifecycle, trig types.Trigger) (types.IncidentEvent, error) {
	ctx, logger := c.withTrace(ctx, lc)
	if !lc.fsm.Can(fsm.EventOpen) {
		return types.IncidentEvent{}, c.invalid(lc, fsm.EventOpen)
	}

	requestedAt := c.stamp(trig)
	c.update(lc, func(inc *types.OpenIncident) {
		inc.RequestedAt = requestedAt
		inc.Cause = trig.Cause
	})

	saved, err := c.persist(ctx, types.IncidentEvent{
		Line:        lc.incident.Line,
		Phase:       types.PhaseOpened,
		Cause:       trig.Cause,
		RequestedAt: types.TimePtr(requestedAt),
	})
	if err != nil {
		return types.IncidentEvent{}, c.abort(lc, err)
	}
	_ = lc.fsm.Fire(fsm.EventOpen)
	lc.lastID = saved.ID

	logger.Info("产线故障，事故开启", "origin", trig.Origin, "cause", trig.Cause, "requested_at", requestedAt)
	c.publish(event.IncidentOpened, lc, saved, nil)
	return saved, nil
}

// acknowledge Opened -> Acknowledged
// synthesized 为 true 时 started-at 取 requested-at (完成上报跳过了处理阶段)
func (c *Controller) acknowledge(ctx context.Context, lc *lifecycle, trig types.Trigger, synthesized bool) (types.IncidentEvent, error) {
	ctx, logger := c.withTrace(ctx, lc)
	if !lc.fsm.Can(fsm.EventAcknowledge) {
		return types.IncidentEvent{}, c.invalid(lc, fsm.EventAcknowledge)
	}

	requestedAt := lc.incident.RequestedAt
	startedAt := requestedAt
	if !synthesized {
		startedAt = clampAfter(c.stamp(trig), requestedAt)
	}

	saved, err := c.persist(ctx, types.IncidentEvent{
		Line:        lc.incident.Line,
		Phase:       types.PhaseAcknowledged,
		Cause:       lc.incident.Cause,
		RequestedAt: types.TimePtr(requestedAt),
		StartedAt:   types.TimePtr(startedAt),
	})
	if err != nil {
		return types.IncidentEvent{}, c.abort(lc, err)
	}
	c.update(lc, func(inc *types.OpenIncident) {
		inc.StartedAt = types.TimePtr(startedAt)
	})
	_ = lc.fsm.Fire(fsm.EventAcknowledge)
	lc.lastID = saved.ID

	logger.Info("维修人员到场", "origin", trig.Origin, "started_at", startedAt, "synthesized", synthesized)
	c.publish(event.IncidentAcknowledged, lc, saved, nil)
	return saved, nil
}

// resolve Acknowledged -> Resolved，落盘后释放产线
func (c *Controller) resolve(ctx context.Context, lc *lifecycle, trig types.Trigger) (types.IncidentEvent, error) {
	ctx, logger := c.withTrace(ctx, lc)
	if !lc.fsm.Can(fsm.EventResolve) {
		return types.IncidentEvent{}, c.invalid(lc, fsm.EventResolve)
	}

	requestedAt := lc.incident.RequestedAt
	startedAt := requestedAt
	if lc.incident.StartedAt != nil {
		startedAt = clampAfter(*lc.incident.StartedAt, requestedAt)
	}
	finishedAt := clampAfter(c.stamp(trig), startedAt)
	req, fin := types.TimePtr(requestedAt), types.TimePtr(finishedAt)

	saved, err := c.persist(ctx, types.IncidentEvent{
		Line:        lc.incident.Line,
		Phase:       types.PhaseResolved,
		Cause:       lc.incident.Cause,
		RequestedAt: req,
		StartedAt:   types.TimePtr(startedAt),
		FinishedAt:  fin,
		MTTR:        mttr.Elapsed(req, fin),
	})
	if err != nil {
		return types.IncidentEvent{}, c.abort(lc, err)
	}

	c.publish(event.IncidentResolved, lc, saved, nil)
	// 进入终态时回调 Close，产线可以再次准入
	_ = lc.fsm.Fire(fsm.EventResolve)

	metrics.RepairDuration.WithLabelValues(lc.placement.Area).Observe(float64(mttr.Seconds(requestedAt, finishedAt)))
	logger.Info("维修完成，事故关闭", "origin", trig.Origin, "finished_at", finishedAt, "mttr", saved.MTTR)
	return saved, nil
}

// abort 持久化失败后的安全中止
// 指示灯必须熄灭，产线释放以便重新准入；已落盘的事件保持不变
// 中止事件带上最后落盘事件的序号，订阅方据此丢弃晚到的旧事件
func (c *Controller) abort(lc *lifecycle, cause error) error {
	line := lc.incident.Line
	if err := lc.fsm.Fire(fsm.EventAbort); err != nil {
		// 尚未开启的预留名额没有 ABORT 转移，直接释放
		c.Close(line)
	}
	metrics.IncidentsAbortedTotal.Inc()
	c.logger.Error("事件持久化失败，事故安全中止",
		"line", line, "area", lc.placement.Area, "trace_id", lc.incident.TraceID, "error", cause)
	c.publish(event.IncidentAborted, lc, types.IncidentEvent{ID: lc.lastID, Line: line, Cause: lc.incident.Cause}, cause)
	return cause
}

// persist 写入事件，写入不随触发方的 context 取消而中断，只受超时约束
func (c *Controller) persist(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.appendTimeout)
	defer cancel()
	return c.store.Append(ctx, e)
}

func (c *Controller) publish(t event.EventType, lc *lifecycle, e types.IncidentEvent, err error) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event.Event{
		Type:      t,
		Placement: lc.placement,
		Incident:  e,
		TraceID:   lc.incident.TraceID,
		Error:     err,
	})
}

func (c *Controller) invalid(lc *lifecycle, ev fsm.Event) error {
	return fmt.Errorf("line %d: %w: %s from %s", lc.incident.Line, fsm.ErrInvalidTransition, ev, lc.fsm.Current())
}

// clampAfter 保证 t 不早于 floor，时钟抖动不能让事件先于开始完成
func clampAfter(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
