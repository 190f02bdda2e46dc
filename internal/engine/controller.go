package engine

import (
	"context"
	"errors"
	"fmt"
	"industrial-andon/internal/event"
	"industrial-andon/internal/fsm"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/mttr"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
	"industrial-andon/internal/util"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

var (
	// ErrLineBusy 产线已有未解决的事故
	ErrLineBusy = errors.New("line busy")
	// ErrCapacityExceeded 未解决事故数量已达到全局上限
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrUnknownLine 产线编号不在区域表内
	ErrUnknownLine = errors.New("unknown line")
)

// Admit 是准入策略：只取决于当前未解决数量、产线是否占用和上限
func Admit(openCount int, busy bool, maxOpen int) error {
	if busy {
		return ErrLineBusy
	}
	if openCount >= maxOpen {
		return ErrCapacityExceeded
	}
	return nil
}

// Options 控制器参数
type Options struct {
	MaxOpen       int                 // 全局同时未解决事故上限
	Jitter        types.DurationRange // 仅作用于模拟触发的时间戳
	AppendTimeout time.Duration       // 单次写入 (含重试) 的时限
}

// Controller 是事故准入控制器
// 独占内存中的未解决事故登记表，并驱动每条产线的生命周期
type Controller struct {
	mu    sync.Mutex                   // 保护 open 与 locks
	open  map[types.LineID]*lifecycle  // 未解决事故登记表
	locks map[types.LineID]*sync.Mutex // 同一产线的触发串行处理

	maxOpen       int
	jitter        types.DurationRange
	appendTimeout time.Duration

	store  persistence.EventStore
	bus    *event.Bus
	layout *layout.Layout
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
	now   func() time.Time

	inflight sync.WaitGroup // 正在处理的触发，停机时排空
}

// NewController 创建准入控制器
func NewController(store persistence.EventStore, bus *event.Bus, l *layout.Layout, opts Options, logger *slog.Logger) *Controller {
	if opts.MaxOpen < 1 {
		opts.MaxOpen = 1
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 15 * time.Second
	}
	return &Controller{
		open:          make(map[types.LineID]*lifecycle),
		locks:         make(map[types.LineID]*sync.Mutex),
		maxOpen:       opts.MaxOpen,
		jitter:        opts.Jitter,
		appendTimeout: opts.AppendTimeout,
		store:         store,
		bus:           bus,
		layout:        l,
		logger:        logger.With("component", "admission"),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           time.Now,
	}
}

// SetClock 替换控制器使用的时钟
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// MaxOpen 返回全局上限
// 上限只约束 fault 准入；冷启动登记的 processing / done 不受约束，
// 因此 Count 可能暂时超过 MaxOpen，此时新的故障一律被拒绝
func (c *Controller) MaxOpen() int {
	return c.maxOpen
}

// Layout 返回区域表
func (c *Controller) Layout() *layout.Layout {
	return c.layout
}

// TryOpen 为产线预留一个未解决事故名额
// 同一产线的并发调用只有一个能成功；名额计数与检查在同一把锁内完成
func (c *Controller) TryOpen(line types.LineID) (types.OpenIncident, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, busy := c.open[line]
	if err := Admit(len(c.open), busy, c.maxOpen); err != nil {
		metrics.AdmissionsTotal.WithLabelValues(rejectLabel(err)).Inc()
		return types.OpenIncident{}, err
	}
	lc := c.newLifecycle(line, fsm.StateNormal)
	c.open[line] = lc
	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	metrics.OpenIncidents.Set(float64(len(c.open)))
	return lc.incident, nil
}

// Close 将产线移出未解决登记表
// 只能在 resolved 事件落盘后 (或安全中止时) 调用
func (c *Controller) Close(line types.LineID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.open, line)
	metrics.OpenIncidents.Set(float64(len(c.open)))
}

// adopt 为没有开启记录的推进请求登记一个事故 (冷启动、乱序或重放的上报)
// 不受全局上限约束，真实的现场状态不被丢弃
func (c *Controller) adopt(line types.LineID, state fsm.State, requestedAt time.Time, startedAt *time.Time, cause string) (*lifecycle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.open[line]; busy {
		return nil, ErrLineBusy
	}
	lc := c.newLifecycle(line, state)
	lc.incident.RequestedAt = requestedAt
	lc.incident.StartedAt = startedAt
	lc.incident.Cause = cause
	c.open[line] = lc
	metrics.OpenIncidents.Set(float64(len(c.open)))
	return lc, nil
}

func (c *Controller) lookup(line types.LineID) (*lifecycle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.open[line]
	return lc, ok
}

func (c *Controller) lineLock(line types.LineID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[line]
	if !ok {
		m = &sync.Mutex{}
		c.locks[line] = m
	}
	return m
}

// Count 返回当前未解决事故数量
// 包括冷启动和恢复登记的事故，可能大于 MaxOpen
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// OpenIncidents 返回未解决事故的快照，按产线编号排序
func (c *Controller) OpenIncidents() []types.OpenIncident {
	c.mu.Lock()
	out := make([]types.OpenIncident, 0, len(c.open))
	for _, lc := range c.open {
		out = append(out, lc.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// Incident 返回产线上未解决的事故
func (c *Controller) Incident(line types.LineID) (types.OpenIncident, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lc, ok := c.open[line]
	if !ok {
		return types.OpenIncident{}, false
	}
	return lc.snapshot(), true
}

// FreeLines 返回当前可以开启事故的产线
func (c *Controller) FreeLines() []types.LineID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var free []types.LineID
	for _, line := range c.layout.Lines() {
		if _, busy := c.open[line]; !busy {
			free = append(free, line)
		}
	}
	return free
}

// Result 描述一次触发的处理结果
type Result struct {
	Events    []types.IncidentEvent // 本次落盘的事件，按写入顺序
	Duplicate bool                  // 重复或过期的上报，没有写入任何事件
}

// Handle 是所有触发的统一入口，模拟器和设备上报走同一条路径
// 准入拒绝返回 ErrLineBusy / ErrCapacityExceeded；持久化失败返回包装了 ErrStorageFatal 的错误
func (c *Controller) Handle(ctx context.Context, trig types.Trigger) (Result, error) {
	switch trig.Phase {
	case types.PhaseOpened:
		return c.Open(ctx, trig)
	case types.PhaseAcknowledged, types.PhaseResolved:
		return c.Advance(ctx, trig)
	default:
		return Result{}, fmt.Errorf("unknown phase %q", trig.Phase)
	}
}

// Open 处理故障上报：准入后写入 opened 事件
func (c *Controller) Open(ctx context.Context, trig types.Trigger) (Result, error) {
	return c.serialize(trig, func(trig types.Trigger) (Result, error) {
		if _, err := c.TryOpen(trig.Line); err != nil {
			c.logger.Debug("事故准入被拒绝", "line", trig.Line, "origin", trig.Origin, "reason", err)
			return Result{}, err
		}
		lc, _ := c.lookup(trig.Line)
		saved, err := c.openIncident(ctx, lc, trig)
		if err != nil {
			return Result{}, err
		}
		return Result{Events: []types.IncidentEvent{saved}}, nil
	})
}

// Advance 推进产线上的事故 (acknowledged / resolved)
// 没有登记的事故时按已知信息合成，不因上报乱序而失败
func (c *Controller) Advance(ctx context.Context, trig types.Trigger) (Result, error) {
	return c.serialize(trig, func(trig types.Trigger) (Result, error) {
		return c.advance(ctx, trig)
	})
}

// serialize 校验触发并在产线锁内执行 fn
func (c *Controller) serialize(trig types.Trigger, fn func(types.Trigger) (Result, error)) (Result, error) {
	if !c.layout.Contains(trig.Line) {
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownLine, trig.Line)
	}
	if trig.ObservedAt.IsZero() {
		trig.ObservedAt = c.now()
	}

	c.inflight.Add(1)
	defer c.inflight.Done()

	lock := c.lineLock(trig.Line)
	lock.Lock()
	defer lock.Unlock()
	return fn(trig)
}

func (c *Controller) advance(ctx context.Context, trig types.Trigger) (Result, error) {
	lc, ok := c.lookup(trig.Line)
	if !ok {
		var (
			dup bool
			err error
		)
		lc, dup, err = c.coldStart(ctx, trig)
		if err != nil || dup {
			return Result{Duplicate: dup}, err
		}
	}

	var events []types.IncidentEvent
	switch trig.Phase {
	case types.PhaseAcknowledged:
		if lc.fsm.Current() == fsm.StateAcknowledged {
			// 先到的上报生效，重复的 processing 不改变 started-at
			c.logger.Debug("忽略重复的处理上报", "line", trig.Line)
			return Result{Duplicate: true}, nil
		}
		saved, err := c.acknowledge(ctx, lc, trig, false)
		if err != nil {
			return Result{}, err
		}
		events = append(events, saved)

	case types.PhaseResolved:
		if lc.fsm.Current() == fsm.StateOpened {
			// 跳过了处理阶段，补一条 acknowledged，started-at 取 requested-at
			saved, err := c.acknowledge(ctx, lc, trig, true)
			if err != nil {
				return Result{}, err
			}
			events = append(events, saved)
		}
		saved, err := c.resolve(ctx, lc, trig)
		if err != nil {
			return Result{Events: events}, err
		}
		events = append(events, saved)

	default:
		return Result{}, fmt.Errorf("phase %q cannot advance an incident", trig.Phase)
	}
	return Result{Events: events}, nil
}

// coldStart 为没有登记的推进请求合成事故
// requested-at 取已知最早的时间，找不到时退回 observedAt
func (c *Controller) coldStart(ctx context.Context, trig types.Trigger) (*lifecycle, bool, error) {
	observed := trig.ObservedAt.UTC()

	latest, known := c.latestFor(ctx, trig.Line)
	if known && latest.Phase == types.PhaseResolved {
		if trig.Phase == types.PhaseResolved {
			c.logger.Info("忽略重复的完成上报", "line", trig.Line, "origin", trig.Origin)
			return nil, true, nil
		}
		if latest.FinishedAt != nil && !observed.After(*latest.FinishedAt) {
			c.logger.Info("忽略过期的处理上报", "line", trig.Line, "origin", trig.Origin)
			return nil, true, nil
		}
		known = false
	}

	requestedAt := observed
	var startedAt *time.Time
	cause := trig.Cause
	state := fsm.StateOpened
	if known {
		// 存储中有未结束的事故，但不在登记表里 (例如未执行恢复)
		if latest.RequestedAt != nil && latest.RequestedAt.Before(requestedAt) {
			requestedAt = *latest.RequestedAt
		}
		if latest.Phase == types.PhaseAcknowledged {
			state = fsm.StateAcknowledged
			startedAt = latest.StartedAt
		}
		if cause == "" {
			cause = latest.Cause
		}
	}
	if trig.Phase == types.PhaseResolved && state == fsm.StateOpened && !known {
		// 完全没有记录：requested-at 与 started-at 都取上报时间
		state = fsm.StateAcknowledged
		startedAt = types.TimePtr(requestedAt)
	}

	lc, err := c.adopt(trig.Line, state, requestedAt, startedAt, cause)
	if err != nil {
		return nil, false, err
	}
	if known {
		lc.lastID = latest.ID
	}
	c.logger.Warn("未找到开启记录，合成事故",
		"line", trig.Line, "phase", trig.Phase, "origin", trig.Origin,
		"requested_at", requestedAt, "trace_id", lc.incident.TraceID)
	return lc, false, nil
}

func (c *Controller) latestFor(ctx context.Context, line types.LineID) (types.IncidentEvent, bool) {
	latest, err := c.store.LatestPerLine(ctx)
	if err != nil {
		c.logger.Warn("读取产线最近事件失败，按无记录处理", "line", line, "error", err)
		return types.IncidentEvent{}, false
	}
	e, ok := latest[line]
	return e, ok
}

// Recover 从事件日志重建未解决登记表
// 最近事件为 opened / acknowledged 的产线视为未解决
func (c *Controller) Recover(ctx context.Context) ([]types.OpenIncident, error) {
	latest, err := c.store.LatestPerLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取最近事件失败: %w", err)
	}

	c.mu.Lock()
	for line, e := range latest {
		if e.Phase == types.PhaseResolved {
			continue
		}
		if _, ok := c.open[line]; ok {
			continue
		}
		lc := c.newLifecycle(line, fsm.StateForPhase(e.Phase))
		if e.RequestedAt != nil {
			lc.incident.RequestedAt = *e.RequestedAt
		} else {
			lc.incident.RequestedAt = e.RecordedAt
		}
		lc.incident.StartedAt = e.StartedAt
		lc.incident.Cause = e.Cause
		lc.lastID = e.ID
		c.open[line] = lc
	}
	count := len(c.open)
	metrics.OpenIncidents.Set(float64(count))
	c.mu.Unlock()

	if count > c.maxOpen {
		c.logger.Warn("恢复的未解决事故超过上限，新的故障将被拒绝直到数量回落", "open", count, "max_open", c.maxOpen)
	}
	recovered := c.OpenIncidents()
	for _, inc := range recovered {
		c.logger.Info("恢复未解决的事故", "line", inc.Line, "requested_at", inc.RequestedAt, "trace_id", inc.TraceID)
	}
	return recovered, nil
}

// Wait 等待所有正在处理的触发完成 (包括其中的写入)
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// stamp 计算触发的时间戳，模拟触发叠加一个小的随机偏移
func (c *Controller) stamp(trig types.Trigger) time.Time {
	t := trig.ObservedAt
	if t.IsZero() {
		t = c.now()
	}
	if trig.Origin == types.OriginSimulated && !c.jitter.IsZero() {
		c.rngMu.Lock()
		t = t.Add(c.jitter.Pick(c.rng.Int63n))
		c.rngMu.Unlock()
	}
	return t.UTC()
}

func (c *Controller) placement(line types.LineID) layout.Placement {
	return c.layout.Place(line)
}

func rejectLabel(err error) string {
	if errors.Is(err, ErrLineBusy) {
		return "line_busy"
	}
	return "capacity_exceeded"
}

// withTrace 返回附带事故追踪 ID 的 context 和日志记录器
func (c *Controller) withTrace(ctx context.Context, lc *lifecycle) (context.Context, *slog.Logger) {
	ctx = util.ContextWithTraceID(ctx, lc.incident.TraceID)
	p := lc.placement
	return ctx, util.Logger(ctx, c.logger).With("line", p.Line, "area", p.Area)
}

// SeedBaseline 在空的事件日志中为每条产线写入一条 resolved 基线事件
// 日志非空时不做任何事，返回写入的条数
func SeedBaseline(ctx context.Context, store persistence.EventStore, l *layout.Layout) (int, error) {
	latest, err := store.LatestPerLine(ctx)
	if err != nil {
		return 0, fmt.Errorf("读取最近事件失败: %w", err)
	}
	if len(latest) > 0 {
		return 0, nil
	}
	n := 0
	for _, line := range l.Lines() {
		_, err := store.Append(ctx, types.IncidentEvent{
			Line:  line,
			Phase: types.PhaseResolved,
			MTTR:  mttr.Missing,
		})
		if err != nil {
			return n, fmt.Errorf("写入产线 %d 的基线事件失败: %w", line, err)
		}
		n++
	}
	return n, nil
}
