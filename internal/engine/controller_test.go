package engine

import (
	"context"
	"errors"
	"industrial-andon/internal/event"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder 记录总线上发布的所有事件
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t event.EventType) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// faultyStore 对指定阶段的写入注入错误
// failures < 0 表示永久失败
type faultyStore struct {
	*persistence.MemoryStore
	mu       sync.Mutex
	phase    types.Phase
	failures int
	err      error
	calls    int
}

func (f *faultyStore) Append(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	f.mu.Lock()
	if e.Phase == f.phase {
		f.calls++
		if f.failures != 0 {
			if f.failures > 0 {
				f.failures--
			}
			f.mu.Unlock()
			return types.IncidentEvent{}, f.err
		}
	}
	f.mu.Unlock()
	return f.MemoryStore.Append(ctx, e)
}

type harness struct {
	ctrl  *Controller
	store persistence.EventStore
	mem   *persistence.MemoryStore
	bus   *event.Bus
	rec   *recorder
}

func newHarness(t *testing.T, maxOpen int, wrap func(*persistence.MemoryStore) persistence.EventStore) *harness {
	t.Helper()
	mem := persistence.NewMemoryStore()
	var store persistence.EventStore = mem
	if wrap != nil {
		store = wrap(mem)
	}
	bus := event.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.handle)

	ctrl := NewController(store, bus, layout.Default(), Options{MaxOpen: maxOpen}, discardLogger())
	t.Cleanup(func() {
		ctrl.Wait()
		bus.Wait()
	})
	return &harness{ctrl: ctrl, store: store, mem: mem, bus: bus, rec: rec}
}

func external(line types.LineID, phase types.Phase, at time.Time) types.Trigger {
	return types.Trigger{Line: line, Phase: phase, ObservedAt: at, Origin: types.OriginExternal}
}

func (h *harness) eventsFor(t *testing.T, line types.LineID) []types.IncidentEvent {
	t.Helper()
	all, err := h.mem.Recent(context.Background(), 0)
	require.NoError(t, err)
	var out []types.IncidentEvent
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Line == line {
			out = append(out, all[i])
		}
	}
	return out
}

func TestAdmit(t *testing.T) {
	assert.NoError(t, Admit(0, false, 1))
	assert.NoError(t, Admit(6, false, 7))
	assert.ErrorIs(t, Admit(7, false, 7), ErrCapacityExceeded)
	assert.ErrorIs(t, Admit(0, true, 7), ErrLineBusy)
	// 产线占用优先于容量判断
	assert.ErrorIs(t, Admit(7, true, 7), ErrLineBusy)
}

func TestTryOpen_SameLineConcurrently(t *testing.T) {
	h := newHarness(t, 7, nil)

	const n = 64
	var admitted, busy atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.ctrl.TryOpen(5)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrLineBusy):
				busy.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(n-1), busy.Load())
	assert.Equal(t, 1, h.ctrl.Count())
}

func TestHandle_SameLineConcurrentFaults(t *testing.T) {
	h := newHarness(t, 7, nil)

	const n = 32
	var admitted, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ctrl.Handle(context.Background(), external(9, types.PhaseOpened, t0))
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrLineBusy):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(n-1), busy.Load())
	assert.Len(t, h.eventsFor(t, 9), 1)
}

func TestHandle_CapNeverExceeded(t *testing.T) {
	const maxOpen = 3
	h := newHarness(t, maxOpen, nil)
	ctx := context.Background()

	var peak atomic.Int32
	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(h.ctrl.Count()); n > peak.Load() {
				peak.Store(n)
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				line := types.LineID((w*7+i)%57 + 1)
				if _, err := h.ctrl.Handle(ctx, external(line, types.PhaseOpened, t0)); err != nil {
					continue
				}
				_, err := h.ctrl.Handle(ctx, external(line, types.PhaseResolved, t0.Add(time.Second)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-monitorDone

	assert.LessOrEqual(t, peak.Load(), int32(maxOpen))
	assert.Zero(t, h.ctrl.Count())
}

// 故障 -> 到场 (+30s) -> 完成 (+300s)
func TestScenario_FullLifecycle(t *testing.T) {
	h := newHarness(t, 7, nil)
	ctx := context.Background()

	res, err := h.ctrl.Handle(ctx, external(5, types.PhaseOpened, t0))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 1, h.ctrl.Count())

	_, err = h.ctrl.Handle(ctx, external(5, types.PhaseAcknowledged, t0.Add(30*time.Second)))
	require.NoError(t, err)

	res, err = h.ctrl.Handle(ctx, external(5, types.PhaseResolved, t0.Add(300*time.Second)))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	resolved := res.Events[0]
	assert.Equal(t, "5m00s", resolved.MTTR)
	assert.True(t, t0.Equal(*resolved.RequestedAt))
	assert.True(t, t0.Add(30*time.Second).Equal(*resolved.StartedAt))
	assert.True(t, t0.Add(300*time.Second).Equal(*resolved.FinishedAt))
	assert.Zero(t, h.ctrl.Count())

	events := h.eventsFor(t, 5)
	require.Len(t, events, 3)
	assert.Equal(t, types.PhaseOpened, events[0].Phase)
	assert.Equal(t, types.PhaseAcknowledged, events[1].Phase)
	assert.Equal(t, types.PhaseResolved, events[2].Phase)

	require.Eventually(t, func() bool {
		return len(h.rec.ofType(event.IncidentResolved)) == 1
	}, time.Second, 5*time.Millisecond)
	opened := h.rec.ofType(event.IncidentOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "Assembly 05", opened[0].Placement.DisplayName)

	// 解决后可以再次开启
	_, err = h.ctrl.Handle(ctx, external(5, types.PhaseOpened, t0.Add(time.Hour)))
	assert.NoError(t, err)
}

func TestScenario_CapacityExceeded(t *testing.T) {
	h := newHarness(t, 2, nil)

	lines := []types.LineID{1, 2, 3}
	errs := make([]error, len(lines))
	var wg sync.WaitGroup
	for i, line := range lines {
		wg.Add(1)
		go func(i int, line types.LineID) {
			defer wg.Done()
			_, errs[i] = h.ctrl.Handle(context.Background(), external(line, types.PhaseOpened, t0))
		}(i, line)
	}
	wg.Wait()

	var admitted, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrCapacityExceeded):
			rejected++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, h.ctrl.Count())
}

func TestScenario_TransientFailuresPersistOnce(t *testing.T) {
	var faulty *faultyStore
	h := newHarness(t, 7, func(mem *persistence.MemoryStore) persistence.EventStore {
		faulty = &faultyStore{MemoryStore: mem, phase: types.PhaseResolved, failures: 2, err: persistence.ErrTransient}
		return persistence.NewRetryingStore(faulty, persistence.RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, discardLogger())
	})
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(7, types.PhaseOpened, t0))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(7, types.PhaseAcknowledged, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(7, types.PhaseResolved, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, 3, faulty.calls)
	var resolved int
	for _, e := range h.eventsFor(t, 7) {
		if e.Phase == types.PhaseResolved {
			resolved++
		}
	}
	assert.Equal(t, 1, resolved)
	assert.Zero(t, h.ctrl.Count())
}

func TestScenario_PermanentFailureAborts(t *testing.T) {
	h := newHarness(t, 7, func(mem *persistence.MemoryStore) persistence.EventStore {
		faulty := &faultyStore{MemoryStore: mem, phase: types.PhaseResolved, failures: -1, err: persistence.ErrTransient}
		return persistence.NewRetryingStore(faulty, persistence.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, discardLogger())
	})
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(12, types.PhaseOpened, t0))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(12, types.PhaseAcknowledged, t0.Add(time.Minute)))
	require.NoError(t, err)

	_, err = h.ctrl.Handle(ctx, external(12, types.PhaseResolved, t0.Add(2*time.Minute)))
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrStorageFatal)

	// 指示灯熄灭信号照常发出，产线释放
	require.Eventually(t, func() bool {
		return len(h.rec.ofType(event.IncidentAborted)) == 1
	}, time.Second, 5*time.Millisecond)
	aborted := h.rec.ofType(event.IncidentAborted)[0]
	assert.Equal(t, types.LineID(12), aborted.Line())
	assert.ErrorIs(t, aborted.Error, persistence.ErrStorageFatal)
	assert.Zero(t, h.ctrl.Count())

	var lastID int64
	for _, e := range h.eventsFor(t, 12) {
		assert.NotEqual(t, types.PhaseResolved, e.Phase)
		lastID = max(lastID, e.ID)
	}
	assert.Equal(t, lastID, aborted.Incident.ID, "中止事件带上最后落盘事件的序号")

	_, err = h.ctrl.TryOpen(12)
	assert.NoError(t, err, "中止后产线可以再次准入")
}

func TestOpenFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, 1, func(mem *persistence.MemoryStore) persistence.EventStore {
		return &faultyStore{MemoryStore: mem, phase: types.PhaseOpened, failures: 1, err: errors.New("disk full")}
	})
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(3, types.PhaseOpened, t0))
	require.Error(t, err)
	assert.Zero(t, h.ctrl.Count())

	// 名额已归还，cap=1 时另一条产线可以开启
	_, err = h.ctrl.Handle(ctx, external(4, types.PhaseOpened, t0))
	assert.NoError(t, err)
}

func TestScenario_ColdStartDone(t *testing.T) {
	h := newHarness(t, 7, nil)
	observed := t0.Add(42 * time.Second)

	res, err := h.ctrl.Handle(context.Background(), external(20, types.PhaseResolved, observed))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	e := res.Events[0]
	assert.Equal(t, types.PhaseResolved, e.Phase)
	assert.True(t, observed.Equal(*e.RequestedAt))
	assert.True(t, observed.Equal(*e.StartedAt))
	assert.True(t, observed.Equal(*e.FinishedAt))
	assert.Equal(t, "0m00s", e.MTTR)
	assert.Zero(t, h.ctrl.Count())
}

func TestColdStartBypassesCap(t *testing.T) {
	h := newHarness(t, 1, nil)
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(1, types.PhaseOpened, t0))
	require.NoError(t, err)

	_, err = h.ctrl.Handle(ctx, external(2, types.PhaseAcknowledged, t0))
	require.NoError(t, err)
	assert.Equal(t, 2, h.ctrl.Count())

	_, err = h.ctrl.Handle(ctx, external(3, types.PhaseOpened, t0))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// 上限只约束 fault 准入，登记数量可以超过 MaxOpen
	_, err = h.ctrl.Handle(ctx, external(4, types.PhaseResolved, t0))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(5, types.PhaseAcknowledged, t0))
	require.NoError(t, err)
	assert.Greater(t, h.ctrl.Count(), h.ctrl.MaxOpen())
	_, err = h.ctrl.Handle(ctx, external(6, types.PhaseOpened, t0))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestDuplicateProcessingIsNoop(t *testing.T) {
	h := newHarness(t, 7, nil)
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(8, types.PhaseOpened, t0))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(8, types.PhaseAcknowledged, t0.Add(10*time.Second)))
	require.NoError(t, err)

	res, err := h.ctrl.Handle(ctx, external(8, types.PhaseAcknowledged, t0.Add(50*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Events)

	var acks []types.IncidentEvent
	for _, e := range h.eventsFor(t, 8) {
		if e.Phase == types.PhaseAcknowledged {
			acks = append(acks, e)
		}
	}
	require.Len(t, acks, 1)
	assert.True(t, t0.Add(10*time.Second).Equal(*acks[0].StartedAt), "先到的上报生效")

	inc, ok := h.ctrl.Incident(8)
	require.True(t, ok)
	assert.True(t, t0.Add(10*time.Second).Equal(*inc.StartedAt))
}

func TestDuplicateDoneIsNoop(t *testing.T) {
	h := newHarness(t, 7, nil)
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(8, types.PhaseOpened, t0))
	require.NoError(t, err)
	_, err = h.ctrl.Handle(ctx, external(8, types.PhaseResolved, t0.Add(time.Minute)))
	require.NoError(t, err)

	res, err := h.ctrl.Handle(ctx, external(8, types.PhaseResolved, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// 已解决事故的过期处理上报同样忽略
	res, err = h.ctrl.Handle(ctx, external(8, types.PhaseAcknowledged, t0.Add(30*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Zero(t, h.ctrl.Count())
}

func TestDoneWhileOpenedSynthesizesAcknowledge(t *testing.T) {
	h := newHarness(t, 7, nil)
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(30, types.PhaseOpened, t0))
	require.NoError(t, err)

	res, err := h.ctrl.Handle(ctx, external(30, types.PhaseResolved, t0.Add(90*time.Second)))
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, types.PhaseAcknowledged, res.Events[0].Phase)
	assert.True(t, t0.Equal(*res.Events[0].StartedAt))
	assert.Equal(t, types.PhaseResolved, res.Events[1].Phase)
	assert.Equal(t, "1m30s", res.Events[1].MTTR)
}

func TestTimestampsClampForward(t *testing.T) {
	h := newHarness(t, 7, nil)
	ctx := context.Background()

	_, err := h.ctrl.Handle(ctx, external(11, types.PhaseOpened, t0))
	require.NoError(t, err)

	// 设备时钟落后
	res, err := h.ctrl.Handle(ctx, external(11, types.PhaseAcknowledged, t0.Add(-20*time.Second)))
	require.NoError(t, err)
	assert.True(t, t0.Equal(*res.Events[0].StartedAt))

	res, err = h.ctrl.Handle(ctx, external(11, types.PhaseResolved, t0.Add(-40*time.Second)))
	require.NoError(t, err)
	e := res.Events[0]
	assert.False(t, e.FinishedAt.Before(*e.StartedAt))
	assert.False(t, e.StartedAt.Before(*e.RequestedAt))
	assert.Equal(t, "0m00s", e.MTTR)
}

func TestJitterOnlyForSimulatedOrigin(t *testing.T) {
	mem := persistence.NewMemoryStore()
	ctrl := NewController(mem, nil, layout.Default(), Options{
		MaxOpen: 7,
		Jitter:  types.DurationRange{Min: time.Second, Max: time.Second},
	}, discardLogger())
	ctx := context.Background()

	res, err := ctrl.Handle(ctx, types.Trigger{Line: 1, Phase: types.PhaseOpened, ObservedAt: t0, Origin: types.OriginSimulated})
	require.NoError(t, err)
	assert.True(t, t0.Add(time.Second).Equal(*res.Events[0].RequestedAt))

	res, err = ctrl.Handle(ctx, external(2, types.PhaseOpened, t0))
	require.NoError(t, err)
	assert.True(t, t0.Equal(*res.Events[0].RequestedAt))
}

func TestUnknownLineRejected(t *testing.T) {
	h := newHarness(t, 7, nil)
	_, err := h.ctrl.Handle(context.Background(), external(99, types.PhaseOpened, t0))
	assert.ErrorIs(t, err, ErrUnknownLine)
	_, err = h.ctrl.Handle(context.Background(), external(0, types.PhaseResolved, t0))
	assert.ErrorIs(t, err, ErrUnknownLine)
}

func TestRecover(t *testing.T) {
	mem := persistence.NewMemoryStore()
	ctx := context.Background()
	started := t0.Add(time.Minute)
	finished := t0.Add(2 * time.Minute)
	seed := []types.IncidentEvent{
		{Line: 3, Phase: types.PhaseOpened, RequestedAt: &t0},
		{Line: 4, Phase: types.PhaseOpened, RequestedAt: &t0},
		{Line: 4, Phase: types.PhaseAcknowledged, RequestedAt: &t0, StartedAt: &started},
		{Line: 5, Phase: types.PhaseResolved, RequestedAt: &t0, StartedAt: &started, FinishedAt: &finished, MTTR: "2m00s"},
	}
	for _, e := range seed {
		_, err := mem.Append(ctx, e)
		require.NoError(t, err)
	}

	ctrl := NewController(mem, nil, layout.Default(), Options{MaxOpen: 7}, discardLogger())
	recovered, err := ctrl.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 2)
	assert.Equal(t, types.LineID(3), recovered[0].Line)
	assert.Nil(t, recovered[0].StartedAt)
	assert.Equal(t, types.LineID(4), recovered[1].Line)
	require.NotNil(t, recovered[1].StartedAt)
	assert.NotEmpty(t, recovered[1].TraceID)

	_, err = ctrl.Handle(ctx, external(3, types.PhaseOpened, t0))
	assert.ErrorIs(t, err, ErrLineBusy)

	res, err := ctrl.Handle(ctx, external(4, types.PhaseResolved, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "10m00s", res.Events[0].MTTR)
	assert.Equal(t, 1, ctrl.Count())
}

func TestAdvanceWithoutRecoverUsesStoredRequestTime(t *testing.T) {
	mem := persistence.NewMemoryStore()
	ctx := context.Background()
	_, err := mem.Append(ctx, types.IncidentEvent{Line: 6, Phase: types.PhaseOpened, Cause: "jam", RequestedAt: &t0})
	require.NoError(t, err)

	ctrl := NewController(mem, nil, layout.Default(), Options{MaxOpen: 7}, discardLogger())
	res, err := ctrl.Handle(ctx, external(6, types.PhaseAcknowledged, t0.Add(45*time.Second)))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.True(t, t0.Equal(*res.Events[0].RequestedAt))
	assert.Equal(t, "jam", res.Events[0].Cause)
}

func TestSeedBaseline(t *testing.T) {
	mem := persistence.NewMemoryStore()
	ctx := context.Background()
	l := layout.MustNew([]layout.Area{{Name: "A", From: 1, To: 3}})

	n, err := SeedBaseline(ctx, mem, l)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	latest, err := mem.LatestPerLine(ctx)
	require.NoError(t, err)
	assert.Len(t, latest, 3)
	assert.Equal(t, "-", latest[2].MTTR)

	n, err = SeedBaseline(ctx, mem, l)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWaitDrainsInflightAppends(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, 7, func(mem *persistence.MemoryStore) persistence.EventStore {
		return &blockingStore{MemoryStore: mem, gate: gate}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Handle(ctx, external(2, types.PhaseOpened, t0))
		done <- err
	}()

	// 触发方取消不会中断已经开始的写入
	require.Eventually(t, func() bool { return h.ctrl.Count() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(gate)
	h.ctrl.Wait()

	require.NoError(t, <-done)
	assert.Equal(t, 1, h.mem.Len())
}

type blockingStore struct {
	*persistence.MemoryStore
	gate chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	select {
	case <-b.gate:
	case <-ctx.Done():
		return types.IncidentEvent{}, ctx.Err()
	}
	return b.MemoryStore.Append(ctx, e)
}
