package persistence

import (
	"context"
	"industrial-andon/internal/types"
	"sort"
	"sync"
	"time"
)

// MemoryStore 是进程内的事件日志，作为 WAL 的索引层，也用于演示和测试
type MemoryStore struct {
	mu     sync.RWMutex
	events []types.IncidentEvent
	latest map[types.LineID]int // 产线 -> events 下标
	keys   map[string]int       // 幂等键 -> events 下标
	nextID int64
	now    func() time.Time
}

// NewMemoryStore 创建一个空的内存事件日志
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest: make(map[types.LineID]int),
		keys:   make(map[string]int),
		nextID: 1,
		now:    time.Now,
	}
}

// SetClock 替换 recorded_at 使用的时钟
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Append 追加事件
func (m *MemoryStore) Append(_ context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e), nil
}

// prepare 分配序号和 recorded_at，已写入过的幂等键直接返回旧记录
func (m *MemoryStore) prepare(e types.IncidentEvent) (types.IncidentEvent, bool) {
	if e.Key != "" {
		if i, ok := m.keys[e.Key]; ok {
			return m.events[i], true
		}
	}
	e.ID = m.nextID
	if e.RecordedAt.IsZero() {
		e.RecordedAt = m.now().UTC()
	}
	return e, false
}

// index 将已持久化的事件加入索引
func (m *MemoryStore) index(e types.IncidentEvent) {
	if e.Key != "" {
		if _, ok := m.keys[e.Key]; ok {
			return
		}
	}
	m.events = append(m.events, e)
	i := len(m.events) - 1
	if e.ID >= m.nextID {
		m.nextID = e.ID + 1
	}
	if e.Key != "" {
		m.keys[e.Key] = i
	}
	if j, ok := m.latest[e.Line]; !ok || e.Newer(m.events[j]) {
		m.latest[e.Line] = i
	}
}

func (m *MemoryStore) appendLocked(e types.IncidentEvent) types.IncidentEvent {
	e, dup := m.prepare(e)
	if !dup {
		m.index(e)
	}
	return e
}

// LatestPerLine 返回每条产线最近的事件
func (m *MemoryStore) LatestPerLine(_ context.Context) (map[types.LineID]types.IncidentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.LineID]types.IncidentEvent, len(m.latest))
	for line, i := range m.latest {
		out[line] = m.events[i]
	}
	return out, nil
}

// QueryRange 返回区间内的事件
func (m *MemoryStore) QueryRange(_ context.Context, f RangeFilter) ([]types.IncidentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.IncidentEvent
	for _, e := range m.events {
		if f.match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := f.timeOf(out[i])
		tj, _ := f.timeOf(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Recent 返回最近的事件
func (m *MemoryStore) Recent(_ context.Context, limit int) ([]types.IncidentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]types.IncidentEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// Len 返回事件总数
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Close 内存存储无需释放资源
func (m *MemoryStore) Close() error {
	return nil
}
