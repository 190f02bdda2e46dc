package persistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"industrial-andon/internal/types"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrTransient 标记可重试的存储错误 (锁冲突、连接抖动等)
	ErrTransient = errors.New("transient storage failure")
	// ErrStorageFatal 表示重试耗尽或不可重试的存储错误
	ErrStorageFatal = errors.New("storage failure")
)

// EventStore 是只追加的事故事件日志
// 事件一旦写入不再修改或删除
type EventStore interface {
	// Append 追加事件，返回带有序号和 recorded_at 的副本
	Append(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error)
	// LatestPerLine 返回每条产线最近的一条事件 (按 recorded_at，再按序号)
	LatestPerLine(ctx context.Context) (map[types.LineID]types.IncidentEvent, error)
	// QueryRange 返回时间窗口内指定阶段的事件，按时间升序
	QueryRange(ctx context.Context, f RangeFilter) ([]types.IncidentEvent, error)
	// Recent 按序号倒序返回最近的 limit 条事件
	Recent(ctx context.Context, limit int) ([]types.IncidentEvent, error)
	Close() error
}

// RangeFilter 定义区间查询条件
// resolved 阶段按 finished_at 过滤，其他阶段按 recorded_at 过滤
type RangeFilter struct {
	Phase types.Phase
	From  time.Time
	To    time.Time
	Line  types.LineID // 0 表示全部产线
}

// timeOf 返回事件在区间查询中使用的时间
func (f RangeFilter) timeOf(e types.IncidentEvent) (time.Time, bool) {
	if f.Phase == types.PhaseResolved {
		if e.FinishedAt == nil {
			return time.Time{}, false
		}
		return *e.FinishedAt, true
	}
	return e.RecordedAt, true
}

func (f RangeFilter) match(e types.IncidentEvent) bool {
	if e.Phase != f.Phase {
		return false
	}
	if f.Line != 0 && e.Line != f.Line {
		return false
	}
	t, ok := f.timeOf(e)
	if !ok {
		return false
	}
	return !t.Before(f.From) && !t.After(f.To)
}

// IsTransient 判断错误是否值得重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	// SQLite: 数据库被其他连接锁定
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}

	// PostgreSQL: 事务冲突 (40xxx)、连接异常 (08xxx)、锁不可用
	var pe *pq.Error
	if errors.As(err, &pe) {
		switch pe.Code.Class() {
		case "40", "08":
			return true
		}
		return pe.Code == "55P03"
	}
	return false
}
