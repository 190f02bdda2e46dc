package report

import (
	"context"
	"fmt"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
	"time"
)

// Record 是一条已关闭事故的历史记录
type Record struct {
	ID          int64        `json:"id"`
	Line        types.LineID `json:"line"`
	Area        string       `json:"area"`
	DisplayName string       `json:"display_name"`
	Cause       string       `json:"cause,omitempty"`
	RequestedAt *time.Time   `json:"req_time,omitempty"`
	StartedAt   *time.Time   `json:"start_time,omitempty"`
	FinishedAt  *time.Time   `json:"finish_time,omitempty"`
	MTTR        string       `json:"mttr"`
}

// History 查询时间窗口内完成维修的事故，按完成时间升序
// 没有时间戳的基线事件不在窗口内
func History(ctx context.Context, store persistence.EventStore, l *layout.Layout, from, to time.Time) ([]Record, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid window: %s is before %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	events, err := store.QueryRange(ctx, persistence.RangeFilter{
		Phase: types.PhaseResolved,
		From:  from,
		To:    to,
	})
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	out := make([]Record, 0, len(events))
	for _, e := range events {
		place := l.Place(e.Line)
		out = append(out, Record{
			ID:          e.ID,
			Line:        e.Line,
			Area:        place.Area,
			DisplayName: place.DisplayName,
			Cause:       e.Cause,
			RequestedAt: e.RequestedAt,
			StartedAt:   e.StartedAt,
			FinishedAt:  e.FinishedAt,
			MTTR:        e.MTTR,
		})
	}
	return out, nil
}

// DayWindow 返回 [from 当天 00:00, to 当天结束) 的时间窗口
// 日期格式 YYYY-MM-DD，空值取 now 所在的日期
func DayWindow(fromDate, toDate string, now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	today := now.In(loc).Format(time.DateOnly)
	if fromDate == "" {
		fromDate = today
	}
	if toDate == "" {
		toDate = fromDate
	}
	from, err := time.ParseInLocation(time.DateOnly, fromDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad start date %q: %w", fromDate, err)
	}
	to, err := time.ParseInLocation(time.DateOnly, toDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("bad end date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", toDate, fromDate)
	}
	return from, to.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}
