package projector

import (
	"context"
	"fmt"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
)

// Projector 从事件日志推导每条产线的当前状态
// 只读，不缓存；每次调用都基于存储中最近的事件重新计算
type Projector struct {
	store  persistence.EventStore
	layout *layout.Layout
}

// New 创建状态投影
func New(store persistence.EventStore, l *layout.Layout) *Projector {
	return &Projector{store: store, layout: l}
}

// Snapshot 返回所有已配置产线的当前状态，按产线编号排序
func (p *Projector) Snapshot(ctx context.Context) ([]types.LineStatus, error) {
	latest, err := p.store.LatestPerLine(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取最近事件失败: %w", err)
	}
	lines := p.layout.Lines()
	out := make([]types.LineStatus, 0, len(lines))
	for _, line := range lines {
		e, ok := latest[line]
		out = append(out, Project(p.layout.Place(line), e, ok))
	}
	return out, nil
}

// Line 返回单条产线的当前状态
func (p *Projector) Line(ctx context.Context, line types.LineID) (types.LineStatus, error) {
	latest, err := p.store.LatestPerLine(ctx)
	if err != nil {
		return types.LineStatus{}, fmt.Errorf("读取最近事件失败: %w", err)
	}
	e, ok := latest[line]
	return Project(p.layout.Place(line), e, ok), nil
}

// Project 将产线最近的一条事件映射为展示状态
// resolved 与无事件都折叠为 normal
func Project(place layout.Placement, e types.IncidentEvent, ok bool) types.LineStatus {
	s := types.LineStatus{
		Line:        place.Line,
		Area:        place.Area,
		Index:       place.Index,
		DisplayName: place.DisplayName,
		Status:      types.StatusNormal,
	}
	if !ok || e.Phase == types.PhaseResolved {
		return s
	}
	s.Phase = e.Phase
	s.Status = types.StatusOf(e.Phase)
	s.RequestedAt = e.RequestedAt
	s.StartedAt = e.StartedAt
	return s
}
