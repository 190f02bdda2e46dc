package types

import (
	"fmt"
	"strings"
	"time"
)

// LineID 定义产线编号
// 产线在部署时固定分配 (1..N)，不会被创建或销毁
type LineID int

// Code 返回两位补零的产线代码，用于执行器主题寻址 (e.g., "05")
func (l LineID) Code() string {
	return fmt.Sprintf("%02d", int(l))
}

// Phase 定义事故事件的阶段
type Phase string

const (
	PhaseOpened       Phase = "opened"       // 故障上报 (fault)
	PhaseAcknowledged Phase = "acknowledged" // 维修人员到场处理 (processing)
	PhaseResolved     Phase = "resolved"     // 维修完成 (done)
)

// Status 定义对外展示的产线状态
// 与设备上报及实时推送中使用的词汇保持一致
type Status string

const (
	StatusNormal     Status = "normal"
	StatusFault      Status = "fault"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
)

// StatusOf 将事件阶段映射为推送时使用的状态
func StatusOf(p Phase) Status {
	switch p {
	case PhaseOpened:
		return StatusFault
	case PhaseAcknowledged:
		return StatusProcessing
	case PhaseResolved:
		return StatusDone
	default:
		return StatusNormal
	}
}

// PhaseOf 将上报状态解析为事件阶段，兼容原始词汇与阶段名
func PhaseOf(s string) (Phase, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fault", "opened":
		return PhaseOpened, true
	case "processing", "acknowledged":
		return PhaseAcknowledged, true
	case "done", "resolved":
		return PhaseResolved, true
	default:
		return "", false
	}
}

// Origin 标记触发来源
// 状态机只根据来源决定时间戳的取值方式，不改变流转逻辑
type Origin int

const (
	OriginSimulated Origin = iota // 定时模拟
	OriginExternal                // 设备上报
)

func (o Origin) String() string {
	if o == OriginSimulated {
		return "simulated"
	}
	return "external"
}

// Trigger 是进入引擎的一次状态推进请求 (已完成解码和校验)
type Trigger struct {
	Line       LineID
	Phase      Phase
	ObservedAt time.Time
	Cause      string
	Origin     Origin
}

// IncidentEvent 是追加到事件存储中的不可变事实
type IncidentEvent struct {
	ID          int64      `json:"id"`                     // 存储分配的单调递增序号
	Key         string     `json:"key,omitempty"`          // 幂等键，重试写入时保证只落盘一次
	Line        LineID     `json:"line"`                   // 产线编号
	Phase       Phase      `json:"phase"`                  // 事件阶段
	Cause       string     `json:"cause,omitempty"`        // 故障原因描述
	RequestedAt *time.Time `json:"requested_at,omitempty"` // 故障上报时间
	StartedAt   *time.Time `json:"started_at,omitempty"`   // 开始维修时间
	FinishedAt  *time.Time `json:"finished_at,omitempty"`  // 维修完成时间
	MTTR        string     `json:"mttr,omitempty"`         // 仅 resolved 事件填充
	RecordedAt  time.Time  `json:"recorded_at"`            // 写入时的墙钟时间，用于排序
}

// Newer 判断 e 是否比 other 更新 (按 recorded_at，再按序号)
func (e IncidentEvent) Newer(other IncidentEvent) bool {
	if !e.RecordedAt.Equal(other.RecordedAt) {
		return e.RecordedAt.After(other.RecordedAt)
	}
	return e.ID > other.ID
}

// OpenIncident 是准入控制器持有的内存记录，表示某条产线尚未解决的事故
type OpenIncident struct {
	Line        LineID     `json:"line"`
	RequestedAt time.Time  `json:"req_time"`
	StartedAt   *time.Time `json:"start_time,omitempty"` // 确认前为空
	Cause       string     `json:"cause,omitempty"`
	TraceID     string     `json:"trace_id"`
}

// LineStatus 是从事件日志投影出的单条产线当前状态
type LineStatus struct {
	Line        LineID     `json:"line"`
	Area        string     `json:"area"`
	Index       int        `json:"index"`
	DisplayName string     `json:"display_name"`
	Phase       Phase      `json:"phase,omitempty"`
	Status      Status     `json:"type"`
	RequestedAt *time.Time `json:"req_time,omitempty"`
	StartedAt   *time.Time `json:"start_time,omitempty"`
}

// TimePtr 返回 t 的 UTC 副本指针
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// DurationRange 是闭区间 [Min, Max] 的随机时长，用于模拟节奏和时间抖动
type DurationRange struct {
	Min time.Duration `mapstructure:"min" json:"min"`
	Max time.Duration `mapstructure:"max" json:"max"`
}

// IsZero 判断区间是否未配置
func (r DurationRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// Valid 判断区间是否合法
func (r DurationRange) Valid() bool {
	return r.Min >= 0 && r.Max >= r.Min
}

// Pick 在区间内均匀取值，int63n 通常为 rand.Int63n
func (r DurationRange) Pick(int63n func(int64) int64) time.Duration {
	span := int64(r.Max - r.Min)
	if span <= 0 {
		return r.Min
	}
	return r.Min + time.Duration(int63n(span+1))
}
