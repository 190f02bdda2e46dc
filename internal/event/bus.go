package event

import (
	"industrial-andon/internal/layout"
	"industrial-andon/internal/types"
	"sync"
	"time"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	IncidentOpened       EventType = "IncidentOpened"       // 产线故障，事故开启
	IncidentAcknowledged EventType = "IncidentAcknowledged" // 维修人员到场
	IncidentResolved     EventType = "IncidentResolved"     // 维修完成
	IncidentAborted      EventType = "IncidentAborted"      // 持久化失败，安全中止
)

// Event 结构体定义了事件的数据负载
// 除 IncidentAborted 外，Incident 都是已经持久化的事件
// IncidentAborted 的 Incident 只带产线、原因和该事故最后落盘事件的序号
type Event struct {
	Type      EventType           // 事件类型
	Placement layout.Placement    // 产线在看板上的位置
	Incident  types.IncidentEvent // 已落盘的事故事件
	TraceID   string              // 事故的追踪 ID
	Error     error               // 错误信息 (仅中止事件)
}

// Line 返回事件关联的产线
func (e Event) Line() types.LineID {
	return e.Placement.Line
}

// Notification 是推送给实时订阅者的状态变更
type Notification struct {
	Line        types.LineID `json:"line"`
	DisplayName string       `json:"display_name"`
	Area        string       `json:"area"`
	Status      types.Status `json:"type"`
	RequestedAt *time.Time   `json:"req_time,omitempty"`
	StartedAt   *time.Time   `json:"start_time,omitempty"`
	FinishedAt  *time.Time   `json:"finish_time,omitempty"`
	MTTR        string       `json:"mttr,omitempty"`
	Cause       string       `json:"cause,omitempty"`
}

// Notification 将事件转换为推送负载
// 中止事件推送 normal，让看板与指示灯一起复位
func (e Event) Notification() Notification {
	n := Notification{
		Line:        e.Placement.Line,
		DisplayName: e.Placement.DisplayName,
		Area:        e.Placement.Area,
		Status:      types.StatusOf(e.Incident.Phase),
		RequestedAt: e.Incident.RequestedAt,
		StartedAt:   e.Incident.StartedAt,
		FinishedAt:  e.Incident.FinishedAt,
		MTTR:        e.Incident.MTTR,
		Cause:       e.Incident.Cause,
	}
	if e.Type == IncidentAborted {
		n.Status = types.StatusNormal
		n.RequestedAt, n.StartedAt, n.FinishedAt, n.MTTR = nil, nil, nil, ""
	}
	return n
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	inflight sync.WaitGroup          // 尚未执行完的处理器
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 为所有事故事件类型订阅同一个处理器
func (b *Bus) SubscribeAll(handler Handler) {
	for _, t := range []EventType{IncidentOpened, IncidentAcknowledged, IncidentResolved, IncidentAborted} {
		b.Subscribe(t, handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 发布方从不等待处理器完成
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			b.inflight.Add(1)
			go func(h Handler) {
				defer b.inflight.Done()
				h(e)
			}(handler)
		}
	}
}

// Wait 等待所有已发布事件的处理器执行完毕，用于停机时排空
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// 推送给订阅者的消息名称
const (
	MessageLineUpdate = "line_update" // 单条产线状态变更
	MessageSnapshot   = "snapshot"    // 连接建立时的全量状态
	MessageAckLine    = "ack_line"    // 看板确认产线 (客户端发出)
	MessageAckError   = "line_ack_error"
)

// Envelope 是 WebSocket 与 Redis 推送共用的消息外壳
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// LineUpdate 将事件包装为 line_update 消息
func (e Event) LineUpdate() Envelope {
	return Envelope{Event: MessageLineUpdate, Data: e.Notification()}
}
