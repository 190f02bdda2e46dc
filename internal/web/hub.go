package web

import (
	"context"
	"encoding/json"
	"industrial-andon/internal/event"
	"industrial-andon/internal/metrics"
	"industrial-andon/internal/types"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Snapshotter 提供连接建立时推送的全量状态，由 projector.Projector 实现
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]types.LineStatus, error)
}

// FrameHandler 处理客户端发来的文本帧
type FrameHandler func(ctx context.Context, payload []byte)

// Hub 负责管理所有的 WebSocket 客户端连接，并向它们广播消息
type Hub struct {
	clients    map[*websocket.Conn]bool // 存储所有活跃的客户端连接
	broadcast  chan []byte              // 广播通道，用于接收需要发送给所有客户端的消息
	register   chan *websocket.Conn     // 注册通道，用于接收新连接
	unregister chan *websocket.Conn     // 注销通道，用于处理断开的连接
	done       chan struct{}            // Run 退出后关闭
	mu         sync.Mutex               // 保护 clients 映射的并发访问

	snapshot Snapshotter
	frames   FrameHandler
	logger   *slog.Logger
}

// NewHub 创建一个新的 Hub 实例
func NewHub(snapshot Snapshotter, logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
		snapshot:   snapshot,
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run 启动 Hub 的主循环，直到 ctx 取消
// 所有写操作都在这个循环里完成，同一连接不会被并发写
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-h.register:
			// 先推送全量状态；此后的变更都会经由 broadcast 到达
			if err := h.sendSnapshot(ctx, conn); err != nil {
				h.logger.Warn("推送全量状态失败", "remote", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				continue
			}
			h.mu.Lock()
			h.clients[conn] = true
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			// 向所有连接的客户端广播消息
			for conn := range h.clients {
				if err := write(conn, message); err != nil {
					h.logger.Warn("写入 WebSocket 失败", "remote", conn.RemoteAddr().String(), "error", err)
					conn.Close()
					delete(h.clients, conn)
				}
			}
			metrics.WebsocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	metrics.WebsocketClients.Set(0)
}

func (h *Hub) sendSnapshot(ctx context.Context, conn *websocket.Conn) error {
	lines, err := h.snapshot.Snapshot(ctx)
	if err != nil {
		return err
	}
	message, err := json.Marshal(event.Envelope{Event: event.MessageSnapshot, Data: lines})
	if err != nil {
		return err
	}
	return write(conn, message)
}

func write(conn *websocket.Conn, message []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, message)
}

// Broadcast 将消息序列化为 JSON 并发送到广播通道
// Hub 停止后直接丢弃
func (h *Hub) Broadcast(msg event.Envelope) {
	message, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("序列化消息失败", "event", msg.Event, "error", err)
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// HandleFrames 设置客户端文本帧的处理函数，需在开始接受连接前调用
func (h *Hub) HandleFrames(fn FrameHandler) {
	h.frames = fn
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// upgrader 将普通的 HTTP 连接升级为 WebSocket 连接
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 看板部署在车间内网，允许所有来源
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs 处理来自客户端的 WebSocket 请求
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升级 WebSocket 失败", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	// 读取循环同时用来发现客户端断开
	go func() {
		for {
			mt, payload, err := conn.ReadMessage()
			if err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
			if mt == websocket.TextMessage && h.frames != nil {
				h.frames(context.Background(), payload)
			}
		}
	}()
}
