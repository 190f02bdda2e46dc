package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"industrial-andon/internal/engine"
	"industrial-andon/internal/event"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/report"
	"industrial-andon/internal/station"
	"industrial-andon/internal/types"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

// Engine 是 HTTP 层使用的控制器能力，由 engine.Controller 实现
type Engine interface {
	Handle(ctx context.Context, trig types.Trigger) (engine.Result, error)
	OpenIncidents() []types.OpenIncident
	MaxOpen() int
}

// Lines 提供产线状态投影，由 projector.Projector 实现
type Lines interface {
	Snapshotter
	Line(ctx context.Context, line types.LineID) (types.LineStatus, error)
}

// Server 是看板的 HTTP 接口
// 所有读取都直接来自事件存储的投影
type Server struct {
	engine   Engine
	lines    Lines
	store    persistence.EventStore
	layout   *layout.Layout
	hub      *Hub
	logger   *slog.Logger
	now      func() time.Time
	location *time.Location // 历史查询按这个时区划分日期
}

// NewServer 创建 HTTP 接口
func NewServer(eng Engine, lines Lines, store persistence.EventStore, l *layout.Layout, hub *Hub, logger *slog.Logger) *Server {
	s := &Server{
		engine:   eng,
		lines:    lines,
		store:    store,
		layout:   l,
		hub:      hub,
		logger:   logger.With("component", "api"),
		now:      time.Now,
		location: time.Local,
	}
	hub.HandleFrames(s.handleFrame)
	return s
}

// Handler 返回注册了全部路由的 http.Handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.hub.ServeWs)
	mux.HandleFunc("GET /api/lines", s.handleLines)
	mux.HandleFunc("GET /api/lines/{line}", s.handleLine)
	mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/history/export", s.handleExport)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/reports", s.handleReport)
	mux.HandleFunc("GET /api/server_time", s.handleServerTime)
	return mux
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	lines, err := s.lines.Snapshot(r.Context())
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleLine(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("line"))
	if err != nil || !s.layout.Contains(types.LineID(n)) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown line %q", r.PathValue("line")))
		return
	}
	status, err := s.lines.Line(r.Context(), types.LineID(n))
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleIncidents(w http.ResponseWriter, _ *http.Request) {
	open := s.engine.OpenIncidents()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"open":      open,
		"count":     len(open),
		"max_open":  s.engine.MaxOpen(),
		"available": max(s.engine.MaxOpen()-len(open), 0),
	})
}

func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	return report.DayWindow(q.Get("start_date"), q.Get("end_date"), s.now(), s.location)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := report.History(r.Context(), s.store, s.layout, from, to)
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := report.History(r.Context(), s.store, s.layout, from, to)
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	name := fmt.Sprintf("andon_%s_%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := report.WriteExcel(w, records, s.location); err != nil {
		s.logger.Error("导出历史记录失败", "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventLimit))
			return
		}
		limit = n
	}
	events, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	if events == nil {
		events = []types.IncidentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleReport 人工上报，与 MQTT 上报走同样的边界校验
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var rep station.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		s.logger.Warn("解析上报请求失败", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trig, err := rep.Trigger(s.layout, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.Handle(r.Context(), trig)
	switch {
	case errors.Is(err, engine.ErrLineBusy), errors.Is(err, engine.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, engine.ErrUnknownLine):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.fail(w, http.StatusServiceUnavailable, err)
		return
	}

	status := "accepted"
	if res.Duplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": status,
		"events": res.Events,
	})
}

// frame 是看板通过 WebSocket 发来的消息
type frame struct {
	Event string `json:"event"`
	Line  int    `json:"line"`
}

// handleFrame 处理看板的确认 (ack_line)，按 processing 上报走同样的边界校验
// 失败时向所有看板广播 line_ack_error
func (s *Server) handleFrame(ctx context.Context, payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		s.logger.Warn("解析看板消息失败", "error", err)
		return
	}
	if f.Event != event.MessageAckLine {
		s.logger.Debug("忽略看板消息", "event", f.Event)
		return
	}

	rep := station.Report{Line: f.Line, Type: string(types.StatusProcessing)}
	trig, err := rep.Trigger(s.layout, s.now())
	if err == nil {
		_, err = s.engine.Handle(ctx, trig)
	}
	if err != nil {
		s.logger.Warn("看板确认失败", "line", f.Line, "error", err)
		s.hub.Broadcast(event.Envelope{
			Event: event.MessageAckError,
			Data:  map[string]interface{}{"line": f.Line, "error": err.Error()},
		})
		return
	}
	s.logger.Info("看板确认产线", "line", f.Line)
}

func (s *Server) handleServerTime(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"time": now.Format(time.RFC3339),
		"unix": now.Unix(),
	})
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.logger.Error("请求处理失败", "error", err)
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
