package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// OpenIncidents 仪表盘：当前未解决的事故数量
	// 用于对比全局准入上限
	OpenIncidents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "andon_open_incidents",
		Help: "The number of incidents currently open across all lines",
	})

	// AdmissionsTotal 计数器：准入决策总数
	// 按结果 (admitted/line_busy/capacity_exceeded) 分类
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "andon_admissions_total",
		Help: "The total number of incident admission decisions",
	}, []string{"result"})

	// EventsAppendedTotal 计数器：成功写入的事件总数，按阶段分类
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "andon_events_appended_total",
		Help: "The total number of incident events durably appended",
	}, []string{"phase"})

	// StorageRetriesTotal 计数器：暂时性存储错误导致的重试次数
	StorageRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "andon_storage_retries_total",
		Help: "The total number of append retries caused by transient storage errors",
	})

	// StorageFailuresTotal 计数器：重试耗尽后放弃的写入次数
	StorageFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "andon_storage_failures_total",
		Help: "The total number of appends that failed after exhausting retries",
	})

	// IncidentsAbortedTotal 计数器：因持久化失败而安全中止的事故
	IncidentsAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "andon_incidents_aborted_total",
		Help: "The total number of incidents aborted by the fail-safe path",
	})

	// RepairDuration 直方图：维修时长 (MTTR) 分布
	// 按区域分类，用于分析各区域响应效率
	RepairDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "andon_repair_duration_seconds",
		Help:    "Time from incident request to repair completion",
		Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
	}, []string{"area"})

	// ActuatorCommandsTotal 计数器：下发到现场指示灯/蜂鸣器的命令
	// 按命令和结果 (ok/failed) 分类
	ActuatorCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "andon_actuator_commands_total",
		Help: "The total number of actuator commands published",
	}, []string{"command", "result"})

	// IncidentEventsTotal 计数器：总线上分发的事故事件，按类型和区域分类
	IncidentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "andon_incident_events_total",
		Help: "The total number of incident lifecycle events fanned out to subscribers",
	}, []string{"type", "area"})

	// RelayFailuresTotal 计数器：转发到 Redis 失败的状态变更
	RelayFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "andon_relay_failures_total",
		Help: "The total number of line updates the Redis relay failed to publish",
	})

	// WebsocketClients 仪表盘：当前连接的看板客户端
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "andon_websocket_clients",
		Help: "The number of connected dashboard websocket clients",
	})

	// ReportsRejectedTotal 计数器：在边界处被拒绝的设备上报
	ReportsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "andon_reports_rejected_total",
		Help: "The total number of malformed device reports rejected at the boundary",
	})
)
