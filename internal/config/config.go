package config

import (
	"errors"
	"fmt"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Areas      []layout.Area    `mapstructure:"areas"`      // 区域划分，决定产线编号空间
	Simulation SimulationConfig `mapstructure:"simulation"` // 模拟触发源
	Storage    StorageConfig    `mapstructure:"storage"`    // 事件存储
	MQTT       MQTTConfig       `mapstructure:"mqtt"`       // 现场设备通道
	Redis      RedisConfig      `mapstructure:"redis"`      // 状态变更转发
	Alarm      AlarmConfig      `mapstructure:"alarm"`
	SeedLines  bool             `mapstructure:"seed_lines"` // 空库启动时为每条产线写入基线事件
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug | info | warn | error
}

// SlogLevel 将配置的日志级别转换为 slog.Level，无法识别时使用 info
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type AdmissionConfig struct {
	MaxOpen int `mapstructure:"max_open"` // 全局同时未解决事故上限
}

// SimulationConfig 模拟器节奏，区间为空时按 fast_mode 套用预设
type SimulationConfig struct {
	Enabled         bool                `mapstructure:"enabled"`
	FastMode        bool                `mapstructure:"fast_mode"`
	FaultInterval   types.DurationRange `mapstructure:"fault_interval"`   // 两次故障之间的间隔
	ArrivalInterval types.DurationRange `mapstructure:"arrival_interval"` // 维修人员到场耗时
	RepairInterval  types.DurationRange `mapstructure:"repair_interval"`  // 维修耗时
	Jitter          types.DurationRange `mapstructure:"jitter"`           // 模拟时间戳抖动
	CapacityWait    time.Duration       `mapstructure:"capacity_wait"`    // 达到上限后的等待时间
}

// Preset 模拟节奏预设
type Preset struct {
	FaultInterval   types.DurationRange
	ArrivalInterval types.DurationRange
	RepairInterval  types.DurationRange
	CapacityWait    time.Duration
}

var (
	// FastPreset 演示用的快速节奏
	FastPreset = Preset{
		FaultInterval:   types.DurationRange{Min: 5 * time.Second, Max: 15 * time.Second},
		ArrivalInterval: types.DurationRange{Min: 2 * time.Second, Max: 6 * time.Second},
		RepairInterval:  types.DurationRange{Min: 6 * time.Second, Max: 20 * time.Second},
		CapacityWait:    2 * time.Second,
	}
	// SlowPreset 接近真实车间的节奏
	SlowPreset = Preset{
		FaultInterval:   types.DurationRange{Min: 180 * time.Second, Max: 480 * time.Second},
		ArrivalInterval: types.DurationRange{Min: 30 * time.Second, Max: 180 * time.Second},
		RepairInterval:  types.DurationRange{Min: 180 * time.Second, Max: 720 * time.Second},
		CapacityWait:    20 * time.Second,
	}
	// DefaultJitter 模拟时间戳的抖动范围
	DefaultJitter = types.DurationRange{Min: 0, Max: 2 * time.Second}
)

// applyPreset 用预设补齐未配置的区间
func (s *SimulationConfig) applyPreset() {
	p := SlowPreset
	if s.FastMode {
		p = FastPreset
	}
	if s.FaultInterval.IsZero() {
		s.FaultInterval = p.FaultInterval
	}
	if s.ArrivalInterval.IsZero() {
		s.ArrivalInterval = p.ArrivalInterval
	}
	if s.RepairInterval.IsZero() {
		s.RepairInterval = p.RepairInterval
	}
	if s.CapacityWait <= 0 {
		s.CapacityWait = p.CapacityWait
	}
}

// StorageConfig 事件存储配置
type StorageConfig struct {
	persistence.Options `mapstructure:",squash"`
	AppendTimeout       time.Duration `mapstructure:"append_timeout"` // 单次状态推进写入的总时限 (含重试)
}

type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Prefix         string        `mapstructure:"prefix"` // 主题前缀，如 "andon"
	QoS            byte          `mapstructure:"qos"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"` // 等待 broker 确认的上限
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// AlarmConfig 蜂鸣器规则
type AlarmConfig struct {
	// Rule 是 expr 表达式，可用变量: area, line, index, cause
	// 为空时从不鸣响，例如: area == "Panel" || cause contains "fire"
	Rule string `mapstructure:"rule"`
}

// LoadConfig 从当前目录的 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load 从指定文件加载配置，file 为空时在当前目录查找 config.yaml
// 配置文件不存在时使用默认值；环境变量 ANDON_* 覆盖文件中的值
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	setDefaults(v)

	// 例如 ANDON_STORAGE_DRIVER=sqlite
	v.SetEnvPrefix("ANDON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.Simulation.applyPreset()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("admission.max_open", 7)
	v.SetDefault("areas", layout.DefaultAreas)

	v.SetDefault("simulation.enabled", true)
	v.SetDefault("simulation.fast_mode", true)
	v.SetDefault("simulation.jitter", map[string]any{"min": DefaultJitter.Min, "max": DefaultJitter.Max})

	v.SetDefault("storage.driver", persistence.DriverWAL)
	v.SetDefault("storage.path", "andon.wal")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.retry.attempts", persistence.DefaultRetryPolicy.Attempts)
	v.SetDefault("storage.retry.backoff", persistence.DefaultRetryPolicy.Backoff)
	v.SetDefault("storage.retry.max_backoff", persistence.DefaultRetryPolicy.MaxBackoff)
	v.SetDefault("storage.append_timeout", 15*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "andon-engine")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "andon")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.publish_timeout", 2*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "andon:line_update")

	v.SetDefault("alarm.rule", "")
	v.SetDefault("seed_lines", false)
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	if c.Admission.MaxOpen < 1 {
		return fmt.Errorf("admission.max_open 必须大于 0，当前为 %d", c.Admission.MaxOpen)
	}
	if _, err := layout.New(c.Areas); err != nil {
		return fmt.Errorf("areas 配置非法: %w", err)
	}
	ranges := map[string]types.DurationRange{
		"simulation.fault_interval":   c.Simulation.FaultInterval,
		"simulation.arrival_interval": c.Simulation.ArrivalInterval,
		"simulation.repair_interval":  c.Simulation.RepairInterval,
		"simulation.jitter":           c.Simulation.Jitter,
	}
	for name, r := range ranges {
		if !r.Valid() {
			return fmt.Errorf("%s 区间非法: [%s, %s]", name, r.Min, r.Max)
		}
	}
	switch c.Storage.Driver {
	case persistence.DriverMemory, persistence.DriverWAL, persistence.DriverSQLite:
		if c.Storage.Driver != persistence.DriverMemory && c.Storage.Path == "" {
			return fmt.Errorf("storage.path 不能为空 (driver=%s)", c.Storage.Driver)
		}
	case persistence.DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn 不能为空 (driver=postgres)")
		}
	default:
		return fmt.Errorf("未知的存储引擎: %q", c.Storage.Driver)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos 只能是 0、1 或 2，当前为 %d", c.MQTT.QoS)
	}
	return nil
}

// Layout 根据配置构建区域表
func (c *Config) Layout() *layout.Layout {
	return layout.MustNew(c.Areas)
}
