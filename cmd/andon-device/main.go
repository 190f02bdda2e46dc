package main

import (
	"context"
	"encoding/json"
	"fmt"
	"industrial-andon/internal/app"
	"industrial-andon/internal/config"
	"industrial-andon/internal/station"
	"industrial-andon/internal/types"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// deviceOptions 现场设备模拟器参数
type deviceOptions struct {
	ConfigFile string
	Lines      []int
	Interval   time.Duration // 两次故障之间的平均间隔
	Repair     time.Duration // 故障到维修完成的平均时长
	SkipAck    float64       // 直接上报 done、跳过 processing 的概率
}

// main 是现场安灯设备模拟器的入口
// 通过 MQTT 上报 fault/processing/done，并记录收到的指示灯和蜂鸣器命令
func main() {
	opts := &deviceOptions{}
	cmd := &cobra.Command{
		Use:           "andon-device",
		Short:         "Simulate andon stations over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "config file (default ./config.yaml)")
	cmd.Flags().IntSliceVar(&opts.Lines, "lines", []int{1, 2, 3, 41, 42, 53}, "lines this device simulates")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 8*time.Second, "mean time between faults")
	cmd.Flags().DurationVar(&opts.Repair, "repair", 12*time.Second, "mean time from fault to done")
	cmd.Flags().Float64Var(&opts.SkipAck, "skip-ack", 0.1, "probability of reporting done without processing")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(opts *deviceOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.Log, os.Stdout).With("service", "andon-device")
	slog.SetDefault(logger)

	l := cfg.Layout()
	for _, n := range opts.Lines {
		if !l.Contains(types.LineID(n)) {
			return fmt.Errorf("line %d is not configured", n)
		}
	}

	client, err := station.Connect(station.MQTTOptions{
		Broker:         cfg.MQTT.Broker,
		ClientID:       "andon-device-" + uuid.NewString()[:8],
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		QoS:            cfg.MQTT.QoS,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	topics := station.Topics{Prefix: cfg.MQTT.Prefix}
	for _, topic := range topics.Commands() {
		err := client.Subscribe(topic, func(topic string, payload []byte) {
			code, cmd, err := topics.CommandOf(topic, payload)
			if err != nil {
				logger.Warn("无法识别的命令", "topic", topic, "error", err)
				return
			}
			logger.Info("收到执行器命令", "code", code, "command", cmd)
		})
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("=== 安灯现场设备模拟器启动 ===", "broker", cfg.MQTT.Broker, "lines", opts.Lines)
	d := &device{client: client, topics: topics, opts: opts, logger: logger, busy: map[int]bool{}}
	d.loop(ctx)
	logger.Info("设备模拟器已退出")
	return nil
}

type device struct {
	client *station.Client
	topics station.Topics
	opts   *deviceOptions
	logger *slog.Logger

	mu   sync.Mutex
	busy map[int]bool
	wg   sync.WaitGroup
}

var causes = []string{"物料短缺", "设备卡料", "质量异常", "安全门打开", ""}

func (d *device) loop(ctx context.Context) {
	defer d.wg.Wait()
	for {
		if !sleep(ctx, jitter(d.opts.Interval)) {
			return
		}
		line, ok := d.pickIdle()
		if !ok {
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.release(line)
			d.incident(ctx, line)
		}()
	}
}

// incident 按 fault -> processing -> done 的顺序上报一次故障
func (d *device) incident(ctx context.Context, line int) {
	if !d.report(ctx, line, "fault", causes[rand.Intn(len(causes))]) {
		return
	}
	repair := jitter(d.opts.Repair)
	if rand.Float64() >= d.opts.SkipAck {
		if !sleep(ctx, repair/3) || !d.report(ctx, line, "processing", "") {
			return
		}
		repair -= repair / 3
	}
	if sleep(ctx, repair) {
		d.report(ctx, line, "done", "")
	}
}

func (d *device) report(ctx context.Context, line int, typ, cause string) bool {
	payload, err := json.Marshal(station.Report{
		Type:        typ,
		Description: cause,
		TS:          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.logger.Error("序列化上报失败", "error", err)
		return false
	}
	topic := d.topics.Report(types.LineID(line))
	if err := d.client.Publish(ctx, topic, payload); err != nil {
		d.logger.Warn("上报失败", "line", line, "type", typ, "error", err)
		return false
	}
	d.logger.Info("已上报", "line", line, "type", typ, "cause", cause)
	return true
}

func (d *device) pickIdle() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var idle []int
	for _, n := range d.opts.Lines {
		if !d.busy[n] {
			idle = append(idle, n)
		}
	}
	if len(idle) == 0 {
		return 0, false
	}
	n := idle[rand.Intn(len(idle))]
	d.busy[n] = true
	return n, true
}

func (d *device) release(line int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.busy, line)
}

// jitter 返回 [d/2, 3d/2) 之间的随机时长
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
