package station

import (
	"context"
	"fmt"
	"industrial-andon/internal/types"
	"log/slog"
)

// Command 是下发给现场指示灯/蜂鸣器的命令
type Command string

const (
	CommandOn   Command = "ON"   // 点亮产线指示灯
	CommandOff  Command = "OFF"  // 熄灭产线指示灯
	CommandRing Command = "RING" // 蜂鸣器报警
)

// Station 定义现场工位的执行器接口
// 命令是尽力投递的，失败只记录日志，不影响事故流转
type Station interface {
	Send(ctx context.Context, line types.LineID, cmd Command) error
}

// LocalStation 本地模拟工位，只记录命令，用于没有现场设备的部署
type LocalStation struct {
	logger *slog.Logger
}

func NewStation(logger *slog.Logger) Station {
	return &LocalStation{logger: logger.With("component", "station", "remote", false)}
}

// Send 模拟物理工位的动作执行
func (s *LocalStation) Send(_ context.Context, line types.LineID, cmd Command) error {
	switch cmd {
	case CommandOn, CommandOff, CommandRing:
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	s.logger.Info("执行器命令", "line", line, "code", line.Code(), "command", cmd)
	return nil
}
