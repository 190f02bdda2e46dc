package station

import (
	"fmt"
	"industrial-andon/internal/types"
	"strconv"
	"strings"
)

// Topics 生成与现场设备约定的 MQTT 主题
//
//	{prefix}/led/{code}          ON / OFF
//	{prefix}/alarm/{code}        RING
//	{prefix}/line/{line}/event   设备上报 (JSON)
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	if t.Prefix == "" {
		return strings.Join(parts, "/")
	}
	return t.Prefix + "/" + strings.Join(parts, "/")
}

// Command 返回执行器命令对应的主题
func (t Topics) Command(line types.LineID, cmd Command) string {
	if cmd == CommandRing {
		return t.join("alarm", line.Code())
	}
	return t.join("led", line.Code())
}

// Report 返回产线上报主题
func (t Topics) Report(line types.LineID) string {
	return t.join("line", strconv.Itoa(int(line)), "event")
}

// Reports 返回订阅所有产线上报的通配主题
func (t Topics) Reports() string {
	return t.join("line", "+", "event")
}

// Commands 返回订阅所有执行器命令的通配主题
func (t Topics) Commands() []string {
	return []string{t.join("led", "+"), t.join("alarm", "+")}
}

// LineOfReport 从上报主题中解析产线编号
func (t Topics) LineOfReport(topic string) (int, error) {
	rest := topic
	if t.Prefix != "" {
		var ok bool
		rest, ok = strings.CutPrefix(topic, t.Prefix+"/")
		if !ok {
			return 0, fmt.Errorf("topic %q outside prefix %q", topic, t.Prefix)
		}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] != "line" || parts[2] != "event" {
		return 0, fmt.Errorf("topic %q is not a line report", topic)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("topic %q: bad line %q", topic, parts[1])
	}
	return n, nil
}

// CommandOf 从执行器主题和负载中解析命令
func (t Topics) CommandOf(topic string, payload []byte) (string, Command, error) {
	rest := strings.TrimPrefix(topic, t.Prefix+"/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("topic %q is not a command", topic)
	}
	return parts[1], Command(strings.TrimSpace(string(payload))), nil
}
