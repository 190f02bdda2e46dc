package station

import (
	"encoding/json"
	"errors"
	"fmt"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/types"
	"strings"
	"time"
)

// ErrMalformedReport 设备上报无法解析或产线编号越界，在边界处拒绝
var ErrMalformedReport = errors.New("malformed report")

// Report 是设备上报的负载
// MQTT 上报的产线编号来自主题，HTTP 上报来自 Line 字段
type Report struct {
	Line        int    `json:"line,omitempty"`
	Type        string `json:"type"`                  // fault | processing | done
	Description string `json:"description,omitempty"` // 故障原因
	TS          string `json:"ts,omitempty"`          // RFC3339，可选
}

// Trigger 校验上报并转换为引擎触发
// 时间戳缺失或无法解析时使用 now
func (r Report) Trigger(l *layout.Layout, now time.Time) (types.Trigger, error) {
	if !l.Contains(types.LineID(r.Line)) {
		return types.Trigger{}, fmt.Errorf("%w: line %d out of range", ErrMalformedReport, r.Line)
	}
	phase, ok := types.PhaseOf(r.Type)
	if !ok {
		return types.Trigger{}, fmt.Errorf("%w: unknown type %q", ErrMalformedReport, r.Type)
	}
	observed := now
	if ts := strings.TrimSpace(r.TS); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			observed = t
		}
	}
	return types.Trigger{
		Line:       types.LineID(r.Line),
		Phase:      phase,
		ObservedAt: observed.UTC(),
		Cause:      strings.TrimSpace(r.Description),
		Origin:     types.OriginExternal,
	}, nil
}

// ParseReport 解码 MQTT 上报
// 负载可以是 JSON，也可以是只包含状态的纯文本 (例如 "fault")
func ParseReport(topics Topics, topic string, payload []byte, l *layout.Layout, now time.Time) (types.Trigger, error) {
	line, err := topics.LineOfReport(topic)
	if err != nil {
		return types.Trigger{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}

	var r Report
	body := strings.TrimSpace(string(payload))
	if strings.HasPrefix(body, "{") {
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return types.Trigger{}, fmt.Errorf("%w: %v", ErrMalformedReport, err)
		}
	} else {
		r.Type = body
	}
	r.Line = line
	return r.Trigger(l, now)
}
