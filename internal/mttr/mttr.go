package mttr

import (
	"fmt"
	"time"
)

// Missing 是任一时间戳缺失时返回的占位符
const Missing = "-"

// Seconds 计算两个时间点之间的整秒数，时钟偏差导致的负值归零
func Seconds(from, to time.Time) int64 {
	secs := int64(to.Sub(from) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Format 将秒数渲染为看板使用的时长格式
// 不足 1 小时: {m}m{ss}s；否则: {h}h{mm}m
func Format(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// Elapsed 计算从故障上报到维修完成的 MTTR 字符串
func Elapsed(requestedAt, finishedAt *time.Time) string {
	if requestedAt == nil || finishedAt == nil {
		return Missing
	}
	return Format(Seconds(*requestedAt, *finishedAt))
}
