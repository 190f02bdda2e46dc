package handlers

import (
	"fmt"
	"industrial-andon/internal/event"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// AlarmRule 决定一次故障是否同时拉响蜂鸣器
// 规则是 expr 表达式，可用变量: area, line, index, cause
// 例如: area == "Panel" || cause contains "安全"
type AlarmRule struct {
	source  string
	program *vm.Program
}

func alarmEnv(e event.Event) map[string]interface{} {
	return map[string]interface{}{
		"area":  e.Placement.Area,
		"line":  int(e.Placement.Line),
		"index": e.Placement.Index,
		"cause": e.Incident.Cause,
	}
}

// CompileAlarmRule 编译报警规则，空规则永不报警
func CompileAlarmRule(rule string) (*AlarmRule, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return &AlarmRule{}, nil
	}
	program, err := expr.Compile(rule, expr.Env(alarmEnv(event.Event{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("alarm rule compilation failed: %w", err)
	}
	return &AlarmRule{source: rule, program: program}, nil
}

// String 返回规则原文
func (r *AlarmRule) String() string {
	return r.source
}

// Match 判断事件是否需要报警
func (r *AlarmRule) Match(e event.Event) (bool, error) {
	if r == nil || r.program == nil {
		return false, nil
	}
	result, err := expr.Run(r.program, alarmEnv(e))
	if err != nil {
		return false, fmt.Errorf("alarm rule execution failed: %w", err)
	}
	ring, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("alarm rule result is not a boolean")
	}
	return ring, nil
}
