package fsm

import (
	"errors"
	"fmt"
	"industrial-andon/internal/types"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

const (
	StateNormal       State = "NORMAL"
	StateOpened       State = "OPENED"
	StateAcknowledged State = "ACKNOWLEDGED"
	StateResolved     State = "RESOLVED" // 终态，投影时折叠回 NORMAL
	StateAborted      State = "ABORTED"  // 终态，持久化失败后的安全中止
)

const (
	EventOpen        Event = "OPEN"
	EventAcknowledge Event = "ACKNOWLEDGE"
	EventResolve     Event = "RESOLVE"
	EventAbort       Event = "ABORT"
)

// ErrInvalidTransition 表示当前状态不接受该事件
var ErrInvalidTransition = errors.New("invalid transition")

// transitions 定义状态转移表: CurrentState -> Event -> NextState
// 所有产线共享同一张只读表
var transitions = map[State]map[Event]State{
	StateNormal: {
		EventOpen: StateOpened,
	},
	StateOpened: {
		EventAcknowledge: StateAcknowledged,
		EventAbort:       StateAborted,
	},
	StateAcknowledged: {
		EventResolve: StateResolved,
		EventAbort:   StateAborted,
	},
}

// FSM 单条产线一次事故的有限状态机
type FSM struct {
	mu      sync.Mutex
	current State
	Line    types.LineID // 关联的产线
	// callbacks 定义进入状态后的回调: State -> func()
	callbacks map[State]func(line types.LineID)
}

// NewFSM 创建处于 NORMAL 状态的状态机
func NewFSM(line types.LineID) *FSM {
	return NewFSMAt(line, StateNormal)
}

// NewFSMAt 从指定状态恢复状态机 (用于重启后从事件日志恢复)
func NewFSMAt(line types.LineID, state State) *FSM {
	return &FSM{
		current:   state,
		Line:      line,
		callbacks: make(map[State]func(types.LineID)),
	}
}

// StateForPhase 返回最近一条事件对应的状态机状态
func StateForPhase(p types.Phase) State {
	switch p {
	case types.PhaseOpened:
		return StateOpened
	case types.PhaseAcknowledged:
		return StateAcknowledged
	case types.PhaseResolved:
		return StateResolved
	default:
		return StateNormal
	}
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态能否接受事件
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := transitions[f.current][event]
	return ok
}

// Terminal 判断是否处于终态
func (f *FSM) Terminal() bool {
	s := f.Current()
	return s == StateResolved || s == StateAborted
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(line types.LineID)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	nextState, ok := transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("%w: cannot fire event %s from state %s", ErrInvalidTransition, event, cur)
	}
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	// 回调在锁外执行，回调中可以安全地读取状态
	if cb != nil {
		cb(f.Line)
	}
	return nil
}
