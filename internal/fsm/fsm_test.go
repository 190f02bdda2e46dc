package fsm

import (
	"industrial-andon/internal/types"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSM_HappyPath(t *testing.T) {
	f := NewFSM(5)
	require.Equal(t, StateNormal, f.Current())

	require.NoError(t, f.Fire(EventOpen))
	require.NoError(t, f.Fire(EventAcknowledge))
	require.NoError(t, f.Fire(EventResolve))
	assert.Equal(t, StateResolved, f.Current())
	assert.True(t, f.Terminal())
}

func TestFSM_RejectsOutOfOrder(t *testing.T) {
	f := NewFSM(5)

	err := f.Fire(EventResolve)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateNormal, f.Current())

	require.NoError(t, f.Fire(EventOpen))
	require.ErrorIs(t, f.Fire(EventResolve), ErrInvalidTransition, "未确认不能直接解决")
	require.ErrorIs(t, f.Fire(EventOpen), ErrInvalidTransition)

	require.NoError(t, f.Fire(EventAcknowledge))
	require.ErrorIs(t, f.Fire(EventAcknowledge), ErrInvalidTransition, "重复确认")
}

func TestFSM_AbortFromActiveStates(t *testing.T) {
	opened := NewFSMAt(1, StateOpened)
	require.NoError(t, opened.Fire(EventAbort))
	assert.Equal(t, StateAborted, opened.Current())
	assert.True(t, opened.Terminal())

	acked := NewFSMAt(1, StateAcknowledged)
	require.NoError(t, acked.Fire(EventAbort))

	// 终态不再接受任何事件
	require.ErrorIs(t, acked.Fire(EventAbort), ErrInvalidTransition)
	assert.False(t, NewFSM(1).Can(EventAbort))
}

func TestFSM_Callback(t *testing.T) {
	f := NewFSM(7)
	var got types.LineID
	f.RegisterCallback(StateOpened, func(line types.LineID) {
		got = line
		// 回调内读取状态不会死锁
		assert.Equal(t, StateOpened, f.Current())
	})
	require.NoError(t, f.Fire(EventOpen))
	assert.Equal(t, types.LineID(7), got)
}

func TestStateForPhase(t *testing.T) {
	assert.Equal(t, StateOpened, StateForPhase(types.PhaseOpened))
	assert.Equal(t, StateAcknowledged, StateForPhase(types.PhaseAcknowledged))
	assert.Equal(t, StateResolved, StateForPhase(types.PhaseResolved))
	assert.Equal(t, StateNormal, StateForPhase(""))
}
