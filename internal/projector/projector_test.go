package projector

import (
	"context"
	"errors"
	"industrial-andon/internal/layout"
	"industrial-andon/internal/persistence"
	"industrial-andon/internal/types"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStore()
	started := t0.Add(time.Minute)
	finished := t0.Add(2 * time.Minute)

	for _, e := range []types.IncidentEvent{
		{Line: 1, Phase: types.PhaseOpened, RequestedAt: &t0},
		{Line: 2, Phase: types.PhaseOpened, RequestedAt: &t0},
		{Line: 2, Phase: types.PhaseAcknowledged, RequestedAt: &t0, StartedAt: &started},
		{Line: 3, Phase: types.PhaseResolved, RequestedAt: &t0, StartedAt: &started, FinishedAt: &finished},
		{Line: 99, Phase: types.PhaseOpened, RequestedAt: &t0},
	} {
		_, err := mem.Append(ctx, e)
		require.NoError(t, err)
	}

	l := layout.MustNew([]layout.Area{{Name: "Press", From: 1, To: 4}})
	snap, err := New(mem, l).Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 4, "只投影已配置的产线")

	assert.Equal(t, types.StatusFault, snap[0].Status)
	assert.True(t, t0.Equal(*snap[0].RequestedAt))
	assert.Nil(t, snap[0].StartedAt)

	assert.Equal(t, types.StatusProcessing, snap[1].Status)
	assert.True(t, started.Equal(*snap[1].StartedAt))

	assert.Equal(t, types.StatusNormal, snap[2].Status, "resolved 折叠为 normal")
	assert.Nil(t, snap[2].RequestedAt)

	assert.Equal(t, types.StatusNormal, snap[3].Status, "无事件默认 normal")
	assert.Equal(t, "Press 04", snap[3].DisplayName)
}

func TestLine(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewMemoryStore()
	_, err := mem.Append(ctx, types.IncidentEvent{Line: 42, Phase: types.PhaseOpened, RequestedAt: &t0})
	require.NoError(t, err)

	st, err := New(mem, layout.Default()).Line(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFault, st.Status)
	assert.Equal(t, "Panel", st.Area)
	assert.Equal(t, 2, st.Index)
}

type brokenStore struct{ persistence.EventStore }

func (brokenStore) LatestPerLine(context.Context) (map[types.LineID]types.IncidentEvent, error) {
	return nil, errors.New("connection refused")
}

func TestSnapshot_StoreError(t *testing.T) {
	_, err := New(brokenStore{}, layout.Default()).Snapshot(context.Background())
	assert.Error(t, err)
}
