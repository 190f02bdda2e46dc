package persistence

import (
	"context"
	"errors"
	"fmt"
	"industrial-andon/internal/types"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// exerciseStore 对任意 EventStore 实现执行相同的契约检查
func exerciseStore(t *testing.T, store EventStore) {
	t.Helper()
	ctx := context.Background()

	req := t0
	start := t0.Add(30 * time.Second)
	finish := t0.Add(300 * time.Second)

	opened, err := store.Append(ctx, types.IncidentEvent{
		Line: 5, Phase: types.PhaseOpened, Cause: "motor jam",
		RequestedAt: &req, RecordedAt: req,
	})
	require.NoError(t, err)
	require.NotZero(t, opened.ID)

	_, err = store.Append(ctx, types.IncidentEvent{
		Line: 5, Phase: types.PhaseAcknowledged,
		RequestedAt: &req, StartedAt: &start, RecordedAt: start,
	})
	require.NoError(t, err)

	resolved, err := store.Append(ctx, types.IncidentEvent{
		Line: 5, Phase: types.PhaseResolved,
		RequestedAt: &req, StartedAt: &start, FinishedAt: &finish, MTTR: "5m00s",
		RecordedAt: finish,
	})
	require.NoError(t, err)
	require.Greater(t, resolved.ID, opened.ID, "序号单调递增")

	_, err = store.Append(ctx, types.IncidentEvent{
		Line: 9, Phase: types.PhaseOpened, RequestedAt: &start, RecordedAt: start,
	})
	require.NoError(t, err)

	latest, err := store.LatestPerLine(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, types.PhaseResolved, latest[5].Phase)
	assert.Equal(t, "5m00s", latest[5].MTTR)
	require.NotNil(t, latest[5].FinishedAt)
	assert.True(t, finish.Equal(*latest[5].FinishedAt))
	assert.Equal(t, types.PhaseOpened, latest[9].Phase)
	assert.Nil(t, latest[9].StartedAt)

	got, err := store.QueryRange(ctx, RangeFilter{
		Phase: types.PhaseResolved,
		From:  t0,
		To:    t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.LineID(5), got[0].Line)

	got, err = store.QueryRange(ctx, RangeFilter{
		Phase: types.PhaseResolved,
		From:  t0.Add(time.Hour),
		To:    t0.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, got)

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, types.LineID(9), recent[0].Line)
	assert.Equal(t, types.PhaseResolved, recent[1].Phase)
}

func TestMemoryStore_Contract(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestWAL_Contract(t *testing.T) {
	t.Parallel()
	w, err := NewWAL(filepath.Join(t.TempDir(), "events.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	exerciseStore(t, w)
}

func TestSQLite_Contract(t *testing.T) {
	t.Parallel()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestWAL_RecoverAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.wal")

	w, err := NewWAL(path)
	require.NoError(t, err)
	req := t0
	_, err = w.Append(ctx, types.IncidentEvent{Line: 3, Phase: types.PhaseOpened, RequestedAt: &req, Key: "k-1"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	latest, err := w.LatestPerLine(ctx)
	require.NoError(t, err)
	require.Contains(t, latest, types.LineID(3))
	assert.Equal(t, types.PhaseOpened, latest[3].Phase)

	// 重放后的幂等键仍然生效，序号继续递增
	dup, err := w.Append(ctx, types.IncidentEvent{Line: 3, Phase: types.PhaseOpened, Key: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, latest[3].ID, dup.ID)

	next, err := w.Append(ctx, types.IncidentEvent{Line: 3, Phase: types.PhaseAcknowledged})
	require.NoError(t, err)
	assert.Equal(t, dup.ID+1, next.ID)
}

func TestSQLite_AppendIsIdempotentByKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "events.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := types.IncidentEvent{Key: "same-key", Line: 1, Phase: types.PhaseOpened, RequestedAt: &t0}
	first, err := s.Append(ctx, e)
	require.NoError(t, err)
	second, err := s.Append(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	version, err := MigrationVersion(ctx, s.DB(), DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestLatestPerLine_TieBreakBySequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Append(ctx, types.IncidentEvent{Line: 2, Phase: types.PhaseOpened, RecordedAt: t0})
	require.NoError(t, err)
	_, err = m.Append(ctx, types.IncidentEvent{Line: 2, Phase: types.PhaseAcknowledged, RecordedAt: t0})
	require.NoError(t, err)

	latest, err := m.LatestPerLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseAcknowledged, latest[2].Phase)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrTransient)))
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsTransient(fmt.Errorf("insert: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.True(t, IsTransient(&pq.Error{Code: "40001"}))
	assert.True(t, IsTransient(&pq.Error{Code: "40P01"}))
	assert.True(t, IsTransient(&pq.Error{Code: "55P03"}))
	assert.True(t, IsTransient(&pq.Error{Code: "08006"}))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("disk on fire")))
	assert.False(t, IsTransient(nil))
}

func TestSchemaVersion(t *testing.T) {
	ctx := context.Background()
	logger := discardLogger()

	store, err := Open(ctx, Options{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "andon.db")}, logger)
	require.NoError(t, err)
	defer store.Close()
	v, ok, err := SchemaVersion(ctx, store)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)

	_, ok, err = SchemaVersion(ctx, NewMemoryStore())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWAL_ReadsDoNotWaitForSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	w, err := NewWAL(filepath.Join(t.TempDir(), "events.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	req := t0
	first, err := w.Append(ctx, types.IncidentEvent{Line: 1, Phase: types.PhaseOpened, RequestedAt: &req})
	require.NoError(t, err)

	syncing := make(chan struct{})
	release := make(chan struct{})
	w.fsync = func() error {
		close(syncing)
		<-release
		return w.file.Sync()
	}

	appended := make(chan error, 1)
	go func() {
		_, err := w.Append(ctx, types.IncidentEvent{Line: 2, Phase: types.PhaseOpened, RequestedAt: &req})
		appended <- err
	}()
	<-syncing

	// 刷盘进行中，读取返回刷盘前的快照
	latest, err := w.LatestPerLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest[1].ID)
	assert.NotContains(t, latest, types.LineID(2))

	close(release)
	require.NoError(t, <-appended)
	latest, err = w.LatestPerLine(ctx)
	require.NoError(t, err)
	assert.Contains(t, latest, types.LineID(2))
}
