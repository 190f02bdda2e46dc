package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"industrial-andon/internal/types"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect 区分 SQL 方言
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

const eventColumns = `id, line, phase, cause, requested_at, started_at, finished_at, mttr, recorded_at`

// SQLStore 基于 database/sql 的事件日志，表结构见 migrations/
// 只执行 INSERT 和 SELECT，不对 incident_events 做 UPDATE/DELETE
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore 使用已打开的连接创建事件存储
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB 返回底层连接
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind 将 ? 占位符转换为方言对应的形式
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append 插入一条事件
// 依赖 event_key 唯一约束实现幂等：键已存在时返回已有记录
func (s *SQLStore) Append(ctx context.Context, e types.IncidentEvent) (types.IncidentEvent, error) {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = s.now()
	}
	e.RecordedAt = e.RecordedAt.UTC().Truncate(time.Microsecond)
	e.RequestedAt = truncate(e.RequestedAt)
	e.StartedAt = truncate(e.StartedAt)
	e.FinishedAt = truncate(e.FinishedAt)

	query := s.rebind(`
		INSERT INTO incident_events
		(event_key, line, phase, cause, requested_at, started_at, finished_at, mttr, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_key) DO NOTHING
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		e.Key,
		int(e.Line),
		string(e.Phase),
		nullString(e.Cause),
		nullTime(e.RequestedAt),
		nullTime(e.StartedAt),
		nullTime(e.FinishedAt),
		nullString(e.MTTR),
		e.RecordedAt,
	).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// 上一次尝试已经提交，返回已有记录
		return s.byKey(ctx, e.Key)
	}
	if err != nil {
		return types.IncidentEvent{}, fmt.Errorf("insert incident event: %w", err)
	}
	return e, nil
}

func (s *SQLStore) byKey(ctx context.Context, key string) (types.IncidentEvent, error) {
	query := s.rebind(`SELECT ` + eventColumns + ` FROM incident_events WHERE event_key = ?`)
	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return types.IncidentEvent{}, fmt.Errorf("select incident event by key: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return types.IncidentEvent{}, err
	}
	if len(events) == 0 {
		return types.IncidentEvent{}, fmt.Errorf("incident event %s not found", key)
	}
	events[0].Key = key
	return events[0], nil
}

// LatestPerLine 返回每条产线最近的事件
func (s *SQLStore) LatestPerLine(ctx context.Context) (map[types.LineID]types.IncidentEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM incident_events e
		WHERE e.id = (
			SELECT e2.id FROM incident_events e2
			WHERE e2.line = e.line
			ORDER BY e2.recorded_at DESC, e2.id DESC
			LIMIT 1
		)
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select latest events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[types.LineID]types.IncidentEvent, len(events))
	for _, e := range events {
		out[e.Line] = e
	}
	return out, nil
}

// QueryRange 返回区间内的事件
func (s *SQLStore) QueryRange(ctx context.Context, f RangeFilter) ([]types.IncidentEvent, error) {
	column := "recorded_at"
	if f.Phase == types.PhaseResolved {
		column = "finished_at"
	}
	query := `SELECT ` + eventColumns + ` FROM incident_events
		WHERE phase = ? AND ` + column + ` >= ? AND ` + column + ` <= ?`
	args := []any{string(f.Phase), f.From.UTC(), f.To.UTC()}
	if f.Line != 0 {
		query += ` AND line = ?`
		args = append(args, int(f.Line))
	}
	query += ` ORDER BY ` + column + ` ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select events in range: %w", err)
	}
	return scanEvents(rows)
}

// Recent 返回最近的事件
func (s *SQLStore) Recent(ctx context.Context, limit int) ([]types.IncidentEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := s.rebind(`SELECT ` + eventColumns + ` FROM incident_events ORDER BY id DESC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent events: %w", err)
	}
	return scanEvents(rows)
}

// Close 关闭数据库连接
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]types.IncidentEvent, error) {
	defer rows.Close()

	var events []types.IncidentEvent
	for rows.Next() {
		var (
			e                            types.IncidentEvent
			line                         int
			phase                        string
			cause, mttr                  sql.NullString
			requested, started, finished sql.NullTime
		)
		if err := rows.Scan(&e.ID, &line, &phase, &cause, &requested, &started, &finished, &mttr, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan incident event: %w", err)
		}
		e.Line = types.LineID(line)
		e.Phase = types.Phase(phase)
		e.Cause = cause.String
		e.MTTR = mttr.String
		e.RecordedAt = e.RecordedAt.UTC()
		if requested.Valid {
			e.RequestedAt = types.TimePtr(requested.Time)
		}
		if started.Valid {
			e.StartedAt = types.TimePtr(started.Time)
		}
		if finished.Valid {
			e.FinishedAt = types.TimePtr(finished.Time)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident events: %w", err)
	}
	return events, nil
}

func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
