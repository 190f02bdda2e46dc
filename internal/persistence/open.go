package persistence

import (
	"context"
	"fmt"
	"log/slog"
)

// 支持的存储引擎
const (
	DriverMemory   = "memory"
	DriverWAL      = "wal"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options 描述如何打开事件日志
type Options struct {
	Driver   string          `mapstructure:"driver"`
	Path     string          `mapstructure:"path"` // wal / sqlite 文件路径
	DSN      string          `mapstructure:"dsn"`  // postgres 连接串
	Postgres PostgresOptions `mapstructure:"postgres"`
	Retry    RetryPolicy     `mapstructure:"retry"`
}

// Open 按配置打开事件日志，并包装重试层
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*RetryingStore, error) {
	var (
		inner EventStore
		err   error
	)
	switch opts.Driver {
	case DriverMemory:
		inner = NewMemoryStore()
	case DriverWAL, "":
		inner, err = NewWAL(opts.Path)
	case DriverSQLite:
		inner, err = OpenSQLite(ctx, opts.Path, logger)
	case DriverPostgres:
		inner, err = OpenPostgres(ctx, opts.DSN, opts.Postgres, logger)
	default:
		return nil, fmt.Errorf("未知的存储引擎: %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("打开事件存储失败 (%s): %w", opts.Driver, err)
	}
	logger.Info("事件存储已就绪", "driver", opts.Driver, "path", opts.Path)
	return NewRetryingStore(inner, opts.Retry, logger), nil
}

// SchemaVersion 返回 SQL 事件日志已应用的迁移版本
// 非 SQL 存储返回 ok=false
func SchemaVersion(ctx context.Context, store EventStore) (version int64, ok bool, err error) {
	if r, wrapped := store.(*RetryingStore); wrapped {
		store = r.EventStore
	}
	s, isSQL := store.(*SQLStore)
	if !isSQL {
		return 0, false, nil
	}
	version, err = MigrationVersion(ctx, s.db, s.dialect)
	return version, true, err
}
