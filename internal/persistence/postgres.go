package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
)

// PostgresOptions PostgreSQL 连接池参数
type PostgresOptions struct {
	MaxConns int `mapstructure:"max_conns"`
	MaxIdle  int `mapstructure:"max_idle"`
}

// OpenPostgres 创建 PostgreSQL 事件日志并应用迁移
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(ctx, db, DialectPostgres, logger); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, DialectPostgres), nil
}
