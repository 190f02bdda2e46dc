package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite 打开 (或创建) SQLite 事件日志并应用迁移
//
// 连接配置:
//   - WAL 日志模式，写入时允许并发读取
//   - busy_timeout 5 秒，超时后返回 SQLITE_BUSY 交由重试层处理
//   - 单连接写入，避免多个写连接互相锁定
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if err := Migrate(ctx, db, DialectSQLite, logger); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db, DialectSQLite), nil
}
