package gateway

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/nao1215/bankgate/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenDB はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定した場合は接続を1本に制限する（接続ごとに別のDBになるため）。
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, db, migrations, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return db, nil
}
