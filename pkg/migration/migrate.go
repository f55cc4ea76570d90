// Package migration はGatewayのSQLiteデータベース（利用者表と監査ログ）のマイグレーションを管理する。
// fs.FSからSQLファイルを読み込み、schema_migrations テーブルで適用状態とチェックサムを追跡する。
package migration

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrInvalidFile はファイル名からバージョンを読み取れない、またはバージョンが重複していることを表す。
	ErrInvalidFile = errors.New("マイグレーションファイルが不正です")
	// ErrChecksumMismatch は適用済みのファイルが後から書き換えられたことを表す。
	ErrChecksumMismatch = errors.New("適用済みマイグレーションの内容が変更されています")
)

// upSuffix は適用対象のファイルの接尾辞。down.sql は読み込まない。
const upSuffix = ".up.sql"

// Migration は1つのマイグレーションファイル。
type Migration struct {
	// Version はファイル名先頭の番号。1以上。
	Version int
	// Name は番号と接尾辞を除いたファイル名。
	Name string
	// SQL はファイルの内容。
	SQL string
	// Checksum はSQLのSHA-256。
	Checksum string
}

// Collect はdir直下の *.up.sql をバージョン順に読み込む。
// ファイル名形式: 000001_description.up.sql
func Collect(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), upSuffix) {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), upSuffix), "_")
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFile, entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: 不正なバージョン番号 %s", ErrInvalidFile, entry.Name())
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s の読み込みに失敗: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("%w: バージョン %06d が重複しています", ErrInvalidFile, out[i].Version)
		}
	}
	return out, nil
}

// Run はdirのマイグレーションのうち未適用のものをバージョン順に適用し、適用したバージョンを返す。
// 各マイグレーションは1トランザクションで適用する。途中で失敗した場合はそれまでに適用したバージョンとエラーを返す。
// 適用済みのファイルの内容が変わっていれば何も適用せず ErrChecksumMismatch を返す。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string) ([]int, error) {
	migrations, err := Collect(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}
	if err := ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	pending := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		sum, ok := applied[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		// チェックサム導入前に記録された行は空文字になっている
		if sum != "" && sum != m.Checksum {
			return nil, fmt.Errorf("%w: %06d_%s", ErrChecksumMismatch, m.Version, m.Name)
		}
	}

	done := make([]int, 0, len(pending))
	for _, m := range pending {
		if err := apply(ctx, db, m); err != nil {
			return done, fmt.Errorf("マイグレーション %06d の適用に失敗: %w", m.Version, err)
		}
		slog.InfoContext(ctx, "マイグレーションを適用しました",
			slog.Int("version", m.Version),
			slog.String("name", m.Name),
		)
		done = append(done, m.Version)
	}
	return done, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// appliedChecksums は適用済みバージョンとそのチェックサムの対応を返す。
func appliedChecksums(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]string)
	for rows.Next() {
		var (
			v   int
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)`,
		m.Version, m.Name, m.Checksum,
	); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
