package blobcache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite ドライバ（pure Go, CGO 不要）
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore は単一の SQLite ファイルに画像を BLOB として保存するバックエンドです。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore はデータベースファイルを開き、未適用のマイグレーションを実行します。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗しました: %w", err)
		}
	}

	// migrate はインスタンスのクローズ時に接続も閉じるため、専用の接続で実行する
	if err := migrateUp(path); err != nil {
		return nil, err
	}

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベースのオープンに失敗しました: %w", err)
	}
	// SQLite は単一ライターで最も安定するため接続は1本に絞る
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s の設定に失敗しました: %w", p, err)
		}
	}
	return db, nil
}

func migrateUp(path string) error {
	db, err := openSQLite(path)
	if err != nil {
		return err
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("マイグレーションソースの読み込みに失敗しました: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("マイグレーションドライバの作成に失敗しました: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("migrator の作成に失敗しました: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションの適用に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e       Entry
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mime_type, data, created_at FROM cache_entries WHERE cache_key = ?`, key,
	).Scan(&e.MimeType, &e.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("キャッシュの読み込みに失敗しました: %w", err)
	}
	e.StoredAt = time.UnixMilli(created)
	return e, true, nil
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, key string, entry Entry) (bool, error) {
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_entries (cache_key, mime_type, data, created_at) VALUES (?, ?, ?, ?)`,
		key, entry.MimeType, entry.Data, storedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("キャッシュの書き込みに失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗しました: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
