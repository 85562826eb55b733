package ratelimit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/nao1215/edgegate/pkg/migration"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// upsertCounter はカウンタの増加と期限切れ時のリセットを1文で行う。
// SET句の右辺は更新前の行の値を参照する。
const upsertCounter = `
INSERT INTO rate_counters (key, count, expires_at) VALUES (?1, 1, ?2 + ?3)
ON CONFLICT(key) DO UPDATE SET
	count = CASE WHEN rate_counters.expires_at <= ?2 THEN 1 ELSE rate_counters.count + 1 END,
	expires_at = CASE WHEN rate_counters.expires_at <= ?2 THEN ?2 + ?3 ELSE rate_counters.expires_at END
RETURNING count, expires_at`

// SQLiteStore はSQLiteをカウンタストアとして使うStore実装。
// 単一ノード構成向けで、複数インスタンス間でカウンタを共有する場合はRedisStoreを使う。
type SQLiteStore struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// OpenSQLiteStore はSQLiteファイルを開いてスキーマを適用する。
// pathに ":memory:" を指定するとインメモリDBとなる。
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("SQLiteの接続に失敗: %w", err)
	}
	// 書き込みを直列化する。:memory: は接続ごとに別DBとなるため必須。
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore は既存の接続にスキーマを適用してSQLiteStoreを生成する。
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("カウンタテーブルの作成に失敗: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Increment はUPSERT文でカウンタを増やす。
func (s *SQLiteStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now().UnixMilli()

	var count, expiresAt int64
	err := s.db.QueryRowContext(ctx, upsertCounter, key, now, window.Milliseconds()).Scan(&count, &expiresAt)
	if err != nil {
		return 0, 0, fmt.Errorf("SQLiteカウンタの更新に失敗: %w", err)
	}
	return count, time.Duration(expiresAt-now) * time.Millisecond, nil
}

// Ping はSQLiteへの疎通を確認する。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("SQLiteへの疎通確認に失敗: %w", err)
	}
	return nil
}

// Purge は期限切れのカウンタを削除し、削除件数を返す。
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rate_counters WHERE expires_at <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("期限切れカウンタの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
