package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DBTX は *sql.DB と *sql.Tx の共通インターフェース。
// クエリ層はこのインターフェースを受け取り、トランザクションの有無を意識しない。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open はSQLiteデータベースファイルを開く。
// WALモード、ビジータイムアウト、外部キー制約を有効にし、
// トランザクションは BEGIN IMMEDIATE で開始する。
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// DSN はSQLiteファイルパスから接続文字列を組み立てる。
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// IsConstraint はエラーがSQLiteの制約違反（UNIQUE、NOT NULL、CHECK等）かどうかを判定する。
// 制約違反は個々の行に起因する失敗であり、ストレージ自体の障害ではない。
func IsConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// 拡張エラーコードの下位8ビットが基本エラーコード
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
