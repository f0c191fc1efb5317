package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// openTestDB はテスト用の一時ディレクトリにSQLiteファイルを作成する。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDSN は接続文字列の組み立てを検証する。
func TestDSN(t *testing.T) {
	t.Parallel()

	dsn := DSN("/data/outbox.db")
	if !strings.HasPrefix(dsn, "file:/data/outbox.db?") {
		t.Errorf("DSNの接頭辞が不正: %s", dsn)
	}
	for _, want := range []string{"journal_mode%28WAL%29", "busy_timeout%285000%29", "foreign_keys%281%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSNに %q が含まれていない: %s", want, dsn)
		}
	}
}

// TestOpen はWALモードでデータベースが開かれることを検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	var mode string
	if err := db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_modeの取得に失敗: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

// TestIsConstraint は制約違反の判定を検証する。
func TestIsConstraint(t *testing.T) {
	t.Parallel()

	t.Run("UNIQUE制約違反を検出できること", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		ctx := context.Background()

		if _, err := db.ExecContext(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY)"); err != nil {
			t.Fatalf("テーブル作成に失敗: %v", err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO items (id) VALUES ('a')"); err != nil {
			t.Fatalf("1件目の挿入に失敗: %v", err)
		}
		_, err := db.ExecContext(ctx, "INSERT INTO items (id) VALUES ('a')")
		if err == nil {
			t.Fatal("重複挿入でエラーが返されるべき")
		}
		if !IsConstraint(err) {
			t.Errorf("IsConstraint() = false, want true (err=%v)", err)
		}
	})

	t.Run("SQLite以外のエラーは制約違反ではないこと", func(t *testing.T) {
		t.Parallel()

		if IsConstraint(errors.New("boom")) {
			t.Error("IsConstraint() = true, want false")
		}
		if IsConstraint(nil) {
			t.Error("IsConstraint(nil) = true, want false")
		}
	})

	t.Run("構文エラーは制約違反ではないこと", func(t *testing.T) {
		t.Parallel()

		db := openTestDB(t)
		_, err := db.ExecContext(context.Background(), "SELEC 1")
		if err == nil {
			t.Fatal("構文エラーが返されるべき")
		}
		if IsConstraint(err) {
			t.Error("IsConstraint() = true, want false")
		}
	})
}
