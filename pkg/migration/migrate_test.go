package migration

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/nao1215/taskhub/pkg/database"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/000001_create_items.up.sql": {
			Data: []byte("CREATE TABLE IF NOT EXISTS items (id TEXT PRIMARY KEY);"),
		},
		"migrations/000002_add_name.up.sql": {
			Data: []byte("CREATE TABLE IF NOT EXISTS item_names (item_id TEXT PRIMARY KEY, name TEXT NOT NULL);"),
		},
		"migrations/000002_add_name.down.sql": {
			Data: []byte("DROP TABLE item_names;"),
		},
		"migrations/README.md": {
			Data: []byte("ignored"),
		},
		"migrations/no-version.up.sql": {
			Data: []byte("this is not sql"),
		},
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("未適用のマイグレーションを順に適用すること", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(filepath.Join(t.TempDir(), "migrate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		ctx := context.Background()

		require.NoError(t, Run(ctx, db, testFS(), "migrations", "items", nil))

		applied, err := AppliedVersions(ctx, db, "items")
		require.NoError(t, err)
		require.Equal(t, map[int]bool{1: true, 2: true}, applied)

		_, err = db.ExecContext(ctx, "INSERT INTO item_names (item_id, name) VALUES ('a', 'b')")
		require.NoError(t, err)
	})

	t.Run("2回目の実行では何も適用しないこと", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(filepath.Join(t.TempDir(), "migrate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		ctx := context.Background()

		require.NoError(t, Run(ctx, db, testFS(), "migrations", "items", nil))
		require.NoError(t, Run(ctx, db, testFS(), "migrations", "items", nil))

		var count int
		require.NoError(t, db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE set_name = 'items'").Scan(&count))
		require.Equal(t, 2, count)
	})

	t.Run("セットごとにバージョンを独立して管理すること", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(filepath.Join(t.TempDir(), "migrate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		ctx := context.Background()

		other := fstest.MapFS{
			"sql/000001_create_others.up.sql": {
				Data: []byte("CREATE TABLE IF NOT EXISTS others (id TEXT PRIMARY KEY);"),
			},
		}

		require.NoError(t, Run(ctx, db, testFS(), "migrations", "items", nil))
		require.NoError(t, Run(ctx, db, other, "sql", "others", nil))

		applied, err := AppliedVersions(ctx, db, "others")
		require.NoError(t, err)
		require.Equal(t, map[int]bool{1: true}, applied)

		_, err = db.ExecContext(ctx, "INSERT INTO others (id) VALUES ('x')")
		require.NoError(t, err)
	})

	t.Run("SQLが不正な場合はエラーを返しバージョンを記録しないこと", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(filepath.Join(t.TempDir(), "migrate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		ctx := context.Background()

		broken := fstest.MapFS{
			"m/000001_broken.up.sql": {Data: []byte("CREATE TABLEE broken;")},
		}

		require.Error(t, Run(ctx, db, broken, "m", "broken", nil))

		applied, err := AppliedVersions(ctx, db, "broken")
		require.NoError(t, err)
		require.Empty(t, applied)
	})

	t.Run("セット名が空の場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		db, err := database.Open(filepath.Join(t.TempDir(), "migrate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		require.Error(t, Run(context.Background(), db, testFS(), "migrations", "", nil))
	})
}
