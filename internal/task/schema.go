package task

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/taskhub/pkg/migration"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationSet はタスクサービスのマイグレーションセット名。
const MigrationSet = "task"

// Migrate はtasksテーブルとcommentsテーブルのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrations, "migrations", MigrationSet, logger)
}
