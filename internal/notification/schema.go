package notification

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/taskhub/pkg/migration"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationSet は通知履歴のマイグレーションセット名。
const MigrationSet = "notification"

// Migrate はnotificationsテーブルのマイグレーションを適用する。
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrations, "migrations", MigrationSet, logger)
}
