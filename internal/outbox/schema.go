package outbox

import (
	"context"
	"database/sql"
	"embed"

	"github.com/nao1215/taskhub/pkg/migration"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationSet はアウトボックスのマイグレーションセット名。
const MigrationSet = "outbox"

// Migrate はoutbox_eventsテーブルのマイグレーションを適用する。
// タスクサービスと通知サービスの両方から呼び出されても安全である。
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	return migration.Run(ctx, db, migrations, "migrations", MigrationSet, logger)
}
