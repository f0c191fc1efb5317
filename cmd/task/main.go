// タスクサービスのエントリポイント。
// タスクとコメントの書き込みAPIを提供し、書き込みと同じトランザクションで
// 通知イベントをアウトボックスに記録する。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/internal/task"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("タスクサービスの起動に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadTask()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.OutboxDBPath)
	if err != nil {
		return fmt.Errorf("データベースのオープンに失敗: %w", err)
	}
	defer db.Close()

	if err := outbox.Migrate(ctx, db, logger); err != nil {
		return err
	}
	if err := task.Migrate(ctx, db, logger); err != nil {
		return err
	}

	if cfg.DevTokenEnabled {
		logger.Warn("開発用トークン発行エンドポイントが有効です")
	}
	logger.Info("タスクサービスを起動します", zap.String("port", cfg.Port))

	return task.NewServer(cfg, db, logger).Run(ctx)
}
