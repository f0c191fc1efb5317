// 通知サービスのエントリポイント。
// アウトボックスをポーリングするリレーワーカーと、通知履歴APIおよび
// SSEによるリアルタイム配信を提供するHTTPサーバーを同じプロセスで起動する。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/internal/realtime"
	"github.com/nao1215/taskhub/internal/relay"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("通知サービスの起動に失敗: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadNotification()
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

	outboxDB, err := database.Open(cfg.OutboxDBPath)
	if err != nil {
		return fmt.Errorf("アウトボックスDBのオープンに失敗: %w", err)
	}
	defer outboxDB.Close()

	historyDB, err := database.Open(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("通知履歴DBのオープンに失敗: %w", err)
	}
	defer historyDB.Close()

	if err := outbox.Migrate(ctx, outboxDB, logger); err != nil {
		return err
	}
	if err := notification.Migrate(ctx, historyDB, logger); err != nil {
		return err
	}

	history := notification.NewStore(historyDB, notification.WithIdempotentInsert(cfg.Relay.IdempotentHistory))
	registry := realtime.NewRegistry(realtime.DefaultBufferSize)

	worker, err := relay.NewWorker(
		outbox.NewStore(outboxDB),
		history,
		realtime.NewBroadcaster(registry, logger),
		cfg.Relay,
		logger,
	)
	if err != nil {
		return err
	}

	server := notification.NewServer(cfg, history, registry, logger)

	logger.Info("通知サービスを起動します",
		zap.String("port", cfg.Port),
		zap.Bool("idempotent_history", cfg.Relay.IdempotentHistory),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}
