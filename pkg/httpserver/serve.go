package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nao1215/taskhub/pkg/logging"
	"go.uber.org/zap"
)

// ShutdownTimeout は停止要求後に処理中のリクエストを待つ最大時間。
const ShutdownTimeout = 10 * time.Second

// Serve はsrvを起動し、ctxがキャンセルされるとグレースフルに停止する。
// 起動に失敗した場合はそのエラーを返す。
func Serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	logger.Info("HTTPサーバーを停止しました")
	return nil
}
