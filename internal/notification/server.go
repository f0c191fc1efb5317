package notification

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/realtime"
	"github.com/nao1215/taskhub/pkg/httpserver"
	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/middleware"
	"go.uber.org/zap"
)

// heartbeatInterval はSSE接続を維持するためのpingイベントの送信間隔。
const heartbeatInterval = 15 * time.Second

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は通知サービスの設定。
	cfg config.Notification
	// store は通知履歴ストア。
	store *Store
	// registry はリアルタイム配信の接続レジストリ。
	registry *realtime.Registry
	// logger はサーバーのロガー。
	logger *zap.Logger
	// heartbeat はSSEのpingイベント送信間隔。
	heartbeat time.Duration
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg config.Notification, store *Store, registry *realtime.Registry, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.FrontendURL)))

	s := &Server{
		router:    router,
		cfg:       cfg,
		store:     store,
		registry:  registry,
		logger:    logger.Named("notification-server"),
		heartbeat: heartbeatInterval,
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
// 停止時には全てのSSE接続を切断する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.registry.Close)
	return httpserver.Serve(ctx, srv, s.logger)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	notifications := s.router.Group("/api/v1/notifications")
	{
		// 通知履歴の取得（新しい順に最大20件）
		notifications.GET("/history/:user_id", s.handleHistory())
		// 未読通知一覧の取得
		notifications.GET("/unread/:user_id", s.handleListUnread())
		// 全通知を既読にする
		notifications.POST("/mark-as-read/:user_id", s.handleMarkAllAsRead())
		// 通知を1件既読にする
		notifications.POST("/mark-as-read/:user_id/:id", s.handleMarkAsRead())
		// リアルタイム配信（Server-Sent Events）
		notifications.GET("/stream", s.handleStream())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// handleHistory はユーザーの通知履歴を返すハンドラ。
func (s *Server) handleHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.store.GetHistory(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			s.logger.Error("通知履歴の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知履歴の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// handleListUnread はユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := s.store.ListUnread(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			s.logger.Error("未読通知一覧の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// handleMarkAllAsRead はユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		n, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.logger.Error("全通知の既読処理に失敗しました", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			return
		}

		s.logger.Debug("全通知を既読にしました", zap.String("user_id", userID), zap.Int64("updated", n))
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.store.MarkAsRead(c.Request.Context(), c.Param("user_id"), c.Param("id"))
		switch {
		case errors.Is(err, ErrNotificationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
		case errors.Is(err, ErrForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
		case err != nil:
			s.logger.Error("通知の既読処理に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
		default:
			c.JSON(http.StatusOK, gin.H{"success": true})
		}
	}
}

// handleStream はユーザーの接続を登録し、配信された通知をSSEで送り続けるハンドラ。
// 最初に接続IDを含むconnectedイベントを送る。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_idが必要です"})
			return
		}

		conn := s.registry.Connect(userID)
		defer s.registry.Disconnect(conn)

		s.logger.Info("SSE接続を開始しました", zap.String("user_id", userID), zap.String("connection_id", conn.ID))
		defer s.logger.Info("SSE接続を終了しました", zap.String("user_id", userID), zap.String("connection_id", conn.ID))

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		connected := false
		c.Stream(func(_ io.Writer) bool {
			if !connected {
				connected = true
				c.SSEvent("connected", gin.H{"connection_id": conn.ID})
				return true
			}

			select {
			case msg, ok := <-conn.Messages():
				if !ok {
					return false
				}
				c.SSEvent("notification", msg)
				return true
			case <-ticker.C:
				c.SSEvent("ping", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
