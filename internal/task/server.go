package task

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/pkg/httpserver"
	"github.com/nao1215/taskhub/pkg/logging"
	"github.com/nao1215/taskhub/pkg/middleware"
	"go.uber.org/zap"
)

// devTokenTTL は開発用トークンの有効期限。
const devTokenTTL = 24 * time.Hour

// Server はタスクサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はタスクサービスの設定。
	cfg config.Task
	// repo はタスクとコメントのリポジトリ。
	repo *Repository
	// outbox は未処理イベント数の参照に使用するアウトボックスストア。
	outbox *outbox.Store
	// logger はサーバーのロガー。
	logger *zap.Logger
}

// NewServer は新しいタスクサーバーを生成する。
// dbにはマイグレーション適用済みのアウトボックスデータベースを渡す。
func NewServer(cfg config.Task, db *sql.DB, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.FrontendURL)))

	s := &Server{
		router: router,
		cfg:    cfg,
		repo:   NewRepository(db, logger),
		outbox: outbox.NewStore(db),
		logger: logger.Named("task-server"),
	}
	s.setupRoutes()
	return s
}

// Handler はサーバーのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}, s.logger)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	if s.cfg.DevTokenEnabled {
		// 開発用トークン発行
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.cfg.JWTSecret))
	{
		tasks := api.Group("/tasks")
		{
			// タスク作成
			tasks.POST("", s.handleCreateTask())
			// タスク取得
			tasks.GET("/:id", s.handleGetTask())
			// コメント追加
			tasks.POST("/:id/comments", s.handleAddComment())
		}

		// 未処理イベント数の取得
		api.GET("/outbox/stats", s.handleOutboxStats())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "task"})
	})
}

// devTokenRequest は開発用トークン発行リクエストのJSON構造。
type devTokenRequest struct {
	// UserID はトークンを発行するユーザーID。
	UserID string `json:"user_id" binding:"required"`
}

// handleDevToken は任意のユーザーIDに対して開発用のJWTトークンを発行するハンドラ。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req devTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_idは必須です"})
			return
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, req.UserID, devTokenTTL)
		if err != nil {
			s.logger.Error("開発用トークンの発行に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークンの発行に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"token": token})
	}
}

// createTaskRequest はタスク作成リクエストのJSON構造。
type createTaskRequest struct {
	// Title はタスクのタイトル。
	Title string `json:"title" binding:"required"`
	// Description はタスクの説明。
	Description string `json:"description"`
	// AssigneeID は担当者のユーザーID。
	AssigneeID string `json:"assignee_id"`
}

// handleCreateTask は認証済みユーザーを作成者としてタスクを作成するハンドラ。
func (s *Server) handleCreateTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "titleは必須です"})
			return
		}

		t, err := s.repo.CreateTask(c.Request.Context(), NewTask{
			Title:       req.Title,
			Description: req.Description,
			AuthorID:    userID,
			AssigneeID:  req.AssigneeID,
		})
		if err != nil {
			s.writeError(c, err, "タスクの作成に失敗しました")
			return
		}

		c.JSON(http.StatusCreated, t)
	}
}

// handleGetTask は指定されたタスクを返すハンドラ。
func (s *Server) handleGetTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := s.repo.GetTask(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err, "タスクの取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// addCommentRequest はコメント追加リクエストのJSON構造。
type addCommentRequest struct {
	// Body はコメント本文。
	Body string `json:"body" binding:"required"`
}

// handleAddComment は認証済みユーザーを投稿者としてコメントを追加するハンドラ。
func (s *Server) handleAddComment() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		var req addCommentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bodyは必須です"})
			return
		}

		comment, err := s.repo.AddComment(c.Request.Context(), c.Param("id"), userID, req.Body)
		if err != nil {
			s.writeError(c, err, "コメントの追加に失敗しました")
			return
		}

		c.JSON(http.StatusCreated, comment)
	}
}

// handleOutboxStats はアウトボックスの未処理イベント数を返すハンドラ。
func (s *Server) handleOutboxStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := s.outbox.CountPending(c.Request.Context())
		if err != nil {
			s.logger.Error("未処理イベント数の取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未処理イベント数の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": n})
	}
}

// writeError はリポジトリのエラーをHTTPステータスに対応付けて返す。
func (s *Server) writeError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "タスクが見つかりません"})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
