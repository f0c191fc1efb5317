package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/logging"
	"go.uber.org/zap"
)

var (
	// ErrTaskNotFound は指定されたタスクが存在しないことを表す。
	ErrTaskNotFound = errors.New("タスクが見つかりません")
	// ErrInvalidInput は入力値が不正であることを表す。
	ErrInvalidInput = errors.New("入力値が不正です")
)

// NewTask はタスク作成の入力値。
type NewTask struct {
	// Title はタスクのタイトル。必須。
	Title string
	// Description はタスクの説明。
	Description string
	// AuthorID は作成者のユーザーID。必須。
	AuthorID string
	// AssigneeID は担当者のユーザーID。
	AssigneeID string
}

// Repository はタスクとコメントを永続化する。
// 書き込みはすべて1つのトランザクションで行い、同じトランザクションで
// アウトボックスへのイベント捕捉を実行する。
type Repository struct {
	db          *sql.DB
	interceptor *outbox.Interceptor
	logger      *zap.Logger
	now         func() time.Time
}

// NewRepository は新しいRepositoryを生成する。
// dbはタスクとアウトボックスを保持するデータベースでなければならない。
func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	logger = logging.OrNop(logger)
	r := &Repository{
		db:     db,
		logger: logger.Named("task"),
		now:    time.Now,
	}
	r.interceptor = outbox.NewInterceptor(outbox.NewStore(db), logger,
		AssignedRule{},
		NewCommentAddedRule(r),
	)
	return r
}

// CreateTask はタスクを作成する。担当者が設定されていれば通知イベントも記録する。
func (r *Repository) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || in.AuthorID == "" {
		return nil, fmt.Errorf("%w: タイトルと作成者は必須です", ErrInvalidInput)
	}

	t := &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: in.Description,
		AuthorID:    in.AuthorID,
		AssigneeID:  strings.TrimSpace(in.AssigneeID),
		CreatedAt:   r.now().UTC(),
	}

	err := r.withChangeSet(ctx, func(tx *sql.Tx) ([]outbox.Change, error) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, title, description, author_id, assignee_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Title, t.Description, t.AuthorID, t.AssigneeID, t.CreatedAt.UnixNano()); err != nil {
			return nil, fmt.Errorf("タスクの作成に失敗: %w", err)
		}
		return []outbox.Change{{Entity: t}}, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// AddComment はタスクにコメントを追加する。
func (r *Repository) AddComment(ctx context.Context, taskID, authorID, body string) (*Comment, error) {
	if strings.TrimSpace(body) == "" || authorID == "" {
		return nil, fmt.Errorf("%w: 本文と投稿者は必須です", ErrInvalidInput)
	}

	c := &Comment{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: r.now().UTC(),
	}

	err := r.withChangeSet(ctx, func(tx *sql.Tx) ([]outbox.Change, error) {
		if _, err := getTask(ctx, tx, taskID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO comments (id, task_id, author_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			c.ID, c.TaskID, c.AuthorID, c.Body, c.CreatedAt.UnixNano()); err != nil {
			return nil, fmt.Errorf("コメントの追加に失敗: %w", err)
		}
		return []outbox.Change{{Entity: c}}, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetTask は確定済みのタスクを取得する。
// 書き込み中のトランザクションとは別の接続から読み取る。
func (r *Repository) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, r.db, id)
}

// withChangeSet はトランザクション内でwriteを実行し、返された変更セットを捕捉してからコミットする。
// writeがエラーを返した場合は業務データもイベントも書き込まれない。
func (r *Repository) withChangeSet(ctx context.Context, write func(tx *sql.Tx) ([]outbox.Change, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	changes, err := write(tx)
	if err != nil {
		return err
	}

	captured := r.interceptor.Intercept(ctx, tx, changes)

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗: %w", err)
	}

	r.logger.Debug("変更をコミットしました",
		zap.Int("changes", len(changes)),
		zap.Int("events", len(captured)),
	)
	return nil
}

func getTask(ctx context.Context, q database.DBTX, id string) (*Task, error) {
	var (
		t         Task
		createdAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, title, description, author_id, assignee_id, created_at FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.Description, &t.AuthorID, &t.AssigneeID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗: %w", err)
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return &t, nil
}
