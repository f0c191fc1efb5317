package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/taskhub/pkg/database"
)

// HistoryLimit はGetHistoryが返す最大件数。
const HistoryLimit = 20

var (
	// ErrNotificationNotFound は指定された通知が存在しないことを表す。
	ErrNotificationNotFound = errors.New("通知が見つかりません")
	// ErrForbidden は他のユーザーの通知を操作しようとしたことを表す。
	ErrForbidden = errors.New("この通知を操作する権限がありません")
)

// Store はnotificationsテーブルへのアクセスを提供する。
type Store struct {
	db         *sql.DB
	idempotent bool
}

// StoreOption はStoreの生成オプション。
type StoreOption func(*Store)

// WithIdempotentInsert は同じイベントIDのレコードが既にある場合に挿入を省略するかどうかを設定する。
// デフォルトは有効。無効にすると再配信のたびに新しいレコードが作成される。
func WithIdempotentInsert(enabled bool) StoreOption {
	return func(s *Store) {
		s.idempotent = enabled
	}
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, idempotent: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Batch は1サイクル分の通知レコードを1つのトランザクションで書き込む。
type Batch struct {
	tx         *sql.Tx
	idempotent bool
}

// Begin は新しいBatchを開始する。CommitかRollbackのどちらかを必ず呼び出すこと。
func (s *Store) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	return &Batch{tx: tx, idempotent: s.idempotent}, nil
}

// Add はレコードをバッチに追加する。
// 冪等モードで同じイベントのレコードが既に存在する場合はfalseを返す。
// 失敗した場合もバッチは引き続き使用できる。
func (b *Batch) Add(ctx context.Context, rec *Record) (bool, error) {
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT history_item"); err != nil {
		return false, fmt.Errorf("SAVEPOINTの作成に失敗: %w", err)
	}

	inserted, err := insert(ctx, b.tx, rec, b.idempotent)
	if err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT history_item"); rbErr != nil {
			return false, fmt.Errorf("%w (SAVEPOINTへの巻き戻しにも失敗: %v)", err, rbErr)
		}
	}
	if _, relErr := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT history_item"); relErr != nil && err == nil {
		return false, fmt.Errorf("SAVEPOINTの解放に失敗: %w", relErr)
	}
	return inserted, err
}

// Commit はバッチを確定する。
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("通知履歴のコミットに失敗: %w", err)
	}
	return nil
}

// Rollback はバッチを破棄する。コミット済みの場合は何もしない。
func (b *Batch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("通知履歴のロールバックに失敗: %w", err)
	}
	return nil
}

// Insert はレコードを1件挿入する。
func (s *Store) Insert(ctx context.Context, rec *Record) (bool, error) {
	return insert(ctx, s.db, rec, s.idempotent)
}

func insert(ctx context.Context, q database.DBTX, rec *Record, idempotent bool) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if idempotent && rec.SourceEventID != "" {
		res, err = q.ExecContext(ctx,
			`INSERT INTO notifications (id, user_id, title, message, url, source_event_id, is_read, created_at)
			 SELECT ?, ?, ?, ?, ?, ?, 0, ?
			  WHERE NOT EXISTS (SELECT 1 FROM notifications WHERE source_event_id = ?)`,
			rec.ID, rec.UserID, rec.Title, rec.Message, rec.URL, rec.SourceEventID, rec.CreatedAt.UnixNano(),
			rec.SourceEventID)
	} else {
		res, err = q.ExecContext(ctx,
			`INSERT INTO notifications (id, user_id, title, message, url, source_event_id, is_read, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			rec.ID, rec.UserID, rec.Title, rec.Message, rec.URL, rec.SourceEventID, rec.CreatedAt.UnixNano())
	}
	if err != nil {
		return false, fmt.Errorf("通知レコードの挿入に失敗: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入件数の取得に失敗: %w", err)
	}
	return n > 0, nil
}

// GetHistory はユーザーの通知を新しい順に最大HistoryLimit件返す。
func (s *Store) GetHistory(ctx context.Context, userID string) ([]*Record, error) {
	return s.list(ctx,
		`SELECT id, user_id, title, message, url, source_event_id, is_read, created_at
		   FROM notifications
		  WHERE user_id = ?
		  ORDER BY created_at DESC, seq DESC
		  LIMIT ?`, userID, HistoryLimit)
}

// ListUnread はユーザーの未読通知を新しい順に返す。
func (s *Store) ListUnread(ctx context.Context, userID string) ([]*Record, error) {
	return s.list(ctx,
		`SELECT id, user_id, title, message, url, source_event_id, is_read, created_at
		   FROM notifications
		  WHERE user_id = ? AND is_read = 0
		  ORDER BY created_at DESC, seq DESC`, userID)
}

// CountBySource はイベントIDから作成された通知レコードの件数を返す。
func (s *Store) CountBySource(ctx context.Context, sourceEventID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE source_event_id = ?`, sourceEventID).Scan(&n); err != nil {
		return 0, fmt.Errorf("通知レコード件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Get はIDで通知を取得する。
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, message, url, source_event_id, is_read, created_at
		   FROM notifications WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return rec, err
}

// MarkAllAsRead はユーザーの未読通知を1つのトランザクションで全て既読にし、更新件数を返す。
// 既読の通知は変更しないため、2回目の呼び出しは0件を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("既読処理のコミットに失敗: %w", err)
	}
	return n, nil
}

// MarkAsRead はユーザー自身の通知を1件既読にする。
func (s *Store) MarkAsRead(ctx context.Context, userID, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.UserID != userID {
		return ErrForbidden
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の読み取りに失敗: %w", err)
	}
	return records, nil
}

// scanner は *sql.Row と *sql.Rows の共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		isRead    int
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Message, &rec.URL,
		&rec.SourceEventID, &isRead, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("通知レコードの読み取りに失敗: %w", err)
	}
	rec.IsRead = isRead != 0
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}
