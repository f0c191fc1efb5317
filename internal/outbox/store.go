package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/event"
)

// ErrEventNotFound は指定されたイベントが存在しないことを表す。
var ErrEventNotFound = errors.New("アウトボックスイベントが見つかりません")

// Store はoutbox_eventsテーブルへのアクセスを提供する。
type Store struct {
	// db はアウトボックスを保持するSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB はStoreが使用するデータベース接続を返す。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append はイベントを呼び出し元のトランザクション内で追記する。
// 業務データとの原子性は呼び出し元のトランザクション境界が保証する。
func (s *Store) Append(ctx context.Context, tx database.DBTX, ev *Event) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), string(ev.Payload), ev.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("アウトボックスイベントの追記に失敗: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("挿入順序の取得に失敗: %w", err)
	}
	ev.Seq = seq
	return nil
}

// QueryPending は未処理イベントを作成日時の昇順（同一日時は挿入順）で最大limit件返す。
func (s *Store) QueryPending(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, event_type, payload, created_at, processed_at
		   FROM outbox_events
		  WHERE processed_at IS NULL
		  ORDER BY created_at ASC, seq ASC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("未処理イベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未処理イベントの読み取りに失敗: %w", err)
	}
	return events, nil
}

// Get はIDでイベントを取得する。
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, event_type, payload, created_at, processed_at
		   FROM outbox_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return ev, err
}

// MarkProcessed はイベントを処理済みにする。
// 既に処理済みのイベントのprocessed_atは変更しない。
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if _, err := markProcessed(ctx, s.db, id, at); err != nil {
		return err
	}
	return nil
}

// MarkProcessedBatch は複数のイベントを1つのトランザクションで処理済みにする。
// 実際に未処理から処理済みに遷移した件数を返す。
func (s *Store) MarkProcessedBatch(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var total int64
	for _, id := range ids {
		n, err := markProcessed(ctx, tx, id, at)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("処理済みマークのコミットに失敗: %w", err)
	}
	return total, nil
}

// CountPending は未処理イベントの件数を返す。
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE processed_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("未処理イベント件数の取得に失敗: %w", err)
	}
	return n, nil
}

func markProcessed(ctx context.Context, q database.DBTX, id string, at time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		at.UTC().UnixNano(), id)
	if err != nil {
		return 0, fmt.Errorf("処理済みマークに失敗 (id=%s): %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// scanner は *sql.Row と *sql.Rows の共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		ev          Event
		eventType   string
		payload     string
		createdAt   int64
		processedAt sql.NullInt64
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &eventType, &payload, &createdAt, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("アウトボックスイベントの読み取りに失敗: %w", err)
	}

	ev.EventType = event.Type(eventType)
	ev.Payload = []byte(payload)
	ev.CreatedAt = time.Unix(0, createdAt).UTC()
	if processedAt.Valid {
		t := time.Unix(0, processedAt.Int64).UTC()
		ev.ProcessedAt = &t
	}
	return &ev, nil
}
