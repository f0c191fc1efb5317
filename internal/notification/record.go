package notification

import (
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/taskhub/internal/realtime"
	"github.com/nao1215/taskhub/pkg/event"
)

// Record はユーザーに配信された通知の履歴レコード。
// 作成はリレーのみが行い、変更は既読化のみ、削除はしない。
type Record struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// URL は通知に関連する画面のパス。
	URL string `json:"url"`
	// SourceEventID は通知の元になったアウトボックスイベントのID。
	SourceEventID string `json:"-"`
	// IsRead は既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord はイベントのエンベロープから未読の通知レコードを生成する。
func NewRecord(sourceEventID string, env event.Envelope, now time.Time) *Record {
	return &Record{
		ID:            uuid.New().String(),
		UserID:        env.RecipientID,
		Title:         env.Title,
		Message:       env.Message,
		URL:           env.URL,
		SourceEventID: sourceEventID,
		CreatedAt:     now.UTC(),
	}
}

// Push はリアルタイム配信用のメッセージに変換する。
func (r *Record) Push() realtime.Message {
	return realtime.Message{
		ID:      r.ID,
		Title:   r.Title,
		Message: r.Message,
		URL:     r.URL,
	}
}
