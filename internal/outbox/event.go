package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/taskhub/pkg/event"
)

// Event はアウトボックスに記録されたイベントを表す。
type Event struct {
	// Seq は挿入順序。Append時にデータベースが採番する。
	Seq int64
	// ID はイベントの一意識別子（UUID）。
	ID string
	// EventType はイベントの種類。
	EventType event.Type
	// Payload はJSON形式のペイロード。
	Payload []byte
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time
	// ProcessedAt はイベントが処理済みになった日時。未処理の間はnil。
	ProcessedAt *time.Time
}

// Pending はイベントが未処理かどうかを返す。
func (e *Event) Pending() bool {
	return e.ProcessedAt == nil
}

// NewEvent はペイロードから未処理のイベントを生成する。
func NewEvent(p event.Payload, now time.Time) (*Event, error) {
	data, err := event.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("アウトボックスイベントの生成に失敗: %w", err)
	}

	return &Event{
		ID:        uuid.New().String(),
		EventType: p.EventType(),
		Payload:   data,
		CreatedAt: now.UTC(),
	}, nil
}
