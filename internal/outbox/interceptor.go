package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nao1215/taskhub/pkg/event"
	"go.uber.org/zap"
)

// Change は変更セットに含まれる1件の追加エンティティを表す。
type Change struct {
	// Entity は追加されたエンティティ（例: *task.Task, *task.Comment）。
	Entity any
}

// Rule は変更からイベントを導出する捕捉ルール。
type Rule interface {
	// Name はログ出力に使用するルール名を返す。
	Name() string
	// Derive は変更からペイロードを導出する。対象外の変更にはnil, nilを返す。
	Derive(ctx context.Context, change Change) (event.Payload, error)
}

// Interceptor は業務トランザクションの中で捕捉ルールを評価し、
// 導出したイベントをアウトボックスに追記する。
//
// 各ルールの追記はSAVEPOINTで囲まれる。導出の失敗、パニック、追記の失敗は
// そのルールの分だけ巻き戻してログに記録し、業務トランザクション自体は決して中断しない。
type Interceptor struct {
	store  *Store
	rules  []Rule
	logger *zap.Logger
	now    func() time.Time
}

// NewInterceptor は新しいInterceptorを生成する。
func NewInterceptor(store *Store, logger *zap.Logger, rules ...Rule) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		store:  store,
		rules:  rules,
		logger: logger.Named("capture"),
		now:    time.Now,
	}
}

// Intercept は変更セットの全変更に全ルールを適用し、追記したイベントを返す。
// txは業務データを書き込んでいるトランザクションでなければならない。
func (i *Interceptor) Intercept(ctx context.Context, tx *sql.Tx, changes []Change) []*Event {
	var captured []*Event
	seq := 0
	for _, change := range changes {
		for _, rule := range i.rules {
			payload, err := i.derive(ctx, rule, change)
			if err != nil {
				i.logger.Warn("捕捉ルールがイベントを導出できませんでした",
					zap.String("rule", rule.Name()),
					zap.String("entity", fmt.Sprintf("%T", change.Entity)),
					zap.Error(err),
				)
				continue
			}
			if payload == nil {
				continue
			}

			seq++
			ev, err := i.appendIsolated(ctx, tx, fmt.Sprintf("capture_%d", seq), payload)
			if err != nil {
				i.logger.Error("アウトボックスへの追記に失敗したためルールをスキップしました",
					zap.String("rule", rule.Name()),
					zap.String("event_type", string(payload.EventType())),
					zap.Error(err),
				)
				continue
			}

			i.logger.Debug("イベントを捕捉しました",
				zap.String("rule", rule.Name()),
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.EventType)),
			)
			captured = append(captured, ev)
		}
	}
	return captured
}

// derive はルールを評価する。ルール内のパニックはエラーに変換する。
func (i *Interceptor) derive(ctx context.Context, rule Rule, change Change) (payload event.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload = nil
			err = fmt.Errorf("捕捉ルールでパニックが発生: %v", r)
		}
	}()
	return rule.Derive(ctx, change)
}

// appendIsolated はSAVEPOINTの中でイベントを追記する。
// 失敗した場合はSAVEPOINTまで巻き戻し、トランザクションを利用可能な状態に保つ。
func (i *Interceptor) appendIsolated(ctx context.Context, tx *sql.Tx, savepoint string, payload event.Payload) (*Event, error) {
	ev, err := NewEvent(payload, i.now())
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return nil, fmt.Errorf("SAVEPOINTの作成に失敗: %w", err)
	}

	if err := i.store.Append(ctx, tx, ev); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return nil, fmt.Errorf("%w (SAVEPOINTへの巻き戻しにも失敗: %v)", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint)
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return nil, fmt.Errorf("SAVEPOINTの解放に失敗: %w", err)
	}
	return ev, nil
}
