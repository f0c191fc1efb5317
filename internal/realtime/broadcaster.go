package realtime

import (
	"errors"
	"fmt"

	"github.com/nao1215/taskhub/pkg/logging"
	"go.uber.org/zap"
)

// ErrSlowConsumer は送信バッファが満杯の接続があり、メッセージを届けられなかったことを表す。
var ErrSlowConsumer = errors.New("接続の送信バッファが満杯です")

// Broadcaster はユーザーの全接続に通知を配信する。
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
}

// NewBroadcaster は指定されたRegistryを使うBroadcasterを生成する。
func NewBroadcaster(registry *Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logging.OrNop(logger).Named("realtime"),
	}
}

// Broadcast はユーザーの全接続にmsgを送る。
// 接続がない場合は何もせずnilを返す。1つでも届けられなかった接続があればErrSlowConsumerを返す。
func (b *Broadcaster) Broadcast(userID string, msg Message) error {
	sent, dropped := b.registry.send(userID, msg)
	if dropped > 0 {
		return fmt.Errorf("%w: user=%s dropped=%d sent=%d", ErrSlowConsumer, userID, dropped, sent)
	}
	if sent > 0 {
		b.logger.Debug("通知を配信しました",
			zap.String("user_id", userID),
			zap.String("notification_id", msg.ID),
			zap.Int("connections", sent),
		)
	}
	return nil
}
