// Package config は環境変数からサービスの設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Task はタスクサービスの設定。
type Task struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// OutboxDBPath はタスクとアウトボックスを保持するSQLiteファイルのパス。
	OutboxDBPath string
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// DevTokenEnabled は開発用トークン発行エンドポイントを有効にするかどうか。
	DevTokenEnabled bool
	// LogLevel はログレベル。
	LogLevel string
}

// Notification は通知サービスの設定。
type Notification struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// OutboxDBPath はリレーが読み取るアウトボックスのSQLiteファイルのパス。
	OutboxDBPath string
	// HistoryDBPath は通知履歴を保持するSQLiteファイルのパス。
	HistoryDBPath string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// LogLevel はログレベル。
	LogLevel string
	// Relay はリレーワーカーの設定。
	Relay Relay
}

// Relay はリレーワーカーの設定。
type Relay struct {
	// Interval はポーリング間隔。
	Interval time.Duration
	// BatchSize は1サイクルで取得する未処理イベントの最大件数。
	BatchSize int
	// DrainTimeout は停止要求後に実行中のサイクルを待つ最大時間。
	DrainTimeout time.Duration
	// IdempotentHistory は同じイベントから通知レコードを重複作成しないかどうか。
	IdempotentHistory bool
}

// LoadTask は環境変数からタスクサービスの設定を読み込む。
func LoadTask() (Task, error) {
	return loadTask(os.Getenv)
}

// LoadNotification は環境変数から通知サービスの設定を読み込む。
func LoadNotification() (Notification, error) {
	return loadNotification(os.Getenv)
}

func loadTask(getenv func(string) string) (Task, error) {
	env := lookup(getenv)

	devToken, err := env.boolean("ENABLE_DEV_TOKEN", true)
	if err != nil {
		return Task{}, err
	}

	return Task{
		Port:            env.str("PORT", "8081"),
		OutboxDBPath:    env.str("OUTBOX_DB_PATH", "/data/outbox.db"),
		JWTSecret:       env.str("JWT_SECRET", "dev-secret-key"),
		FrontendURL:     env.str("FRONTEND_URL", "http://localhost:3000"),
		DevTokenEnabled: devToken,
		LogLevel:        env.str("LOG_LEVEL", "info"),
	}, nil
}

func loadNotification(getenv func(string) string) (Notification, error) {
	env := lookup(getenv)

	interval, err := env.duration("RELAY_INTERVAL", 2*time.Second)
	if err != nil {
		return Notification{}, err
	}
	batchSize, err := env.positiveInt("RELAY_BATCH_SIZE", 10)
	if err != nil {
		return Notification{}, err
	}
	drain, err := env.duration("RELAY_DRAIN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Notification{}, err
	}
	idempotent, err := env.boolean("RELAY_IDEMPOTENT_HISTORY", true)
	if err != nil {
		return Notification{}, err
	}

	return Notification{
		Port:          env.str("PORT", "8086"),
		OutboxDBPath:  env.str("OUTBOX_DB_PATH", "/data/outbox.db"),
		HistoryDBPath: env.str("HISTORY_DB_PATH", "/data/notification.db"),
		FrontendURL:   env.str("FRONTEND_URL", "http://localhost:3000"),
		LogLevel:      env.str("LOG_LEVEL", "info"),
		Relay: Relay{
			Interval:          interval,
			BatchSize:         batchSize,
			DrainTimeout:      drain,
			IdempotentHistory: idempotent,
		},
	}, nil
}

// lookup は環境変数の取得関数に型変換を付け加える。
type lookup func(string) string

func (l lookup) str(key, defaultValue string) string {
	if v := strings.TrimSpace(l(key)); v != "" {
		return v
	}
	return defaultValue
}

func (l lookup) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(l(key))
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s の値が不正です: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s は正の値である必要があります: %s", key, v)
	}
	return d, nil
}

func (l lookup) positiveInt(key string, defaultValue int) (int, error) {
	v := strings.TrimSpace(l(key))
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s の値が不正です: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s は正の値である必要があります: %d", key, n)
	}
	return n, nil
}

func (l lookup) boolean(key string, defaultValue bool) (bool, error) {
	v := strings.TrimSpace(l(key))
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s の値が不正です: %w", key, err)
	}
	return b, nil
}
