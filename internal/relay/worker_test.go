package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/internal/realtime"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

// sentMessage はrecordingBroadcasterが受け取った配信。
type sentMessage struct {
	userID string
	msg    realtime.Message
}

// recordingBroadcaster は配信内容を記録するテスト用のBroadcaster。
type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (b *recordingBroadcaster) Broadcast(userID string, msg realtime.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, sentMessage{userID: userID, msg: msg})
	return nil
}

func (b *recordingBroadcaster) messages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

// testEnv はリレーのテストに必要なストアをまとめたもの。
type testEnv struct {
	outboxDB    *sql.DB
	historyDB   *sql.DB
	outbox      *outbox.Store
	history     *notification.Store
	broadcaster *recordingBroadcaster
}

func testRelayConfig() config.Relay {
	return config.Relay{
		Interval:          10 * time.Millisecond,
		BatchSize:         10,
		DrainTimeout:      time.Second,
		IdempotentHistory: true,
	}
}

// setupTestEnv はアウトボックスと通知履歴の2つのファイルベースSQLiteを作成する。
func setupTestEnv(t *testing.T, opts ...notification.StoreOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	outboxDB, err := database.Open(filepath.Join(dir, "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { outboxDB.Close() })
	require.NoError(t, outbox.Migrate(ctx, outboxDB, nil))

	historyDB, err := database.Open(filepath.Join(dir, "notification.db"))
	require.NoError(t, err)
	t.Cleanup(func() { historyDB.Close() })
	require.NoError(t, notification.Migrate(ctx, historyDB, nil))

	return &testEnv{
		outboxDB:    outboxDB,
		historyDB:   historyDB,
		outbox:      outbox.NewStore(outboxDB),
		history:     notification.NewStore(historyDB, opts...),
		broadcaster: &recordingBroadcaster{},
	}
}

func (e *testEnv) newWorker(t *testing.T, cfg config.Relay, opts ...Option) *Worker {
	t.Helper()
	opts = append([]Option{WithMeterProvider(noop.NewMeterProvider())}, opts...)
	w, err := NewWorker(e.outbox, e.history, e.broadcaster, cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return w
}

// appendAssigned はrecipient宛のTASK_ASSIGNEDイベントをcreatedAtの日時で追記する。
func (e *testEnv) appendAssigned(t *testing.T, recipient, taskID string, createdAt time.Time) *outbox.Event {
	t.Helper()
	ev, err := outbox.NewEvent(event.TaskAssigned{Envelope: event.Envelope{
		TaskID:      taskID,
		RecipientID: recipient,
		SenderID:    "user-a",
		Title:       "New task",
		Message:     "You have been assigned a new task: " + taskID,
		URL:         "/tasks/" + taskID,
	}}, createdAt)
	require.NoError(t, err)
	require.NoError(t, e.outbox.Append(context.Background(), e.outboxDB, ev))
	return ev
}

// appendRaw は任意の種別とペイロードのイベントを追記する。
func (e *testEnv) appendRaw(t *testing.T, eventType, payload string, createdAt time.Time) *outbox.Event {
	t.Helper()
	ev := &outbox.Event{
		ID:        fmt.Sprintf("raw-%d", createdAt.UnixNano()),
		EventType: event.Type(eventType),
		Payload:   []byte(payload),
		CreatedAt: createdAt,
	}
	require.NoError(t, e.outbox.Append(context.Background(), e.outboxDB, ev))
	return ev
}

func (e *testEnv) pending(t *testing.T) int64 {
	t.Helper()
	n, err := e.outbox.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func (e *testEnv) recordsFor(t *testing.T, sourceEventID string) int {
	t.Helper()
	n, err := e.history.CountBySource(context.Background(), sourceEventID)
	require.NoError(t, err)
	return n
}

func TestNewWorker(t *testing.T) {
	t.Parallel()

	env := setupTestEnv(t)

	t.Run("バッチサイズが0以下の場合はエラー", func(t *testing.T) {
		t.Parallel()
		cfg := testRelayConfig()
		cfg.BatchSize = 0
		_, err := NewWorker(env.outbox, env.history, env.broadcaster, cfg, nil)
		require.Error(t, err)
	})

	t.Run("ポーリング間隔が0以下の場合はエラー", func(t *testing.T) {
		t.Parallel()
		cfg := testRelayConfig()
		cfg.Interval = 0
		_, err := NewWorker(env.outbox, env.history, env.broadcaster, cfg, nil)
		require.Error(t, err)
	})
}

func TestWorker_RunOnce(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("古い順にバッチサイズ件だけ配信すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		ctx := context.Background()

		// 作成日時の逆順に追記し、挿入順ではなく作成日時で並ぶことを確認する
		var events []*outbox.Event
		for i := 11; i >= 0; i-- {
			events = append(events, env.appendAssigned(t, "user-b", fmt.Sprintf("task-%02d", i), base.Add(time.Duration(i)*time.Second)))
		}

		w := env.newWorker(t, testRelayConfig())
		res, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, CycleResult{Fetched: 10, Delivered: 10}, res)
		require.Equal(t, int64(2), env.pending(t))

		sent := env.broadcaster.messages()
		require.Len(t, sent, 10)
		for i, s := range sent {
			require.Equal(t, "user-b", s.userID)
			require.Equal(t, fmt.Sprintf("/tasks/task-%02d", i), s.msg.URL)
		}

		// 最も新しい2件が残っていること
		for _, ev := range events[:2] {
			got, err := env.outbox.Get(ctx, ev.ID)
			require.NoError(t, err)
			require.True(t, got.Pending())
		}

		res, err = w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, res.Delivered)
		require.Equal(t, int64(0), env.pending(t))
	})

	t.Run("未処理イベントがない場合は何もしないこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		res, err := env.newWorker(t, testRelayConfig()).RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, CycleResult{}, res)
	})

	t.Run("不正なペイロードと宛先のないイベントは未処理のまま残し他は配信すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		ctx := context.Background()

		unknown := env.appendRaw(t, "TASK_DELETED", `{"recipient_id":"user-b"}`, base)
		broken := env.appendRaw(t, string(event.TypeTaskAssigned), `{"recipient_id":`, base.Add(time.Second))
		noRecipient := env.appendAssigned(t, "", "task-x", base.Add(2*time.Second))
		good := env.appendAssigned(t, "user-b", "task-ok", base.Add(3*time.Second))

		w := env.newWorker(t, testRelayConfig())
		for range 2 {
			res, err := w.RunOnce(ctx)
			require.NoError(t, err)
			require.Equal(t, 3, res.Skipped)
		}

		require.Equal(t, int64(3), env.pending(t), "配信できないイベントは何度でも再試行されること")
		for _, ev := range []*outbox.Event{unknown, broken, noRecipient} {
			got, err := env.outbox.Get(ctx, ev.ID)
			require.NoError(t, err)
			require.True(t, got.Pending())
		}
		require.Equal(t, 1, env.recordsFor(t, good.ID))
		require.Len(t, env.broadcaster.messages(), 1)
	})

	t.Run("リアルタイム配信の失敗は処理済みマークを妨げないこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		env.broadcaster.err = realtime.ErrSlowConsumer
		ev := env.appendAssigned(t, "user-b", "task-1", base)

		res, err := env.newWorker(t, testRelayConfig()).RunOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.BroadcastFailures)
		require.Equal(t, 1, res.Delivered)
		require.Equal(t, int64(0), env.pending(t))
		require.Equal(t, 1, env.recordsFor(t, ev.ID))
	})

	t.Run("履歴ストアの障害はサイクルを中断し何も処理済みにしないこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		env.appendAssigned(t, "user-b", "task-1", base)
		env.appendAssigned(t, "user-b", "task-2", base.Add(time.Second))

		_, err := env.historyDB.Exec(`DROP TABLE notifications`)
		require.NoError(t, err)

		_, err = env.newWorker(t, testRelayConfig()).RunOnce(context.Background())
		require.ErrorIs(t, err, ErrStorage)
		require.Equal(t, int64(2), env.pending(t))
		require.Empty(t, env.broadcaster.messages())
	})

	t.Run("アウトボックスの障害はErrStorageを返すこと", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		require.NoError(t, env.outboxDB.Close())

		_, err := env.newWorker(t, testRelayConfig()).RunOnce(context.Background())
		require.ErrorIs(t, err, ErrStorage)
	})
}

// errCrash は履歴の確定後に停止したことを模擬するエラー。
var errCrash = errors.New("履歴の確定後にクラッシュ")

func TestWorker_RedeliveryAfterHistoryFlush(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		idempotent     bool
		wantRecords    int
		wantDuplicates int
	}{
		{
			name:           "冪等モードを無効にすると再配信で通知レコードが重複すること",
			idempotent:     false,
			wantRecords:    2,
			wantDuplicates: 0,
		},
		{
			name:           "冪等モードでは再配信による重複が吸収されること",
			idempotent:     true,
			wantRecords:    1,
			wantDuplicates: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestEnv(t, notification.WithIdempotentInsert(tt.idempotent))
			ctx := context.Background()
			ev := env.appendAssigned(t, "user-b", "task-1", time.Now())

			w := env.newWorker(t, testRelayConfig())
			w.afterHistoryFlush = func() error { return errCrash }

			_, err := w.RunOnce(ctx)
			require.ErrorIs(t, err, errCrash)
			require.Equal(t, 1, env.recordsFor(t, ev.ID), "履歴は確定済みであること")
			require.Equal(t, int64(1), env.pending(t), "処理済みマークは行われていないこと")

			w.afterHistoryFlush = nil
			res, err := w.RunOnce(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, res.Delivered)
			require.Equal(t, tt.wantDuplicates, res.Duplicates)
			require.Equal(t, int64(0), env.pending(t))
			require.Equal(t, tt.wantRecords, env.recordsFor(t, ev.ID))
		})
	}
}

func TestWorker_Run(t *testing.T) {
	t.Parallel()

	t.Run("ポーリングで配信しキャンセルで停止すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		env.appendAssigned(t, "user-b", "task-1", time.Now())

		w := env.newWorker(t, testRelayConfig())
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		require.Eventually(t, func() bool { return env.pending(t) == 0 },
			5*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Runが停止しない")
		}
	})

	t.Run("実行中のサイクルはキャンセル後も最後まで処理すること", func(t *testing.T) {
		t.Parallel()

		env := setupTestEnv(t)
		ev := env.appendAssigned(t, "user-b", "task-1", time.Now())

		w := env.newWorker(t, testRelayConfig())
		ctx, cancel := context.WithCancel(context.Background())

		// 履歴の確定直後に停止要求を出す
		w.afterHistoryFlush = func() error {
			cancel()
			return nil
		}

		require.NoError(t, w.Run(ctx))
		require.Equal(t, int64(0), env.pending(t))
		require.Equal(t, 1, env.recordsFor(t, ev.ID))
		require.Len(t, env.broadcaster.messages(), 1)
	})
}
