package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/internal/notification"
	"github.com/nao1215/taskhub/internal/outbox"
	"github.com/nao1215/taskhub/internal/realtime"
	"github.com/nao1215/taskhub/pkg/database"
	"github.com/nao1215/taskhub/pkg/event"
	"github.com/nao1215/taskhub/pkg/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Broadcaster はユーザーの接続中クライアントに通知を配信する。
type Broadcaster interface {
	Broadcast(userID string, msg realtime.Message) error
}

// CycleResult は1サイクルの処理結果。
type CycleResult struct {
	// Fetched は取得した未処理イベント数。
	Fetched int
	// Delivered は処理済みにしたイベント数。
	Delivered int
	// Duplicates は通知レコードが既に存在したため書き込みを省略したイベント数。Deliveredに含まれる。
	Duplicates int
	// Skipped は配信できず未処理のまま残したイベント数。
	Skipped int
	// BroadcastFailures はリアルタイム配信に失敗した通知数。
	BroadcastFailures int
}

// Worker はアウトボックスをポーリングして通知を配信するリレーワーカー。
type Worker struct {
	outbox      *outbox.Store
	history     *notification.Store
	broadcaster Broadcaster
	registry    *event.Registry
	cfg         config.Relay
	logger      *zap.Logger
	metrics     workerMetrics
	tracer      trace.Tracer
	now         func() time.Time

	// afterHistoryFlush は通知履歴のコミット直後に呼ばれる。
	// エラーを返すとそのサイクルは処理済みマークを行わずに終了する。
	afterHistoryFlush func() error
}

// Option はWorkerの生成オプション。
type Option func(*options)

type options struct {
	registry       *event.Registry
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithRegistry はペイロードの復元に使うRegistryを設定する。デフォルトはevent.DefaultRegistry。
func WithRegistry(r *event.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithMeterProvider はメトリクスの登録先を設定する。デフォルトはグローバルのMeterProvider。
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = p
	}
}

// WithTracerProvider はサイクルのスパンの出力先を設定する。デフォルトはグローバルのTracerProvider。
func WithTracerProvider(p trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = p
	}
}

// NewWorker は新しいWorkerを生成する。
func NewWorker(
	outboxStore *outbox.Store,
	history *notification.Store,
	broadcaster Broadcaster,
	cfg config.Relay,
	logger *zap.Logger,
	opts ...Option,
) (*Worker, error) {
	o := options{registry: event.DefaultRegistry()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("バッチサイズは正の値である必要があります: %d", cfg.BatchSize)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("ポーリング間隔は正の値である必要があります: %s", cfg.Interval)
	}

	m, err := newWorkerMetrics(o.meterProvider)
	if err != nil {
		return nil, err
	}

	return &Worker{
		outbox:      outboxStore,
		history:     history,
		broadcaster: broadcaster,
		registry:    o.registry,
		cfg:         cfg,
		logger:      logging.OrNop(logger).Named("relay"),
		metrics:     m,
		tracer:      o.tracerProvider.Tracer(meterName),
		now:         time.Now,
	}, nil
}

// Run はctxがキャンセルされるまでポーリングを繰り返す。
// キャンセル時に実行中のサイクルはDrainTimeoutを上限に最後まで処理してから戻る。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("リレーワーカーを開始します",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("リレーワーカーを停止しました")
			return nil
		case <-ticker.C:
			w.drainCycle(ctx)
		}
	}
}

// drainCycle はctxのキャンセルで中断されないように1サイクルを実行する。
// キャンセル後もDrainTimeoutまでは処理を続ける。
func (w *Worker) drainCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(w.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.logger.Warn("ドレインのタイムアウトによりサイクルを中断します")
			cancel()
		case <-cycleCtx.Done():
		}
	})
	defer stop()

	res, err := w.RunOnce(cycleCtx)
	if err != nil {
		w.logger.Error("サイクルが中断されました", zap.Error(err))
		return
	}
	if res.Fetched > 0 {
		w.logger.Info("サイクルが完了しました",
			zap.Int("fetched", res.Fetched),
			zap.Int("delivered", res.Delivered),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("skipped", res.Skipped),
			zap.Int("broadcast_failures", res.BroadcastFailures),
		)
	}
}

// delivery は通知履歴に書き込んだイベント1件分の情報。
type delivery struct {
	eventID  string
	record   *notification.Record
	inserted bool
}

// RunOnce は1サイクルを実行する。
//
// 未処理イベントを古い順にBatchSize件取得し、通知レコードを1つのトランザクションで
// 書き込んでから配信し、配信できたイベントを1つのトランザクションで処理済みにする。
// ストレージ障害の場合はErrStorageを返し、そのサイクルでは何も処理済みにしない。
func (w *Worker) RunOnce(ctx context.Context) (res CycleResult, err error) {
	ctx, span := w.tracer.Start(ctx, "relay.cycle")
	start := w.now()
	defer func() {
		w.metrics.cycleLatency.Record(ctx, w.now().Sub(start).Seconds())
		span.SetAttributes(
			attribute.Int("relay.fetched", res.Fetched),
			attribute.Int("relay.delivered", res.Delivered),
			attribute.Int("relay.skipped", res.Skipped),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "サイクルが中断されました")
		}
		span.End()
	}()

	events, err := w.outbox.QueryPending(ctx, w.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	res.Fetched = len(events)
	if len(events) == 0 {
		w.recordQueueDepth(ctx)
		return res, nil
	}

	deliveries, err := w.writeHistory(ctx, events, &res)
	if err != nil {
		return res, err
	}
	span.AddEvent("history.flushed", trace.WithAttributes(attribute.Int("relay.records", len(deliveries))))

	if w.afterHistoryFlush != nil {
		if err := w.afterHistoryFlush(); err != nil {
			return res, err
		}
	}

	for _, d := range deliveries {
		if !d.inserted {
			continue
		}
		if err := w.broadcaster.Broadcast(d.record.UserID, d.record.Push()); err != nil {
			res.BroadcastFailures++
			w.metrics.broadcastFailures.Add(ctx, 1)
			w.logger.Warn("リアルタイム配信に失敗しました",
				zap.String("event_id", d.eventID),
				zap.String("user_id", d.record.UserID),
				zap.Error(fmt.Errorf("%w: %w", ErrBroadcast, err)),
			)
		}
	}

	ids := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.eventID)
	}
	if _, err := w.outbox.MarkProcessedBatch(ctx, ids, w.now()); err != nil {
		return res, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	res.Delivered = len(ids)
	w.metrics.delivered.Add(ctx, int64(res.Delivered))
	w.metrics.duplicates.Add(ctx, int64(res.Duplicates))
	w.recordQueueDepth(ctx)
	return res, nil
}

// writeHistory はイベントから通知レコードを作成して1つのトランザクションで書き込む。
// 個々のイベントの失敗はスキップし、ストレージ障害の場合はトランザクション全体を破棄する。
func (w *Worker) writeHistory(ctx context.Context, events []*outbox.Event, res *CycleResult) ([]delivery, error) {
	batch, err := w.history.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer batch.Rollback() //nolint:errcheck

	deliveries := make([]delivery, 0, len(events))
	for _, ev := range events {
		rec, err := w.resolve(ev)
		if err != nil {
			w.skip(ctx, res, ev, err)
			continue
		}

		inserted, err := batch.Add(ctx, rec)
		if err != nil {
			if database.IsConstraint(err) {
				w.skip(ctx, res, ev, err)
				continue
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		if !inserted {
			res.Duplicates++
			w.logger.Info("通知レコードが既に存在するため書き込みを省略しました",
				zap.String("event_id", ev.ID),
			)
		}
		deliveries = append(deliveries, delivery{eventID: ev.ID, record: rec, inserted: inserted})
	}

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return deliveries, nil
}

// resolve はイベントを復元して宛先を解決し、通知レコードを生成する。
func (w *Worker) resolve(ev *outbox.Event) (*notification.Record, error) {
	payload, err := w.registry.Decode(ev.EventType, ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	env := payload.Notification()
	if env.RecipientID == "" {
		return nil, fmt.Errorf("%w: event_type=%s", ErrUnresolvedRecipient, ev.EventType)
	}
	return notification.NewRecord(ev.ID, env, w.now()), nil
}

func (w *Worker) skip(ctx context.Context, res *CycleResult, ev *outbox.Event, err error) {
	res.Skipped++
	w.metrics.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(ev.EventType))))
	w.logger.Warn("イベントを配信できないため未処理のまま残します",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.Error(err),
	)
}

func (w *Worker) recordQueueDepth(ctx context.Context) {
	n, err := w.outbox.CountPending(ctx)
	if err != nil {
		w.logger.Warn("未処理イベント数の取得に失敗しました", zap.Error(err))
		return
	}
	w.metrics.queueDepth.Record(ctx, n)
}
