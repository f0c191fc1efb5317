package relay

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName はリレーのメトリクスを登録するMeterの名前。
const meterName = "taskhub.relay"

type workerMetrics struct {
	delivered         metric.Int64Counter
	skipped           metric.Int64Counter
	duplicates        metric.Int64Counter
	broadcastFailures metric.Int64Counter
	cycleLatency      metric.Float64Histogram
	queueDepth        metric.Int64Gauge
}

func newWorkerMetrics(provider metric.MeterProvider) (workerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var (
		m   workerMetrics
		err error
	)

	m.delivered, err = meter.Int64Counter(
		"relay.events.delivered",
		metric.WithDescription("通知履歴に書き込まれ処理済みになったイベント数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.events.delivered counter: %w", err)
	}

	m.skipped, err = meter.Int64Counter(
		"relay.events.skipped",
		metric.WithDescription("配信できず未処理のまま残したイベント数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.events.skipped counter: %w", err)
	}

	m.duplicates, err = meter.Int64Counter(
		"relay.events.duplicates",
		metric.WithDescription("通知レコードが既に存在したため書き込みを省略した再配信イベント数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.events.duplicates counter: %w", err)
	}

	m.broadcastFailures, err = meter.Int64Counter(
		"relay.broadcast.failed",
		metric.WithDescription("リアルタイム配信に失敗した通知数"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.broadcast.failed counter: %w", err)
	}

	m.cycleLatency, err = meter.Float64Histogram(
		"relay.cycle.latency",
		metric.WithDescription("1サイクルの処理時間"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.cycle.latency histogram: %w", err)
	}

	m.queueDepth, err = meter.Int64Gauge(
		"relay.queue.depth",
		metric.WithDescription("サイクル終了時点の未処理イベント数"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create relay.queue.depth gauge: %w", err)
	}

	return m, nil
}
