package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	dispatched  metric.Int64Counter
	forwarded   metric.Int64Counter
	completed   metric.Int64Counter
	failed      metric.Int64Counter
	invalidated metric.Int64Counter
	skips       metric.Int64Counter
	firstAudio  metric.Float64Histogram
	queueDepth  metric.Int64ObservableGauge
	inflight    metric.Int64ObservableGauge
}

func (p *Pipeline) initMetrics(meter metric.Meter) error {
	m := &metrics{}
	var err error
	if m.dispatched, err = meter.Int64Counter("voice.sentences.dispatched", metric.WithDescription("Sentences handed to synthesis workers")); err != nil {
		return err
	}
	if m.forwarded, err = meter.Int64Counter("voice.chunks.forwarded", metric.WithDescription("Audio chunks pushed to the sink")); err != nil {
		return err
	}
	if m.completed, err = meter.Int64Counter("voice.sentences.completed", metric.WithDescription("Sentences fully played and retired")); err != nil {
		return err
	}
	if m.failed, err = meter.Int64Counter("voice.sentences.failed", metric.WithDescription("Sentences whose synthesis failed")); err != nil {
		return err
	}
	if m.invalidated, err = meter.Int64Counter("voice.sentences.invalidated", metric.WithDescription("Sentences discarded by skip or cancellation")); err != nil {
		return err
	}
	if m.skips, err = meter.Int64Counter("voice.skips", metric.WithDescription("Skip requests")); err != nil {
		return err
	}
	if m.firstAudio, err = meter.Float64Histogram("voice.first_audio.latency_ms", metric.WithDescription("Dispatch to first forwarded chunk"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.queueDepth, err = meter.Int64ObservableGauge("voice.order.queue_depth", metric.WithDescription("Sequence numbers awaiting playback")); err != nil {
		return err
	}
	if m.inflight, err = meter.Int64ObservableGauge("voice.tasks.inflight", metric.WithDescription("Registered sentence tasks")); err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(m.queueDepth, int64(p.gate.Len()))
		obs.ObserveInt64(m.inflight, int64(p.Inflight()))
		return nil
	}, m.queueDepth, m.inflight)
	if err != nil {
		return err
	}
	p.metrics = m
	return nil
}

func (p *Pipeline) count(ctx context.Context, pick func(*metrics) metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if p.metrics == nil {
		return
	}
	pick(p.metrics).Add(ctx, n, metric.WithAttributes(attrs...))
}
