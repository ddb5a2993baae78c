package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/order"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// runTask synthesizes one sentence into a private buffer and forwards it to the
// sink once the sentence reaches the head of the order gate.
func (p *Pipeline) runTask(ctx context.Context, h *taskHandle) {
	defer p.release(h)
	ctx, span := p.span(ctx, h)
	defer span.End()

	logger := p.logger.With(slog.String("run_id", h.runID), slog.Uint64("seq", h.seq))

	chunks := make(chan tts.SynthChunk, p.cfg.ChunkBuffer)
	failed := make(chan struct{})
	var synthErr error
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer close(chunks)
		if err := p.produce(ctx, h, chunks); err != nil {
			synthErr = err
			close(failed)
		}
	}()
	defer func() {
		h.cancel()
		<-produced
	}()

	if p.awaitTurn(ctx, h.seq) != order.Active {
		p.invalidated(ctx, h, logger)
		return
	}
	p.emit(Event{Kind: EventSentencePlaying, RunID: h.runID, Seq: h.seq, Text: h.text, Time: time.Now()})

	forwarded := 0
	sinkFailed := false
	for {
		var (
			chunk tts.SynthChunk
			ok    bool
		)
		select {
		case chunk, ok = <-chunks:
		case <-failed:
		case <-ctx.Done():
			p.invalidated(ctx, h, logger)
			return
		}
		if isClosed(failed) {
			<-produced
			p.retireFailed(ctx, h, synthErr, forwarded, logger)
			span.RecordError(synthErr)
			span.SetStatus(codes.Error, "synthesis failed")
			return
		}
		if !ok {
			break
		}
		if len(chunk.Data) == 0 {
			continue
		}

		p.fwd.Lock()
		if p.gate.Status(h.seq) != order.Active {
			p.fwd.Unlock()
			p.invalidated(ctx, h, logger)
			return
		}
		err := p.sink.Push(h.seq, chunk.Data)
		p.fwd.Unlock()

		if err != nil {
			if !sinkFailed {
				sinkFailed = true
				logger.Error("sink rejected audio", slogError(err))
				p.emit(Event{Kind: EventSinkFailed, RunID: h.runID, Seq: h.seq, Text: h.text, Err: err, Time: time.Now()})
			}
			continue
		}
		if forwarded == 0 {
			latency := time.Since(h.dispatched)
			if p.metrics != nil {
				p.metrics.firstAudio.Record(ctx, float64(latency.Milliseconds()))
			}
			logger.Debug("first audio forwarded", slog.Duration("latency", latency))
		}
		forwarded++
		p.count(ctx, func(m *metrics) metric.Int64Counter { return m.forwarded }, 1)
	}

	p.fwd.Lock()
	retired := p.gate.PopIfHead(h.seq)
	if retired {
		p.sink.EndOfSequence(h.seq)
	}
	p.fwd.Unlock()
	if !retired {
		p.invalidated(ctx, h, logger)
		return
	}
	span.SetAttributes(attribute.Int("voice.chunks", forwarded))
	p.count(ctx, func(m *metrics) metric.Int64Counter { return m.completed }, 1)
	logger.Info("sentence played", slog.Int("chunks", forwarded), slog.String("text", preview(h.text)))
	p.emit(Event{Kind: EventSentenceDone, RunID: h.runID, Seq: h.seq, Text: h.text, Time: time.Now()})
}

// produce drains the synthesizer into chunks. Cancellation of ctx is reported
// as ctx.Err(); SynthTimeout is reported as a synthesis failure.
func (p *Pipeline) produce(ctx context.Context, h *taskHandle, chunks chan<- tts.SynthChunk) error {
	synthCtx, cancel := context.WithCancel(ctx)
	if p.cfg.SynthTimeout > 0 {
		synthCtx, cancel = context.WithTimeout(ctx, p.cfg.SynthTimeout)
	}
	defer cancel()

	out, errs := p.synth.Synthesize(synthCtx, tts.SynthRequest{
		RunID:    h.runID,
		Sequence: h.seq,
		Text:     h.text,
		Voice:    p.cfg.Voice,
	})
	for out != nil || errs != nil {
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
	return nil
}

// awaitTurn blocks until seq is at the head of the gate or has been dropped.
// The gate's change notification wakes it early; PollInterval bounds the wait
// otherwise.
func (p *Pipeline) awaitTurn(ctx context.Context, seq uint64) order.Status {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		changed := p.gate.Changed()
		switch status := p.gate.Status(seq); status {
		case order.Active, order.Invalidated:
			return status
		}
		select {
		case <-changed:
		case <-ticker.C:
		case <-ctx.Done():
			return order.Invalidated
		}
	}
}

func (p *Pipeline) retireFailed(ctx context.Context, h *taskHandle, err error, forwarded int, logger *slog.Logger) {
	if ctx.Err() != nil {
		p.invalidated(ctx, h, logger)
		return
	}
	p.fwd.Lock()
	if p.gate.PopIfHead(h.seq) && forwarded > 0 {
		p.sink.EndOfSequence(h.seq)
	}
	p.fwd.Unlock()

	serr := &SynthesisError{Seq: h.seq, Text: h.text, Err: err}
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("synthesis timed out", slog.Duration("timeout", p.cfg.SynthTimeout))
	}
	logger.Error("sentence synthesis failed", slogError(serr), slog.Int("chunks_forwarded", forwarded))
	p.count(context.Background(), func(m *metrics) metric.Int64Counter { return m.failed }, 1)
	p.emit(Event{Kind: EventSentenceFailed, RunID: h.runID, Seq: h.seq, Text: h.text, Err: serr, Time: time.Now()})
}

// invalidated retires a task that will not play. Its number leaves the gate so
// a cancelled head cannot hold back later sentences.
func (p *Pipeline) invalidated(_ context.Context, h *taskHandle, logger *slog.Logger) {
	p.fwd.Lock()
	removed := p.gate.Remove(h.seq)
	p.fwd.Unlock()
	logger.Debug("sentence invalidated", slog.String("text", preview(h.text)), slog.Bool("dequeued", removed))
	p.count(context.Background(), func(m *metrics) metric.Int64Counter { return m.invalidated }, 1)
	p.emit(Event{Kind: EventSentenceInvalidated, RunID: h.runID, Seq: h.seq, Text: h.text, Time: time.Now()})
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
