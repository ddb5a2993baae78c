// Package pipeline turns a stream of text into strictly ordered audio while
// synthesizing sentences concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/order"
	"github.com/loqalabs/loqa-voice/internal/player"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-voice/pipeline"

// Config controls concurrency and timing of the pipeline.
type Config struct {
	Workers      int
	PollInterval time.Duration
	ChunkBuffer  int
	SynthTimeout time.Duration
	Voice        string
	Segment      segment.Options
}

// DefaultConfig returns the settings used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 100 * time.Millisecond,
		ChunkBuffer:  32,
		SynthTimeout: 45 * time.Second,
		Segment:      segment.DefaultOptions(),
	}
}

// ConfigFrom maps the runtime configuration onto pipeline settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalMS) * time.Millisecond,
		ChunkBuffer:  cfg.Pipeline.ChunkBuffer,
		SynthTimeout: time.Duration(cfg.Pipeline.SynthTimeoutMS) * time.Millisecond,
		Voice:        cfg.TTS.Voice,
		Segment: segment.Options{
			MinChars:    cfg.Segmenter.MinChars,
			MaxChars:    cfg.Segmenter.MaxChars,
			QuickFirst:  cfg.Segmenter.QuickFirst,
			ShortPolicy: segment.ShortPolicy(cfg.Segmenter.ShortPolicy),
		},
	}
}

// Pipeline owns the order gate, the worker pool and the task registry.
type Pipeline struct {
	cfg      Config
	synth    tts.Synthesizer
	sink     player.Sink
	gate     *order.Gate
	logger   *slog.Logger
	handlers []EventHandler
	tracer   trace.Tracer
	metrics  *metrics

	sema chan struct{}

	// fwd makes the head check and the sink push atomic with respect to Skip.
	fwd sync.Mutex

	mu      sync.Mutex
	tasks   map[uint64]*taskHandle
	idle    chan struct{}
	started bool
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type taskHandle struct {
	seq        uint64
	runID      string
	text       string
	cancel     context.CancelFunc
	dispatched time.Time
}

// New wires a pipeline around a synthesizer and a sink.
func New(cfg Config, synth tts.Synthesizer, sink player.Sink, logger *slog.Logger, handlers ...EventHandler) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	p := &Pipeline{
		cfg:      cfg,
		synth:    synth,
		sink:     sink,
		gate:     order.NewGate(),
		logger:   logger.With(slog.String("component", "pipeline")),
		handlers: handlers,
		tracer:   otel.Tracer(instrumentation),
		sema:     make(chan struct{}, cfg.Workers),
		tasks:    make(map[uint64]*taskHandle),
		idle:     idle,
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := p.initMetrics(otel.Meter(instrumentation)); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

// Start starts the sink. It must be called before Process.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	if p.started {
		return nil
	}
	if err := p.sink.Start(ctx); err != nil {
		return fmt.Errorf("start sink: %w", err)
	}
	p.started = true
	p.logger.Info("pipeline started", slog.Int("workers", p.cfg.Workers))
	return nil
}

// Process segments fragments and dispatches every sentence to the worker pool.
// It returns once the input is exhausted and all sentences are dispatched;
// playback continues in the background (see WaitIdle). Cancelling ctx stops
// reading input but leaves dispatched sentences alone; use Skip for that.
func (p *Pipeline) Process(ctx context.Context, fragments <-chan string) error {
	if err := p.acceptingWork(); err != nil {
		return err
	}
	runID := uuid.NewString()
	begin := time.Now()
	logger := p.logger.With(slog.String("run_id", runID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sentences := segment.Stream(ctx, fragments, p.cfg.Segment, logger)

	count := 0
	for text := range sentences {
		seq, err := p.dispatch(ctx, runID, text)
		if err != nil {
			if errors.Is(err, order.ErrOrderingViolation) {
				logger.Error("ordering invariant broken, aborting run", slogError(err))
				p.Skip()
			}
			return err
		}
		count++
		logger.Info("sentence dispatched",
			slog.Uint64("seq", seq),
			slog.String("text", text),
			slog.Duration("since_start", time.Since(begin)))
	}
	p.emit(Event{Kind: EventStreamDone, RunID: runID, Time: time.Now()})
	logger.Info("stream segmented", slog.Int("sentences", count), slog.Duration("elapsed", time.Since(begin)))
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// ProcessText voices a complete text as a single-fragment stream.
func (p *Pipeline) ProcessText(ctx context.Context, text string) error {
	fragments := make(chan string, 1)
	fragments <- text
	close(fragments)
	return p.Process(ctx, fragments)
}

func (p *Pipeline) acceptingWork() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrShutdown
	}
	if !p.started {
		return ErrNotStarted
	}
	return nil
}

// dispatch takes a worker slot before assigning a sequence number, so every
// queued number already owns a slot and the head can always make progress.
func (p *Pipeline) dispatch(ctx context.Context, runID, text string) (uint64, error) {
	select {
	case p.sema <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.ctx.Done():
		return 0, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		<-p.sema
		return 0, err
	}

	seq, err := p.gate.Assign()
	if err != nil {
		<-p.sema
		return 0, err
	}

	taskCtx, cancel := context.WithCancel(p.ctx)
	h := &taskHandle{seq: seq, runID: runID, text: text, cancel: cancel, dispatched: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		<-p.sema
		return 0, ErrShutdown
	}
	if len(p.tasks) == 0 {
		p.idle = make(chan struct{})
	}
	p.tasks[seq] = h
	p.wg.Add(1)
	p.mu.Unlock()

	p.count(ctx, func(m *metrics) metric.Int64Counter { return m.dispatched }, 1)
	p.emit(Event{Kind: EventSentenceQueued, RunID: runID, Seq: seq, Text: text, Time: h.dispatched})

	go p.runTask(taskCtx, h)
	// A run cancelled while the number was being assigned may have missed the
	// skip that followed; its sentence must not outlive the run.
	if err := ctx.Err(); err != nil {
		cancel()
		return seq, err
	}
	return seq, nil
}

func (p *Pipeline) release(h *taskHandle) {
	h.cancel()
	p.mu.Lock()
	delete(p.tasks, h.seq)
	if len(p.tasks) == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
	<-p.sema
	p.wg.Done()
}

// Skip drops every queued sentence and cancels all in-flight synthesis. It
// does not wait for tasks to unwind. Sentences assigned after the gate was
// cleared are left alone and play normally.
func (p *Pipeline) Skip() int {
	p.fwd.Lock()
	dropped, last := p.gate.Drain()
	cleared := 0
	if c, ok := p.sink.(player.Clearer); ok {
		cleared = c.Clear()
	}
	p.fwd.Unlock()

	p.mu.Lock()
	cancelled := 0
	for seq, h := range p.tasks {
		if seq > last {
			continue
		}
		h.cancel()
		cancelled++
	}
	p.mu.Unlock()

	if dropped == 0 && cancelled == 0 {
		return 0
	}
	p.count(context.Background(), func(m *metrics) metric.Int64Counter { return m.skips }, 1)
	p.logger.Info("skip requested",
		slog.Int("dropped", dropped),
		slog.Int("cancelled_tasks", cancelled),
		slog.Int("cleared_chunks", cleared))
	p.emit(Event{Kind: EventSkip, Dropped: dropped, Time: time.Now()})
	return dropped
}

// WaitIdle blocks until no sentence task is registered or ctx ends.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Inflight returns the number of registered sentence tasks.
func (p *Pipeline) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Pending returns how many sequence numbers wait in the order gate.
func (p *Pipeline) Pending() int {
	return p.gate.Len()
}

// Healthy reports whether the pipeline accepts work.
func (p *Pipeline) Healthy() bool {
	return p.acceptingWork() == nil
}

// Shutdown rejects new work, cancels all tasks, waits for them to exit and
// stops the sink.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	p.fwd.Lock()
	p.gate.Skip()
	p.fwd.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for tasks: %w", ctx.Err()))
	}
	if started {
		if err := p.sink.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop sink: %w", err))
		}
	}
	p.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

func (p *Pipeline) emit(evt Event) {
	for _, h := range p.handlers {
		h(evt)
	}
}

func (p *Pipeline) span(ctx context.Context, h *taskHandle) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "voice.sentence", trace.WithAttributes(
		attribute.Int64("voice.seq", int64(h.seq)),
		attribute.String("voice.run_id", h.runID),
		attribute.Int("voice.text_length", len(h.text)),
	))
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 32 {
		return string(r[:32]) + "…"
	}
	return text
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
