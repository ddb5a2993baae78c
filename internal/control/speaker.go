// Package control exposes the pipeline's begin-stream and skip operations to
// the daemon's front ends: stdin, HTTP and the message bus.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ErrEmptyRequest is returned for a speak request with neither text nor prompt.
var ErrEmptyRequest = errors.New("speak request needs text or prompt")

// Pipeline is the part of *pipeline.Pipeline the front ends drive.
type Pipeline interface {
	Process(ctx context.Context, fragments <-chan string) error
	ProcessText(ctx context.Context, text string) error
	Skip() int
}

// Speaker feeds speak requests into a pipeline one run at a time, so the
// sentences of concurrent requests never interleave.
type Speaker struct {
	pipe   Pipeline
	gen    llm.Generator
	llmCfg config.LLMConfig
	log    *slog.Logger

	runMu   sync.Mutex
	mu      sync.Mutex
	current context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSpeaker(parent context.Context, pipe Pipeline, gen llm.Generator, llmCfg config.LLMConfig, log *slog.Logger) *Speaker {
	ctx, cancel := context.WithCancel(parent)
	return &Speaker{
		pipe:   pipe,
		gen:    gen,
		llmCfg: llmCfg,
		log:    log.With(slog.String("component", "speaker")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Speak dispatches req and returns when all of its sentences are queued.
func (s *Speaker) Speak(ctx context.Context, req protocol.SpeakRequest) error {
	text := strings.TrimSpace(req.Text)
	prompt := strings.TrimSpace(req.Prompt)
	if text == "" && prompt == "" {
		return ErrEmptyRequest
	}
	if req.Interrupt {
		s.mu.Lock()
		if s.current != nil {
			s.current()
		}
		s.mu.Unlock()
		s.pipe.Skip()
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.current = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	logger := s.log.With(slog.String("request_id", req.RequestID))
	if text != "" {
		if err := s.pipe.ProcessText(ctx, text); err != nil {
			return fmt.Errorf("speak text: %w", err)
		}
		logger.Info("text queued", slog.Duration("elapsed", time.Since(start)))
		return nil
	}
	if s.gen == nil {
		return errors.New("no language model configured")
	}

	genCtx, stop := context.WithCancel(ctx)
	defer stop()
	llmReq := llm.RequestFromConfig(s.llmCfg, prompt)
	llmReq.RunID = req.RequestID
	if req.System != "" {
		llmReq.System = req.System
	}
	fragments, errs := llm.Fragments(genCtx, s.gen, llmReq)
	procErr := s.pipe.Process(genCtx, fragments)
	stop()
	genErr := <-errs
	if procErr != nil {
		return fmt.Errorf("speak prompt: %w", procErr)
	}
	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		return fmt.Errorf("generate: %w", genErr)
	}
	logger.Info("prompt queued", slog.Duration("elapsed", time.Since(start)))
	return nil
}

// Submit runs Speak in the background. Failures are logged.
func (s *Speaker) Submit(req protocol.SpeakRequest) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Speak(s.ctx, req); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("speak request failed", slog.String("request_id", req.RequestID), slogError(err))
		}
	}()
}

// Skip interrupts everything queued or playing.
func (s *Speaker) Skip(reason string) int {
	dropped := s.pipe.Skip()
	s.log.Info("skip", slog.String("reason", reason), slog.Int("dropped", dropped))
	return dropped
}

// Close cancels background requests and waits for them to return.
func (s *Speaker) Close() {
	s.cancel()
	s.wg.Wait()
}

// EventMessage converts a pipeline event to its wire form.
func EventMessage(evt pipeline.Event) protocol.PipelineEvent {
	msg := protocol.PipelineEvent{
		Kind:      string(evt.Kind),
		RunID:     evt.RunID,
		Sequence:  evt.Seq,
		Text:      evt.Text,
		Timestamp: evt.Time.UTC(),
	}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	return msg
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
