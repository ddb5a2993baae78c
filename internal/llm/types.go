// Package llm streams text from a language model into the voice pipeline.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	RunID       string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	RunID            string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockGenerator(cfg.MockText, 0), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, nil), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// RequestFromConfig fills model defaults for prompt.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		System:      cfg.System,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// Fragments runs gen in the background and exposes its output as a fragment
// stream. The error channel carries at most one error and is closed after the
// fragment channel.
func Fragments(ctx context.Context, gen Generator, req Request) (<-chan string, <-chan error) {
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		err := gen.Generate(ctx, req, func(chunk Chunk) error {
			if chunk.Content == "" {
				return nil
			}
			select {
			case out <- chunk.Content:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return out, errs
}
