package llm

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

type mockGenerator struct {
	text  string
	delay time.Duration
}

// NewMockGenerator streams text one rune at a time with delay between runes.
// An empty text echoes the prompt back.
func NewMockGenerator(text string, delay time.Duration) Generator {
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &mockGenerator{text: text, delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	content := m.text
	if content == "" {
		content = "You said: " + strings.TrimSpace(req.Prompt) + "."
	}
	start := time.Now()
	ticker := time.NewTicker(m.delay)
	defer ticker.Stop()
	for i, r := range content {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		last := i+utf8.RuneLen(r) == len(content)
		if err := consumer(Chunk{
			RunID:   req.RunID,
			Content: string(r),
			Partial: !last,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
