package tts

import (
	"context"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
	chunkBytes int
}

// NewMockSynth returns a synthesizer that emits silence, roughly 40ms of audio
// per rune, after a fixed startup delay.
func NewMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay, chunkBytes: 4096}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}

		bytesPerRune := m.sampleRate * m.channels * 2 / 25
		total := utf8.RuneCountInString(req.Text) * bytesPerRune
		index := 0
		for sent := 0; sent < total; sent += m.chunkBytes {
			n := min(m.chunkBytes, total-sent)
			chunk := SynthChunk{
				Sequence:   req.Sequence,
				Index:      index,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				Data:       make([]byte, n),
				Final:      sent+n >= total,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			index++
		}
	}()
	return chunks, errs
}
