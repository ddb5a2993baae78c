package tts

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, client *http.Client) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, time.Duration(cfg.MockDelayMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	case "openai":
		return NewOpenAISynth(OpenAIConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Voice:      cfg.Voice,
			Format:     cfg.Format,
			ChunkBytes: cfg.ChunkBytes,
		}, client), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
