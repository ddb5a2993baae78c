package player

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
)

// New builds the sink selected by cfg.Mode. busClient is only needed for mode=bus.
func New(cfg config.PlayerConfig, busClient *bus.Client, runID string, logger *slog.Logger) (Sink, error) {
	switch cfg.Mode {
	case "mpv":
		return NewProcessSink(MPVCommand(cfg.AudioDevice), logger)
	case "exec":
		return NewCommandSink(cfg.Command, logger)
	case "wav":
		return NewWAVSink(cfg.WAVPath, cfg.SampleRate, cfg.Channels, logger), nil
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus player requires a bus connection")
		}
		return NewBusSink(busClient, runID, logger), nil
	case "discard", "":
		return NewDiscardSink(), nil
	default:
		return nil, fmt.Errorf("unknown player mode %q", cfg.Mode)
	}
}
