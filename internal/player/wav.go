package player

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSink records 16-bit little-endian PCM into a WAV file.
type WAVSink struct {
	path       string
	sampleRate int
	channels   int
	logger     *slog.Logger
	pump       *pump

	mu   sync.Mutex
	file *os.File
	enc  *wav.Encoder
	odd  []byte
}

func NewWAVSink(path string, sampleRate, channels int, logger *slog.Logger) *WAVSink {
	s := &WAVSink{
		path:       path,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With(slog.String("component", "player"), slog.String("path", path)),
	}
	s.pump = newPump("wav", s.logger, s.write)
	return s
}

func (s *WAVSink) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &SinkError{Sink: "wav", Err: fmt.Errorf("create output dir: %w", err)}
		}
	}
	file, err := os.Create(s.path)
	if err != nil {
		return &SinkError{Sink: "wav", Err: err}
	}
	s.file = file
	s.enc = wav.NewEncoder(file, s.sampleRate, 16, s.channels, 1)
	s.pump.start()
	return nil
}

func (s *WAVSink) Push(seq uint64, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.pump.push(item{seq: seq, data: chunk})
}

func (s *WAVSink) EndOfSequence(uint64) {}

func (s *WAVSink) Clear() int {
	return s.pump.clear()
}

func (s *WAVSink) write(it item) error {
	if it.end {
		return nil
	}
	// Chunks may split a sample; carry the stray byte into the next write.
	data := it.data
	if len(s.odd) > 0 {
		data = append(s.odd, data...)
		s.odd = nil
	}
	if len(data)%2 != 0 {
		s.odd = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Stop flushes pending audio and finalizes the WAV header.
func (s *WAVSink) Stop() error {
	s.pump.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	var errs []error
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wav encoder: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, err)
	}
	s.file, s.enc = nil, nil
	if err := s.pump.err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
