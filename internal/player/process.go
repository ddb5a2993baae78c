package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const stopGrace = 3 * time.Second

// MPVCommand builds an mpv invocation that plays a stream read from stdin.
func MPVCommand(audioDevice string) []string {
	args := []string{"mpv", "--no-cache", "--no-terminal"}
	if audioDevice != "" {
		args = append(args, "--audio-device="+audioDevice)
	}
	return append(args, "--", "fd://0")
}

// ProcessSink pipes audio into the stdin of a long-running player process.
type ProcessSink struct {
	args   []string
	logger *slog.Logger
	pump   *pump
	grace  time.Duration

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	first bool
}

// NewProcessSink runs args[0] with the remaining arguments.
func NewProcessSink(args []string, logger *slog.Logger) (*ProcessSink, error) {
	if len(args) == 0 {
		return nil, errors.New("player command empty")
	}
	s := &ProcessSink{
		args:   append([]string{}, args...),
		logger: logger.With(slog.String("component", "player"), slog.String("command", args[0])),
		first:  true,
		grace:  stopGrace,
	}
	s.pump = newPump(args[0], s.logger, s.write)
	return s, nil
}

// NewCommandSink parses a shell-style command line into a ProcessSink.
func NewCommandSink(command string, logger *slog.Logger) (*ProcessSink, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	return NewProcessSink(args, logger)
}

func (s *ProcessSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	// The process outlives ctx on purpose: it is released by Stop.
	cmd := exec.Command(s.args[0], s.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SinkError{Sink: s.args[0], Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &SinkError{Sink: s.args[0], Err: fmt.Errorf("start player: %w", err)}
	}
	s.cmd = cmd
	s.stdin = stdin
	s.pump.start()
	s.logger.Info("player started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *ProcessSink) Push(seq uint64, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.pump.push(item{seq: seq, data: chunk})
}

// EndOfSequence is a no-op for a byte stream player.
func (s *ProcessSink) EndOfSequence(uint64) {}

func (s *ProcessSink) Clear() int {
	return s.pump.clear()
}

func (s *ProcessSink) write(it item) error {
	if it.end {
		return nil
	}
	if s.first {
		s.logger.Info("playing first audio chunk", slog.Int("bytes", len(it.data)))
		s.first = false
	}
	_, err := s.stdin.Write(it.data)
	return err
}

// Stop drains queued audio, closes stdin and waits for the player to exit.
// Audio still queued after the grace period is discarded and the player is
// killed if it does not exit within another grace period.
func (s *ProcessSink) Stop() error {
	drained := s.pump.closeWithin(s.grace)
	if !drained {
		dropped := s.pump.clear()
		s.logger.Warn("player did not drain in time, discarding queued audio", slog.Int("chunks", dropped))
	}

	s.mu.Lock()
	cmd, stdin := s.cmd, s.stdin
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		s.pump.close()
		return nil
	}

	var errs []error
	if err := stdin.Close(); err != nil && drained {
		errs = append(errs, err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case err := <-exited:
		if err != nil && drained {
			errs = append(errs, err)
		}
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-exited
	}
	s.pump.close()
	s.logger.Info("player stopped", slog.Bool("drained", drained))
	if err := s.pump.err(); err != nil && drained {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
