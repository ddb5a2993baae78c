package player

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// BusSink publishes ordered audio on the bus for a remote speaker to play.
type BusSink struct {
	bus   *bus.Client
	runID string
	pump  *pump
	index int
}

func NewBusSink(client *bus.Client, runID string, logger *slog.Logger) *BusSink {
	s := &BusSink{bus: client, runID: runID}
	s.pump = newPump("bus", logger.With(slog.String("component", "player"), slog.String("sink", "bus")), s.write)
	return s
}

func (s *BusSink) Start(context.Context) error {
	s.pump.start()
	return nil
}

func (s *BusSink) Push(seq uint64, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.pump.push(item{seq: seq, data: chunk})
}

func (s *BusSink) EndOfSequence(seq uint64) {
	_ = s.pump.push(item{seq: seq, end: true})
}

func (s *BusSink) Clear() int {
	return s.pump.clear()
}

// write runs on the pump goroutine only, so index needs no lock.
func (s *BusSink) write(it item) error {
	if it.end {
		s.index = 0
		return s.bus.PublishJSON(protocol.SubjectAudioDone, protocol.AudioDone{RunID: s.runID, Sequence: it.seq})
	}
	msg := protocol.AudioChunk{
		RunID:     s.runID,
		Sequence:  it.seq,
		Index:     s.index,
		Data:      it.data,
		Timestamp: time.Now().UnixMilli(),
	}
	s.index++
	return s.bus.PublishJSON(protocol.SubjectAudioChunk, msg)
}

func (s *BusSink) Stop() error {
	s.pump.close()
	if err := s.bus.Conn().Flush(); err != nil {
		return &SinkError{Sink: "bus", Err: err}
	}
	return s.pump.err()
}
