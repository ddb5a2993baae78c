package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service accepts speak and skip requests from the bus and publishes pipeline
// events back to it.
type Service struct {
	bus     *bus.Client
	speaker *Speaker
	logger  *slog.Logger

	subSpeak *nats.Subscription
	subSkip  *nats.Subscription
	mu       sync.Mutex
	ready    bool
}

func NewService(busClient *bus.Client, speaker *Speaker, logger *slog.Logger) *Service {
	return &Service{
		bus:     busClient,
		speaker: speaker,
		logger:  logger.With(slog.String("component", "control")),
	}
}

func (s *Service) Start() error {
	subSpeak, err := s.bus.Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return fmt.Errorf("subscribe speak requests: %w", err)
	}
	subSkip, err := s.bus.Subscribe(protocol.SubjectSkip, s.handleSkip)
	if err != nil {
		_ = subSpeak.Drain()
		return fmt.Errorf("subscribe skip requests: %w", err)
	}
	s.mu.Lock()
	s.subSpeak, s.subSkip, s.ready = subSpeak, subSkip, true
	s.mu.Unlock()
	s.logger.Info("control surface listening",
		slog.String("speak", s.bus.Subject(protocol.SubjectSpeak)),
		slog.String("skip", s.bus.Subject(protocol.SubjectSkip)))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range []*nats.Subscription{s.subSpeak, s.subSkip} {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.ready = false
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	s.logger.Info("speak request received", slog.String("request_id", req.RequestID), slog.Bool("interrupt", req.Interrupt))
	s.speaker.Submit(req)
}

func (s *Service) handleSkip(msg *nats.Msg) {
	var req protocol.SkipRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode skip request", slogError(err))
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "bus"
	}
	s.speaker.Skip(reason)
}

// PublishEvents returns a pipeline.EventHandler that mirrors events onto the
// bus events subject.
func PublishEvents(busClient *bus.Client, logger *slog.Logger) pipeline.EventHandler {
	logger = logger.With(slog.String("component", "control"))
	return func(evt pipeline.Event) {
		if err := busClient.PublishJSON(protocol.SubjectEvents, EventMessage(evt)); err != nil {
			logger.Warn("failed to publish pipeline event", slog.String("kind", string(evt.Kind)), slogError(err))
		}
	}
}

