package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/control"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/player"
	"github.com/loqalabs/loqa-voice/internal/presence"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	sessionID string

	httpServer     *http.Server
	listener       net.Listener
	handler        http.Handler
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	recorder *eventstore.Recorder
	pipe     *pipeline.Pipeline
	speaker  *control.Speaker
	control  *control.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Run starts the runtime and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Close(shutdownCtx)
}

// Start wires every component and begins serving. On failure, whatever was
// started is closed again.
func (r *Runtime) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.Close(closeCtx)
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.recorder = eventstore.NewRecorder(store, r.logger, 256)

	synth, err := tts.New(r.cfg.TTS, nil)
	if err != nil {
		return fmt.Errorf("build synthesizer: %w", err)
	}
	gen, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("build language model: %w", err)
	}
	sink, err := player.New(r.cfg.Player, r.bus, r.sessionID, r.logger)
	if err != nil {
		return fmt.Errorf("build player: %w", err)
	}

	handlers := []pipeline.EventHandler{r.recorder.Handle}
	if r.bus != nil {
		handlers = append(handlers, control.PublishEvents(r.bus, r.logger))
	}
	r.pipe = pipeline.New(pipeline.ConfigFrom(r.cfg), synth, sink, r.logger, handlers...)
	if err := r.pipe.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	r.speaker = control.NewSpeaker(context.Background(), r.pipe, gen, r.cfg.LLM, r.logger)

	if r.bus != nil {
		r.control = control.NewService(r.bus, r.speaker, r.logger)
		if err := r.control.Start(); err != nil {
			return fmt.Errorf("start control service: %w", err)
		}
		if err := r.startPresence(ctx); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("POST /v1/skip", r.handleSkip)
	mux.HandleFunc("POST /v1/speak", r.handleSpeak)
	mux.HandleFunc("GET /v1/runs", r.handleRuns)
	mux.HandleFunc("GET /v1/runs/{id}/events", r.handleRunEvents)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	r.handler = mux

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("session_id", r.sessionID),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.String("llm", r.cfg.LLM.Mode),
		slog.String("player", r.cfg.Player.Mode))
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) startPresence(ctx context.Context) error {
	nodeID := r.cfg.Bus.NodeID
	if nodeID == "" {
		nodeID = r.sessionID
	}
	reg, err := presence.Start(ctx, presence.Options{
		NodeID: nodeID,
		Backends: map[string]string{
			"tts":    r.cfg.TTS.Mode,
			"llm":    r.cfg.LLM.Mode,
			"player": r.cfg.Player.Mode,
		},
		HeartbeatInterval: time.Duration(r.cfg.Bus.HeartbeatMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(r.cfg.Bus.HeartbeatTTLMS) * time.Millisecond,
	}, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = reg
	return nil
}

// Close stops components in reverse start order.
func (r *Runtime) Close(ctx context.Context) error {
	r.ready.Store(false)
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	} else if r.listener != nil {
		_ = r.listener.Close()
	}
	r.wg.Wait()

	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.speaker != nil {
		r.speaker.Close()
	}
	if r.pipe != nil {
		if err := r.pipe.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
		}
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Speaker exposes the control surface to in-process front ends such as stdin.
func (r *Runtime) Speaker() *control.Speaker {
	return r.speaker
}

// Pipeline returns the running pipeline.
func (r *Runtime) Pipeline() *pipeline.Pipeline {
	return r.pipe
}

// Addr returns the HTTP listen address once started.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.pipe != nil && r.pipe.Healthy()
	if r.control != nil {
		ready = ready && r.control.Healthy()
	}
	if r.presence != nil {
		ready = ready && r.presence.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSkip(w http.ResponseWriter, req *http.Request) {
	var body protocol.SkipRequest
	if req.ContentLength != 0 {
		_ = json.NewDecoder(req.Body).Decode(&body)
	}
	reason := body.Reason
	if reason == "" {
		reason = "http"
	}
	dropped := r.speaker.Skip(reason)
	writeJSON(w, http.StatusOK, map[string]any{"dropped": dropped})
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body protocol.SpeakRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if body.Text == "" && body.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": control.ErrEmptyRequest.Error()})
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	body.Timestamp = time.Now().UTC()
	r.speaker.Submit(body)
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": body.RequestID, "status": "queued"})
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	runs, err := r.store.ListRuns(req.Context(), queryInt(req, "limit", 20))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []eventstore.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (r *Runtime) handleRunEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListRunEvents(req.Context(), req.PathValue("id"), queryInt(req, "limit", 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []presence.Node{}
	if r.presence != nil {
		nodes = r.presence.Nodes()
	}
	writeJSON(w, http.StatusOK, nodes)
}

func queryInt(req *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(req.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
