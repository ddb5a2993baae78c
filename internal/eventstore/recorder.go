package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/pipeline"
)

// Recorder persists pipeline events off the hot path. Handle never blocks;
// events arriving while the buffer is full are counted and dropped.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	events chan pipeline.Event

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewRecorder starts the background writer.
func NewRecorder(store *Store, log *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "event-recorder")),
		events: make(chan pipeline.Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Handle is a pipeline.EventHandler.
func (r *Recorder) Handle(evt pipeline.Event) {
	if !r.store.enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.dropped++
	}
}

// Dropped reports how many events were discarded because the writer lagged.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close writes out buffered events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.store.AppendEvent(ctx, fromPipeline(evt))
		cancel()
		if err != nil {
			r.log.Warn("failed to record event", slog.String("kind", string(evt.Kind)), slog.String("error", err.Error()))
		}
	}
}

func fromPipeline(evt pipeline.Event) Event {
	out := Event{
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		Kind:      string(evt.Kind),
		Text:      evt.Text,
		Dropped:   evt.Dropped,
		CreatedAt: evt.Time,
	}
	if evt.Err != nil {
		out.Error = evt.Err.Error()
	}
	return out
}
