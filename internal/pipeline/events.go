package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrShutdown is returned for work submitted after Shutdown.
	ErrShutdown = errors.New("pipeline is shut down")
	// ErrNotStarted is returned when Process is called before Start.
	ErrNotStarted = errors.New("pipeline not started")
)

// SynthesisError reports a backend failure for one sentence. The sentence is
// dropped from playback; the rest of the stream continues.
type SynthesisError struct {
	Seq  uint64
	Text string
	Err  error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize sentence %d: %v", e.Seq, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// EventKind names a step in a sentence's life or a pipeline-wide action.
type EventKind string

const (
	EventSentenceQueued      EventKind = "sentence.queued"
	EventSentencePlaying     EventKind = "sentence.playing"
	EventSentenceDone        EventKind = "sentence.done"
	EventSentenceFailed      EventKind = "sentence.failed"
	EventSentenceInvalidated EventKind = "sentence.invalidated"
	EventSkip                EventKind = "skip"
	EventSinkFailed          EventKind = "sink.failed"
	EventStreamDone          EventKind = "stream.done"
)

// Event is delivered to every EventHandler. Err is set for failures.
type Event struct {
	Kind    EventKind
	RunID   string
	Seq     uint64
	Text    string
	Err     error
	Dropped int
	Time    time.Time
}

// EventHandler observes pipeline events. Handlers run on pipeline goroutines
// and must return quickly.
type EventHandler func(Event)
