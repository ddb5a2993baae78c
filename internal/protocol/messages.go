package protocol

import "time"

// SpeakRequest asks the runtime to voice text. Exactly one of Prompt (sent to
// the language model) or Text (spoken verbatim) should be set.
type SpeakRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	System    string    `json:"system,omitempty"`
	Text      string    `json:"text,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Interrupt bool      `json:"interrupt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SkipRequest discards everything queued or playing.
type SkipRequest struct {
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk carries ordered audio for remote playback.
type AudioChunk struct {
	RunID     string `json:"run_id,omitempty"`
	Sequence  uint64 `json:"sequence"`
	Index     int    `json:"index"`
	Data      []byte `json:"data"`
	Timestamp int64  `json:"ts_unix_ms"`
}

// AudioDone marks the end of one sentence's audio.
type AudioDone struct {
	RunID    string `json:"run_id,omitempty"`
	Sequence uint64 `json:"sequence"`
}

// PipelineEvent mirrors pipeline.Event on the wire.
type PipelineEvent struct {
	Kind      string    `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeak      = "speak"
	SubjectSkip       = "skip"
	SubjectEvents     = "events"
	SubjectAudioChunk = "audio.chunk"
	SubjectAudioDone  = "audio.done"
)

// Subject joins the configured prefix with a subject suffix.
func Subject(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
