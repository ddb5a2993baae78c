package tts

import "context"

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	RunID    string
	Sequence uint64
	Text     string
	Voice    string
}

// SynthChunk carries one piece of encoded or raw audio for a sentence.
type SynthChunk struct {
	Sequence   uint64
	Index      int
	SampleRate int
	Channels   int
	Data       []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. The chunk channel is closed
// when the stream ends; at most one error is delivered on the error channel.
// Cancelling ctx must stop the stream early.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
