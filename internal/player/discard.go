package player

import (
	"context"
	"sync/atomic"
)

// DiscardSink accepts audio and throws it away. It keeps counters so a
// headless run can still report what would have played.
type DiscardSink struct {
	chunks    atomic.Int64
	bytes     atomic.Int64
	sentences atomic.Int64
}

func NewDiscardSink() *DiscardSink { return &DiscardSink{} }

func (d *DiscardSink) Start(context.Context) error { return nil }

func (d *DiscardSink) Push(_ uint64, chunk []byte) error {
	d.chunks.Add(1)
	d.bytes.Add(int64(len(chunk)))
	return nil
}

func (d *DiscardSink) EndOfSequence(uint64) { d.sentences.Add(1) }

func (d *DiscardSink) Stop() error { return nil }

// Totals returns chunks, bytes and completed sentences seen so far.
func (d *DiscardSink) Totals() (chunks, bytes, sentences int64) {
	return d.chunks.Load(), d.bytes.Load(), d.sentences.Load()
}
