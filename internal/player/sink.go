// Package player forwards ordered audio chunks to an output device or process.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotStarted is returned by Push before Start.
	ErrNotStarted = errors.New("sink not started")
	// ErrStopped is returned by Push after Stop.
	ErrStopped = errors.New("sink stopped")
)

// SinkError reports a failure of the underlying output. Once a sink has failed
// every later Push returns the same error.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Sink receives audio in playback order. Push never blocks on the device.
type Sink interface {
	Start(ctx context.Context) error
	Push(seq uint64, chunk []byte) error
	// EndOfSequence marks the end of one sentence's audio.
	EndOfSequence(seq uint64)
	Stop() error
}

// Clearer is implemented by sinks that can drop audio queued but not yet written.
type Clearer interface {
	Clear() int
}

type item struct {
	data []byte
	seq  uint64
	end  bool
}

// pump is the unbounded hand-off queue shared by the sinks. A single goroutine
// drains it in FIFO order through write.
type pump struct {
	name   string
	logger *slog.Logger
	write  func(item) error

	mu      sync.Mutex
	items   []item
	started bool
	closed  bool
	failed  error
	gen     uint64
	notify  chan struct{}
	done    chan struct{}
}

func newPump(name string, logger *slog.Logger, write func(item) error) *pump {
	return &pump{
		name:   name,
		logger: logger,
		write:  write,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *pump) start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.run()
}

func (p *pump) push(it item) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.failed != nil:
		return p.failed
	case p.closed:
		return ErrStopped
	case !p.started:
		return ErrNotStarted
	}
	p.items = append(p.items, it)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *pump) clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, it := range p.items {
		if !it.end {
			n++
		}
	}
	p.items = nil
	p.gen++
	return n
}

func (p *pump) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// close stops accepting items and waits until everything queued is written.
func (p *pump) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	started := p.started
	select {
	case p.notify <- struct{}{}:
	default:
	}
	p.mu.Unlock()
	if !started {
		close(p.done)
		return
	}
	<-p.done
}

// closeWithin is close bounded by grace. It reports whether the queue drained
// in time; if not, the pump is still closing and close can be called again to
// wait for it.
func (p *pump) closeWithin(grace time.Duration) bool {
	drained := make(chan struct{})
	go func() {
		p.close()
		close(drained)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		return false
	}
}

// current reports whether no clear happened since gen was read.
func (p *pump) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *pump) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		batch := p.items
		p.items = nil
		closed := p.closed
		gen := p.gen
		p.mu.Unlock()

		for _, it := range batch {
			if !p.current(gen) {
				break
			}
			if err := p.write(it); err != nil {
				serr := &SinkError{Sink: p.name, Err: err}
				p.logger.Error("audio output failed", slog.String("error", serr.Error()))
				p.mu.Lock()
				p.failed = serr
				p.items = nil
				p.mu.Unlock()
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-p.notify
	}
}
