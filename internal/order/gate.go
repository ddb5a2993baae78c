// Package order hands out playback sequence numbers and tracks which one may
// currently forward audio.
package order

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOrderingViolation signals a broken queue invariant. It indicates a bug and
// the run using the gate should be aborted.
var ErrOrderingViolation = errors.New("ordering violation")

// Status describes where a sequence number stands relative to the queue head.
type Status int

const (
	// Waiting means an earlier number still holds the head.
	Waiting Status = iota
	// Active means the number is the head and may forward audio.
	Active
	// Invalidated means the number was skipped or passed over.
	Invalidated
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Invalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Gate is the single ordering authority for a pipeline. All methods share one
// critical section.
type Gate struct {
	mu      sync.Mutex
	next    uint64
	queue   []uint64
	members map[uint64]struct{}
	changed chan struct{}
}

// NewGate returns a gate whose first assigned number is 1.
func NewGate() *Gate {
	return &Gate{
		next:    1,
		members: make(map[uint64]struct{}),
		changed: make(chan struct{}),
	}
}

// Assign reserves the next sequence number and appends it to the queue tail.
func (g *Gate) Assign() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	seq := g.next
	if n := len(g.queue); n > 0 && g.queue[n-1] >= seq {
		return 0, fmt.Errorf("%w: assigning %d behind tail %d", ErrOrderingViolation, seq, g.queue[n-1])
	}
	if _, dup := g.members[seq]; dup {
		return 0, fmt.Errorf("%w: sequence %d already queued", ErrOrderingViolation, seq)
	}
	g.next++
	g.queue = append(g.queue, seq)
	g.members[seq] = struct{}{}
	g.notifyLocked()
	return seq, nil
}

// Head returns the number currently allowed to forward audio.
func (g *Gate) Head() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return 0, false
	}
	return g.queue[0], true
}

// PopIfHead retires seq if it is the head and reports whether it did.
func (g *Gate) PopIfHead(seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 || g.queue[0] != seq {
		return false
	}
	g.queue[0] = 0
	g.queue = g.queue[1:]
	delete(g.members, seq)
	g.notifyLocked()
	return true
}

// Remove drops seq wherever it sits in the queue and reports whether it was
// queued. A removed head hands the turn to the next number.
func (g *Gate) Remove(seq uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[seq]; !ok {
		return false
	}
	for i, queued := range g.queue {
		if queued == seq {
			g.queue = append(g.queue[:i:i], g.queue[i+1:]...)
			break
		}
	}
	delete(g.members, seq)
	g.notifyLocked()
	return true
}

// Skip empties the queue and returns how many numbers were discarded. The
// counter keeps running so later numbers never collide with skipped ones.
func (g *Gate) Skip() int {
	dropped, _ := g.Drain()
	return dropped
}

// Drain is Skip that also returns the last number assigned before the queue was
// emptied. Numbers above it were assigned after the drain.
func (g *Gate) Drain() (dropped int, last uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dropped = len(g.queue)
	last = g.next - 1
	if dropped == 0 {
		return 0, last
	}
	g.queue = nil
	g.members = make(map[uint64]struct{})
	g.notifyLocked()
	return dropped, last
}

// Status reports whether seq may forward now, must wait, or has been invalidated.
func (g *Gate) Status(seq uint64) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return Invalidated
	}
	head := g.queue[0]
	switch {
	case head == seq:
		return Active
	case head > seq:
		return Invalidated
	}
	if _, ok := g.members[seq]; !ok {
		return Invalidated
	}
	return Waiting
}

// Changed returns a channel closed at the next queue mutation. Callers must
// fetch a fresh channel after each wake-up.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// Len returns the number of outstanding sequence numbers.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Last returns the most recently assigned number, or 0 before the first Assign.
func (g *Gate) Last() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next - 1
}

func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}
