package order

import (
	"sort"
	"sync"
	"testing"
	"time"
)

func TestAssignStartsAtOneAndQueuesInOrder(t *testing.T) {
	g := NewGate()
	for want := uint64(1); want <= 3; want++ {
		got, err := g.Assign()
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if head, ok := g.Head(); !ok || head != 1 {
		t.Fatalf("expected head 1, got %d (%v)", head, ok)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", g.Len())
	}
}

func TestPopIfHeadOnlyRemovesHead(t *testing.T) {
	g := NewGate()
	g.Assign()
	g.Assign()

	if g.PopIfHead(2) {
		t.Fatal("expected pop of non-head to fail")
	}
	if !g.PopIfHead(1) {
		t.Fatal("expected pop of head to succeed")
	}
	if head, _ := g.Head(); head != 2 {
		t.Fatalf("expected head 2, got %d", head)
	}
	if g.PopIfHead(1) {
		t.Fatal("expected second pop of 1 to fail")
	}
}

func TestSkipClearsQueueButKeepsCounter(t *testing.T) {
	g := NewGate()
	g.Assign()
	g.Assign()
	g.Assign()

	if dropped := g.Skip(); dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
	if _, ok := g.Head(); ok {
		t.Fatal("expected empty queue after skip")
	}
	seq, err := g.Assign()
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if seq != 4 {
		t.Fatalf("expected numbering to continue at 4, got %d", seq)
	}
	if g.Last() != 4 {
		t.Fatalf("expected last 4, got %d", g.Last())
	}
}

func TestSkipOnEmptyQueueIsNoop(t *testing.T) {
	g := NewGate()
	changed := g.Changed()
	if dropped := g.Skip(); dropped != 0 {
		t.Fatalf("expected nothing dropped, got %d", dropped)
	}
	select {
	case <-changed:
		t.Fatal("empty skip should not signal a change")
	default:
	}
	if seq, _ := g.Assign(); seq != 1 {
		t.Fatalf("expected first number 1, got %d", seq)
	}
}

func TestStatusTransitions(t *testing.T) {
	g := NewGate()
	one, _ := g.Assign()
	two, _ := g.Assign()

	if s := g.Status(one); s != Active {
		t.Fatalf("expected 1 active, got %s", s)
	}
	if s := g.Status(two); s != Waiting {
		t.Fatalf("expected 2 waiting, got %s", s)
	}
	g.PopIfHead(one)
	if s := g.Status(one); s != Invalidated {
		t.Fatalf("expected retired 1 invalidated, got %s", s)
	}
	if s := g.Status(two); s != Active {
		t.Fatalf("expected 2 active, got %s", s)
	}
	g.Skip()
	if s := g.Status(two); s != Invalidated {
		t.Fatalf("expected skipped 2 invalidated, got %s", s)
	}
	three, _ := g.Assign()
	if s := g.Status(two); s != Invalidated {
		t.Fatalf("expected 2 invalidated behind new head, got %s", s)
	}
	if s := g.Status(three); s != Active {
		t.Fatalf("expected 3 active, got %s", s)
	}
}

func TestChangedFiresOnMutation(t *testing.T) {
	g := NewGate()
	changed := g.Changed()
	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Assign()
	}()
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("expected change notification on assign")
	}

	changed = g.Changed()
	g.PopIfHead(1)
	select {
	case <-changed:
	default:
		t.Fatal("expected change notification on pop")
	}
}

func TestConcurrentAssignIsUniqueAndQueued(t *testing.T) {
	g := NewGate()
	const callers = 64

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := g.Assign()
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			mu.Lock()
			got = append(got, seq)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("expected contiguous numbers, got %v", got)
		}
	}
	for want := uint64(1); want <= callers; want++ {
		if !g.PopIfHead(want) {
			t.Fatalf("expected %d at head", want)
		}
	}
}

func TestRemoveHandsTurnToNext(t *testing.T) {
	g := NewGate()
	for i := 0; i < 3; i++ {
		if _, err := g.Assign(); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	changed := g.Changed()
	if !g.Remove(1) {
		t.Fatal("expected head removal")
	}
	select {
	case <-changed:
	default:
		t.Fatal("expected change notification on removal")
	}
	if st := g.Status(2); st != Active {
		t.Fatalf("expected 2 active after head removal, got %s", st)
	}
	if !g.Remove(3) {
		t.Fatal("expected tail removal")
	}
	if g.Remove(3) || g.Remove(1) {
		t.Fatal("expected removing an absent number to report false")
	}
	if g.Len() != 1 || g.Status(3) != Invalidated {
		t.Fatalf("unexpected gate state: len %d status(3) %s", g.Len(), g.Status(3))
	}
	if seq, _ := g.Assign(); seq != 4 {
		t.Fatalf("expected counter to keep running, got %d", seq)
	}
}

func TestDrainReportsLastAssigned(t *testing.T) {
	g := NewGate()
	if dropped, last := g.Drain(); dropped != 0 || last != 0 {
		t.Fatalf("expected empty drain, got %d/%d", dropped, last)
	}
	g.Assign()
	g.Assign()
	g.PopIfHead(1)
	if dropped, last := g.Drain(); dropped != 1 || last != 2 {
		t.Fatalf("expected 1 dropped through 2, got %d/%d", dropped, last)
	}
}
