package arbitrator

import (
	"sync"
	"testing"
	"time"

	"github.com/cormorant-labs/chunkxfer/internal/wire"
	"github.com/cormorant-labs/chunkxfer/internal/xerr"
)

type fakeRouter struct {
	mu    sync.Mutex
	pulls []pull
}

type pull struct {
	peer  wire.PeerID
	index uint64
}

func (f *fakeRouter) Pull(peer wire.PeerID, index uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, pull{peer, index})
	return nil
}

func (f *fakeRouter) all() []pull {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pull, len(f.pulls))
	copy(out, f.pulls)
	return out
}

func newTestArbitrator(slots int, timeout time.Duration) (*Arbitrator, *fakeRouter, chan wire.SinkFrame) {
	router := &fakeRouter{}
	sink := make(chan wire.SinkFrame, 16)
	a := New(router, sink, slots, timeout, nil, nil)
	return a, router, sink
}

func TestQueueAdmitsWithinSlotBudget(t *testing.T) {
	a, router, _ := newTestArbitrator(1, time.Minute)
	defer a.Close()

	if err := a.Queue("peer-a", 0); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := a.Queue("peer-a", 1); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := a.Queue("peer-b", 0); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	pulls := router.all()
	if len(pulls) != 1 {
		t.Fatalf("got %d pulls, want 1 (slot budget is 1): %+v", len(pulls), pulls)
	}
	if pulls[0].peer != "peer-a" || pulls[0].index != 0 {
		t.Fatalf("unexpected first admission: %+v", pulls[0])
	}
	if a.SlotsAvailable() != 0 {
		t.Fatalf("slots available = %d, want 0", a.SlotsAvailable())
	}
	if a.QueueLen() != 3 {
		t.Fatalf("queue len = %d, want 3", a.QueueLen())
	}
}

func TestReleaseAdmitsNextInFIFOOrder(t *testing.T) {
	a, router, _ := newTestArbitrator(1, time.Minute)
	defer a.Close()

	_ = a.Queue("peer-a", 0)
	_ = a.Queue("peer-a", 1)
	_ = a.Queue("peer-b", 0)

	if err := a.Release("peer-a", 0); err != nil {
		t.Fatalf("Release: %v", err)
	}

	pulls := router.all()
	if len(pulls) != 2 {
		t.Fatalf("got %d pulls after release, want 2: %+v", len(pulls), pulls)
	}
	if pulls[1].peer != "peer-a" || pulls[1].index != 1 {
		t.Fatalf("expected FIFO admission of peer-a/1 next, got %+v", pulls[1])
	}
	if a.QueueLen() != 2 {
		t.Fatalf("queue len after release = %d, want 2", a.QueueLen())
	}
}

func TestReleaseUnknownEntryFails(t *testing.T) {
	a, _, _ := newTestArbitrator(1, time.Minute)
	defer a.Close()

	err := a.Release("ghost", 99)
	if err != xerr.ErrChunkIndex {
		t.Fatalf("got %v, want ErrChunkIndex", err)
	}
}

func TestTimerEvictsExpiredAndDeduplicates(t *testing.T) {
	a, _, sink := newTestArbitrator(1, 20*time.Millisecond)
	defer a.Close()

	if err := a.Queue("peer-a", 0); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	select {
	case frame := <-sink:
		if frame.PeerID != "peer-a" || frame.Index != 0 || frame.Success {
			t.Fatalf("unexpected timeout frame: %+v", frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for synthetic timeout completion")
	}

	if a.QueueLen() != 0 {
		t.Fatalf("queue len after timeout emission = %d, want 0 (entry removed, not duplicated)", a.QueueLen())
	}
}
