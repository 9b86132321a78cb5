// Package arbitrator implements admission control for chunk pulls: a
// single FIFO queue of pending chunk requests shared across all peers, a
// bounded slot budget, and a background timer that evicts stalled pulls.
package arbitrator

import (
	"sync"
	"time"

	"github.com/cormorant-labs/chunkxfer/internal/observability"
	"github.com/cormorant-labs/chunkxfer/internal/wire"
	"github.com/cormorant-labs/chunkxfer/internal/xerr"
)

// DefaultChunkTimeout is CHUNK_TIMEOUT for production use.
const DefaultChunkTimeout = 60 * time.Second

// pollInterval is how often the timer task wakes to scan for expired
// pulls. It doubles as the receive-timeout granularity described in the
// protocol's timer design.
const pollInterval = time.Second

// sinkSendTimeout bounds how long the timer will block posting a
// synthetic timeout completion. Mirrors chunkio.SinkSendTimeout; kept as
// its own constant so this package does not need to import chunkio.
const sinkSendTimeout = time.Second

// Router is the admission-control view of the multiplexed transport: the
// one operation the arbitrator needs is emitting a chunk pull to a peer.
type Router interface {
	Pull(peer wire.PeerID, index uint64) error
}

// timedChunk is one queue entry: a peer/index pair, started when admitted
// into a slot and expired once CHUNK_TIMEOUT has elapsed since then.
type timedChunk struct {
	peer      wire.PeerID
	index     uint64
	started   bool
	startedAt time.Time
}

func (t *timedChunk) start() {
	t.started = true
	t.startedAt = time.Now()
}

func (t *timedChunk) expired(timeout time.Duration) bool {
	return t.started && time.Since(t.startedAt) >= timeout
}

// Arbitrator is the admission-control scheduler. Its queue and slot count
// are the only state shared with a background goroutine (the timer task).
// Both the Arbitrator's own methods and the timer's expiry scan take the
// write lock when they change the queue; read-only accessors take the read
// lock.
type Arbitrator struct {
	mu    sync.RWMutex
	queue []*timedChunk
	slots int

	router  Router
	sink    chan<- wire.SinkFrame
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics

	stop chan struct{}
	done chan struct{}
}

// New creates an Arbitrator with the given upload-slot budget and starts
// its timer task. Callers must call Close to stop the timer. metrics may
// be nil to disable gauge/counter recording.
func New(router Router, sink chan<- wire.SinkFrame, slots int, timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Arbitrator {
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}
	a := &Arbitrator{
		router:  router,
		sink:    sink,
		slots:   slots,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.runTimer()
	return a
}

// Queue appends a fresh, not-yet-started entry for (peer, index) and
// attempts immediate admission.
func (a *Arbitrator) Queue(peer wire.PeerID, index uint64) error {
	a.mu.Lock()
	a.queue = append(a.queue, &timedChunk{peer: peer, index: index})
	a.mu.Unlock()
	return a.request()
}

// Release removes the entry for (peer, index), returns its slot to the
// budget, and attempts to admit the next eligible entry. It fails with
// xerr.ErrChunkIndex if no such entry exists.
func (a *Arbitrator) Release(peer wire.PeerID, index uint64) error {
	a.mu.Lock()
	pos := -1
	for i, t := range a.queue {
		if t.peer == peer && t.index == index {
			pos = i
			break
		}
	}
	if pos == -1 {
		a.mu.Unlock()
		return xerr.ErrChunkIndex
	}
	a.queue = append(a.queue[:pos], a.queue[pos+1:]...)
	a.slots++
	a.mu.Unlock()
	return a.request()
}

// SlotsAvailable reports the current free-slot count, for tests and
// metrics.
func (a *Arbitrator) SlotsAvailable() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.slots
}

// QueueLen reports the number of pending entries, started or not.
func (a *Arbitrator) QueueLen() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.queue)
}

// request walks the queue in insertion order, admitting not-yet-started
// entries while slots remain. FIFO insertion order is what makes the
// ordering guarantees in the protocol (ascending per-peer indices, fair
// interleaving across peers) easy to state.
func (a *Arbitrator) request() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, t := range a.queue {
		if a.slots == 0 {
			break
		}
		if t.started {
			continue
		}
		a.slots--
		t.start()
		if err := a.router.Pull(t.peer, t.index); err != nil {
			return err
		}
		if a.logger != nil {
			a.logger.ChunkPulled(string(t.peer), t.index)
		}
	}
	if a.metrics != nil {
		a.metrics.SetArbitratorGauges(a.slots, len(a.queue))
	}
	return nil
}

// runTimer periodically scans the queue for expired entries and posts a
// synthetic failure completion for each to the sink. Expired entries are
// removed from the queue at emission time (rather than left for the
// reactor's re-queue to collide with), so a retried chunk never produces
// two live entries for the same (peer, index).
func (a *Arbitrator) runTimer() {
	defer close(a.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.emitExpired()
		}
	}
}

func (a *Arbitrator) emitExpired() {
	a.mu.Lock()
	kept := a.queue[:0]
	var expired []*timedChunk
	for _, t := range a.queue {
		if t.expired(a.timeout) {
			expired = append(expired, t)
			a.slots++
			continue
		}
		kept = append(kept, t)
	}
	a.queue = kept
	a.mu.Unlock()

	for _, t := range expired {
		frame := wire.SinkFrame{PeerID: t.peer, Index: t.index, Success: false}
		select {
		case a.sink <- frame:
			if a.logger != nil {
				a.logger.ChunkTimedOut(string(t.peer), t.index)
			}
			if a.metrics != nil {
				a.metrics.RecordChunkTimeout()
			}
		case <-time.After(sinkSendTimeout):
			if a.logger != nil {
				a.logger.Fatal(nil, "arbitrator: sink send timed out delivering chunk timeout, reactor appears wedged")
			}
		}
	}
}

// Close signals the timer task to stop and waits for it to exit. A
// failure to observe the task exit indicates a leaked goroutine, which is
// a bug the caller should surface loudly rather than hide.
func (a *Arbitrator) Close() {
	close(a.stop)
	<-a.done
}
