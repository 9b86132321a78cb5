// Package reactor implements the server's single-threaded event loop: it
// multiplexes frames arriving from any connected peer, write-completions
// posted by chunk workers and the arbitrator's timer, and drives each
// File through to a terminal Ok/Err reply. All mutation of the file table
// and the arbitrator happens on the one goroutine running Run.
package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/cormorant-labs/chunkxfer/internal/arbitrator"
	"github.com/cormorant-labs/chunkxfer/internal/ledger"
	"github.com/cormorant-labs/chunkxfer/internal/observability"
	"github.com/cormorant-labs/chunkxfer/internal/ratelimit"
	"github.com/cormorant-labs/chunkxfer/internal/transport"
	"github.com/cormorant-labs/chunkxfer/internal/wire"
	"github.com/cormorant-labs/chunkxfer/internal/xerr"
	"github.com/cormorant-labs/chunkxfer/internal/xfile"
)

// sinkChanSize bounds how many pending write-completions may queue before
// a chunk worker blocks on send. Sized generously since the reactor drains
// it continuously; the real backpressure point is the arbitrator's slot
// budget, not this channel.
const sinkChanSize = 256

const eventChanSize = 256

// frameEvent is what a peer's read loop hands to the reactor for every
// frame it parses off the wire.
type frameEvent struct {
	peer    wire.PeerID
	typ     wire.FrameType
	header  []byte
	raw     []byte
	closed  bool
	readErr error
}

// Router is the peer-registry view the reactor needs: looking up a peer
// to reply to, registering/forgetting peers as they (dis)connect, and the
// admission-control Pull arbitrator.Router also requires. *transport.Router
// satisfies it in production; tests substitute a fake registry that never
// opens a real QUIC connection.
type Router interface {
	arbitrator.Router
	Peer(wire.PeerID) (transport.PeerConn, bool)
	Register(transport.PeerConn)
	Unregister(wire.PeerID)
}

// Reactor owns the file table, the arbitrator, and the peer registry. It
// must run on exactly one goroutine (Run).
type Reactor struct {
	router  Router
	arb     *arbitrator.Arbitrator
	log     *observability.Logger
	metrics *observability.Metrics
	ledger  *ledger.Ledger
	limit   *ratelimit.PeerLimiter

	files  map[wire.PeerID]*xfile.File
	spans  map[wire.PeerID]oteltrace.Span
	events chan frameEvent
	sink   chan wire.SinkFrame
}

// NewReactor constructs a Reactor and its owned Arbitrator. slots bounds
// concurrent in-flight chunk pulls across all peers; chunkTimeout is
// CHUNK_TIMEOUT (zero selects arbitrator.DefaultChunkTimeout); limit and
// metrics may be nil to disable per-peer NEW throttling and metrics
// recording respectively.
func NewReactor(router Router, log *observability.Logger, metrics *observability.Metrics, ldg *ledger.Ledger, limit *ratelimit.PeerLimiter, slots int, chunkTimeout time.Duration) *Reactor {
	re := &Reactor{
		router:  router,
		log:     log,
		metrics: metrics,
		ledger:  ldg,
		limit:   limit,
		files:   make(map[wire.PeerID]*xfile.File),
		spans:   make(map[wire.PeerID]oteltrace.Span),
		events:  make(chan frameEvent, eventChanSize),
		sink:    make(chan wire.SinkFrame, sinkChanSize),
	}
	re.arb = arbitrator.New(router, re.sink, slots, chunkTimeout, log, metrics)
	return re
}

// ServePeer reads frames off p in a loop and forwards them to the
// reactor's event channel. It is meant to run in its own goroutine per
// accepted peer; the reactor goroutine itself never touches the network.
func (re *Reactor) ServePeer(p *transport.Peer) {
	re.router.Register(p)
	for {
		t, header, err := wire.ReadFrameHeader(p)
		if err != nil {
			re.events <- frameEvent{peer: p.ID(), closed: true, readErr: err}
			return
		}
		var raw []byte
		if t == wire.FrameChunkData {
			raw, err = wire.ReadRaw(p)
			if err != nil {
				re.events <- frameEvent{peer: p.ID(), closed: true, readErr: err}
				return
			}
		}
		re.events <- frameEvent{peer: p.ID(), typ: t, header: header, raw: raw}
	}
}

// Run is the event loop. It returns when ctx is canceled.
func (re *Reactor) Run(ctx context.Context) error {
	defer re.arb.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-re.events:
			if ev.closed {
				re.handleDisconnect(ev.peer, ev.readErr)
				continue
			}
			re.handleFrame(ev)
		case sf := <-re.sink:
			re.handleSink(sf)
		}
	}
}

func (re *Reactor) handleDisconnect(peer wire.PeerID, err error) {
	delete(re.files, peer)
	re.endSpan(peer, false, err)
	if re.metrics != nil {
		if p, ok := re.router.Peer(peer); ok {
			re.metrics.RecordQUICConnectionClose(p.Age().Seconds())
		}
	}
	re.router.Unregister(peer)
	if re.limit != nil {
		re.limit.Forget(peer)
	}
	if re.log != nil {
		re.log.WithPeer(string(peer)).Debug(fmt.Sprintf("peer disconnected: %v", err))
	}
}

func (re *Reactor) handleFrame(ev frameEvent) {
	switch ev.typ {
	case wire.FrameNew:
		re.handleNew(ev)
	case wire.FrameChunkData:
		re.handleChunkData(ev)
	default:
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
	}
}

func (re *Reactor) handleNew(ev frameEvent) {
	if _, exists := re.files[ev.peer]; exists {
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}
	if re.limit != nil && !re.limit.Allow(ev.peer) {
		if re.metrics != nil {
			re.metrics.RecordNewThrottled()
		}
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}

	var msg wire.NewMessage
	if err := json.Unmarshal(ev.header, &msg); err != nil {
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}
	opts, err := wire.DecodeOptions(msg.OptionsJSON)
	if err != nil {
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}

	file, err := xfile.Create(re.arb, ev.peer, msg.Path, msg.Size, msg.CRC, msg.ChunkSize, opts)
	if err != nil {
		re.replyErr(ev.peer, err)
		return
	}

	re.files[ev.peer] = file
	_, span := observability.StartTransferSpan(context.Background(), string(ev.peer), msg.Path, msg.Size, int(file.ChunkCount()))
	re.spans[ev.peer] = span
	if re.metrics != nil {
		re.metrics.RecordTransferStart()
	}
	if re.log != nil {
		re.log.TransferStarted(string(ev.peer), msg.Path, int64(msg.Size), int(file.ChunkCount()))
	}
}

// endSpan closes and forgets the transfer span for peer, if one is open.
// Safe to call on peers with no active span (a no-op).
func (re *Reactor) endSpan(peer wire.PeerID, success bool, err error) {
	span, ok := re.spans[peer]
	if !ok {
		return
	}
	observability.EndTransferSpan(span, success, err)
	delete(re.spans, peer)
}

func (re *Reactor) handleChunkData(ev frameEvent) {
	file, ok := re.files[ev.peer]
	if !ok {
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}

	var msg wire.ChunkDataMessage
	if err := json.Unmarshal(ev.header, &msg); err != nil {
		re.replyErr(ev.peer, xerr.ErrInvalidRequest)
		return
	}

	if err := file.Recv(ev.peer, msg.Index, ev.raw, re.sink, re.onSinkWedged); err != nil {
		re.replyErr(ev.peer, err)
		return
	}
	if re.metrics != nil {
		re.metrics.RecordChunkReceived(len(ev.raw))
	}
}

func (re *Reactor) handleSink(sf wire.SinkFrame) {
	file, ok := re.files[sf.PeerID]
	if !ok {
		if re.log != nil {
			re.log.Fatal(nil, fmt.Sprintf("reactor: sink frame for unknown peer %s, chunk accounting is inconsistent", sf.PeerID))
		}
		return
	}

	if err := file.Sink(re.arb, sf.PeerID, sf.Index, sf.Success); err != nil {
		if re.log != nil {
			re.log.Error(err, "reactor: sink accounting error")
		}
		return
	}

	if !sf.Success {
		if re.log != nil {
			re.log.ChunkWriteFailed(string(sf.PeerID), int(sf.Index), "chunk write failed", file.ErrorCount())
		}
		if re.metrics != nil {
			re.metrics.RecordChunkRetransmit("chunk_write_failed")
		}
	}

	if file.IsError() {
		re.replyErr(sf.PeerID, xerr.ErrFileFail)
		delete(re.files, sf.PeerID)
		re.endSpan(sf.PeerID, false, xerr.ErrFileFail)
		if re.metrics != nil {
			re.metrics.RecordTransferComplete(false, file.Elapsed().Seconds())
		}
		if re.ledger != nil {
			err := re.ledger.RecordFailed(string(sf.PeerID), file.CommittedPath(), "chunk retry budget exhausted")
			if re.metrics != nil {
				re.metrics.RecordLedgerWrite(err == nil)
			}
		}
		return
	}

	if file.IsComplete() {
		re.finish(sf.PeerID, file)
	}
}

func (re *Reactor) finish(peer wire.PeerID, file *xfile.File) {
	err := file.Save()
	delete(re.files, peer)
	if err != nil {
		re.replyErr(peer, err)
		re.endSpan(peer, false, err)
		if re.metrics != nil {
			re.metrics.RecordTransferComplete(false, file.Elapsed().Seconds())
		}
		if re.ledger != nil {
			lerr := re.ledger.RecordFailed(string(peer), file.CommittedPath(), err.Error())
			if re.metrics != nil {
				re.metrics.RecordLedgerWrite(lerr == nil)
			}
		}
		return
	}
	re.replyOK(peer)
	re.endSpan(peer, true, nil)
	elapsed := file.Elapsed()
	if re.log != nil {
		throughput := int64(0)
		if secs := elapsed.Seconds(); secs > 0 {
			throughput = int64(float64(file.Size()) / secs)
		}
		re.log.TransferCompleted(string(peer), int64(file.Size()), int(file.ChunkCount()), elapsed, throughput, true)
	}
	if re.metrics != nil {
		re.metrics.RecordTransferComplete(true, elapsed.Seconds())
	}
	if re.ledger != nil {
		lerr := re.ledger.RecordCompleted(string(peer), file.CommittedPath())
		if re.metrics != nil {
			re.metrics.RecordLedgerWrite(lerr == nil)
		}
	}
}

func (re *Reactor) onSinkWedged(msg string) {
	if re.log != nil {
		re.log.Fatal(nil, msg)
	}
}

func (re *Reactor) replyOK(peer wire.PeerID) {
	p, ok := re.router.Peer(peer)
	if !ok {
		return
	}
	if err := wire.WriteFrame(p, wire.FrameOK, struct{}{}, nil); err != nil && re.log != nil {
		re.log.Error(err, "reactor: failed to send OK reply")
	}
}

func (re *Reactor) replyErr(peer wire.PeerID, cause error) {
	p, ok := re.router.Peer(peer)
	if !ok {
		return
	}
	msg := errMessageFor(cause)
	if err := wire.WriteFrame(p, wire.FrameErr, wire.ErrMessage{Message: msg}, nil); err != nil && re.log != nil {
		re.log.Error(err, "reactor: failed to send Err reply")
	}
}

func errMessageFor(err error) string {
	var ue *xerr.UploadError
	if errors.As(err, &ue) {
		return ue.Message
	}
	return err.Error()
}
