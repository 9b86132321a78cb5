// Package transport is the QUIC-backed multiplexed router socket: one
// QUIC connection per peer, one long-lived stream per connection carrying
// the wire-framed NEW/CHUNK/OK/ERR exchange, and a peer registry the
// arbitrator uses to address pull requests by peer identity.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"github.com/cormorant-labs/chunkxfer/internal/wire"
)

// quicConfig mirrors the teacher's window and keepalive tuning; a bulk
// chunk transfer benefits from the same large receive windows a
// multi-stream media transfer does.
func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	}
}

// PeerConn is the capability the reactor needs from a registered peer:
// writing a reply frame, and reporting connection age for metrics. It
// exists so the reactor can depend on Router without a concrete *Peer,
// letting tests substitute a fake peer that never opens a real QUIC
// connection.
type PeerConn interface {
	io.Writer
	ID() wire.PeerID
	Age() time.Duration
}

// Peer is one connected client: a QUIC connection plus the single stream
// used for the router pipe. It implements io.ReadWriter so callers can
// hand it straight to wire.WriteFrame / wire.ReadFrameHeader.
type Peer struct {
	id          wire.PeerID
	conn        *quic.Conn
	stream      *quic.Stream
	connectedAt time.Time
}

// ID returns the peer's opaque identity, assigned at accept/dial time.
func (p *Peer) ID() wire.PeerID { return p.id }

// Age reports how long this peer has been connected, for connection-
// duration metrics recorded when it disconnects.
func (p *Peer) Age() time.Duration { return time.Since(p.connectedAt) }

func (p *Peer) Read(b []byte) (int, error)  { return p.stream.Read(b) }
func (p *Peer) Write(b []byte) (int, error) { return p.stream.Write(b) }

// Close tears down the peer's stream and underlying connection.
func (p *Peer) Close() error {
	_ = p.stream.Close()
	return p.conn.CloseWithError(0, "transfer complete")
}

// RemoteAddr returns the peer's network address, for logging.
func (p *Peer) RemoteAddr() string { return p.conn.RemoteAddr().String() }

// Listener accepts incoming peer connections.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr using tlsConfig.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	ql, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until a new peer connects, accepts its router stream, and
// assigns it a fresh identity.
func (l *Listener) Accept(ctx context.Context) (*Peer, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return &Peer{id: wire.PeerID(uuid.NewString()), conn: conn, stream: stream, connectedAt: time.Now()}, nil
}

// Addr returns the listener's bound network address.
func (l *Listener) Addr() string { return l.ql.Addr().String() }

// Close shuts the listener down.
func (l *Listener) Close() error { return l.ql.Close() }

// Dial opens a connection to a server and its router stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return &Peer{id: wire.PeerID(uuid.NewString()), conn: conn, stream: stream, connectedAt: time.Now()}, nil
}

// Router is the reactor's view of every currently connected peer. It
// implements arbitrator.Router so the arbitrator's admission logic can
// emit pull requests without knowing anything about QUIC. All writes
// funnel through here, which keeps router-socket writes serialized on the
// reactor goroutine as the design notes require.
type Router struct {
	mu    sync.RWMutex
	peers map[wire.PeerID]PeerConn
}

// NewRouter creates an empty peer registry.
func NewRouter() *Router {
	return &Router{peers: make(map[wire.PeerID]PeerConn)}
}

// Register adds a peer to the registry, making it addressable by Pull.
func (r *Router) Register(p PeerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

// Unregister removes a peer, e.g. once its transfer has terminated.
func (r *Router) Unregister(id wire.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Peer looks up a registered peer by identity.
func (r *Router) Peer(id wire.PeerID) (PeerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Pull emits a CHUNK_PULL frame to the named peer. Satisfies
// arbitrator.Router.
func (r *Router) Pull(peer wire.PeerID, index uint64) error {
	p, ok := r.Peer(peer)
	if !ok {
		return fmt.Errorf("transport: pull: unknown peer %s", peer)
	}
	return wire.WriteFrame(p, wire.FrameChunkPull, wire.ChunkPullMessage{Index: index}, nil)
}
