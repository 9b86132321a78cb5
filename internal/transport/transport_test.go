package transport

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/cormorant-labs/chunkxfer/internal/wire"
)

// fakePeerConn is a bare PeerConn with no underlying QUIC stream, used to
// exercise the Router's map bookkeeping without a real connection. Frames
// written to it are kept in buf.
type fakePeerConn struct {
	id  wire.PeerID
	buf bytes.Buffer
}

func (f *fakePeerConn) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakePeerConn) ID() wire.PeerID              { return f.id }
func (f *fakePeerConn) Age() time.Duration           { return 0 }

func TestRouterRegisterAndLookup(t *testing.T) {
	r := NewRouter()
	p := &fakePeerConn{id: "peer-a"}

	if _, ok := r.Peer("peer-a"); ok {
		t.Fatal("unregistered peer should not be found")
	}

	r.Register(p)
	got, ok := r.Peer("peer-a")
	if !ok {
		t.Fatal("expected peer-a to be registered")
	}
	if got.ID() != "peer-a" {
		t.Fatalf("got ID %q, want peer-a", got.ID())
	}
}

func TestRouterUnregisterRemovesPeer(t *testing.T) {
	r := NewRouter()
	r.Register(&fakePeerConn{id: "peer-a"})
	r.Unregister("peer-a")

	if _, ok := r.Peer("peer-a"); ok {
		t.Fatal("peer-a should be gone after Unregister")
	}
}

func TestRouterPullUnknownPeerFails(t *testing.T) {
	r := NewRouter()
	if err := r.Pull("ghost", 0); err == nil {
		t.Fatal("expected error pulling from an unregistered peer")
	}
}

func TestRouterPullWritesChunkPullFrame(t *testing.T) {
	r := NewRouter()
	p := &fakePeerConn{id: "peer-a"}
	r.Register(p)

	if err := r.Pull("peer-a", 7); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	typ, header, err := wire.ReadFrameHeader(&p.buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader: %v", err)
	}
	if typ != wire.FrameChunkPull {
		t.Fatalf("got frame type %v, want FrameChunkPull", typ)
	}
	var msg wire.ChunkPullMessage
	if err := json.Unmarshal(header, &msg); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if msg.Index != 7 {
		t.Fatalf("got index %d, want 7", msg.Index)
	}
}
