// Package chunkio implements the Chunk component: reading a fixed-size
// byte range on the sender and writing one on the receiver, with the
// receiver side posting its completion onto the reactor's sink channel.
package chunkio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cormorant-labs/chunkxfer/internal/wire"
)

// SinkSendTimeout bounds how long a write task will block trying to post
// its completion. A full sink implies the reactor is wedged; the protocol
// treats that as fatal rather than silently dropping the completion.
const SinkSendTimeout = time.Second

// Chunk represents one fixed-size byte range of a file, identified by its
// index within that file. It is created once by File and destroyed when
// its index leaves the file's pending map.
type Chunk struct {
	path  string
	index uint64

	mu       sync.Mutex
	inflight sync.WaitGroup
}

// New constructs a Chunk over path (the staging file on the receiver, the
// source file on the sender) at the given index.
func New(path string, index uint64) *Chunk {
	return &Chunk{path: path, index: index}
}

// Index returns the chunk's zero-based index.
func (c *Chunk) Index() uint64 { return c.index }

// byteRange computes [start, end) for this chunk given chunkSize and the
// total file size. The final chunk's range may be shorter than chunkSize.
func byteRange(index, chunkSize, fileSize uint64) (start, end uint64) {
	start = chunkSize * index
	end = start + chunkSize
	if end > fileSize {
		end = fileSize
	}
	return start, end
}

// Send reads this chunk's byte range from the sender's source file and
// writes a CHUNK_DATA frame to w. It is synchronous — sender-side
// concurrency across chunks is not this component's concern.
func (c *Chunk) Send(w io.Writer, chunkSize, fileSize uint64) error {
	start, end := byteRange(c.index, chunkSize, fileSize)
	length := end - start

	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("chunkio: open %s: %w", c.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		return fmt.Errorf("chunkio: seek %s: %w", c.path, err)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("chunkio: read chunk %d: %w", c.index, err)
	}

	return wire.WriteFrame(w, wire.FrameChunkData, wire.ChunkDataMessage{Index: c.index}, buf)
}

// FatalHook is called when a completion cannot be posted to the sink
// within SinkSendTimeout. The sink being full means the reactor is no
// longer draining it, which the protocol treats as an unrecoverable,
// process-fatal condition.
type FatalHook func(msg string)

// Recv schedules an off-reactor write task for this chunk's payload. Any
// prior in-flight write for the same chunk (a retry racing its
// predecessor) is joined before the new one starts, so writes to a given
// chunk are never concurrent. The task opens the staging file for write
// without create, seeks to chunkSize*index, writes the full payload, and
// posts a completion SinkFrame.
func (c *Chunk) Recv(peer wire.PeerID, payload []byte, chunkSize uint64, sink chan<- wire.SinkFrame, onFatal FatalHook) {
	c.mu.Lock()
	c.inflight.Wait()
	c.inflight.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.inflight.Done()
		writeErr := c.write(payload, chunkSize)

		frame := wire.SinkFrame{PeerID: peer, Index: c.index, Success: writeErr == nil}
		select {
		case sink <- frame:
		case <-time.After(SinkSendTimeout):
			if onFatal != nil {
				onFatal(fmt.Sprintf("chunkio: sink send timed out for peer=%s index=%d, reactor appears wedged", peer, c.index))
			}
		}
	}()
}

func (c *Chunk) write(payload []byte, chunkSize uint64) error {
	f, err := os.OpenFile(c.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("chunkio: open staging file: %w", err)
	}
	defer f.Close()

	offset := int64(chunkSize * c.index)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("chunkio: seek staging file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("chunkio: write staging file: %w", err)
	}
	return nil
}
