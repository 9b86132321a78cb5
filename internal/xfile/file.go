// Package xfile implements the File component: the receiver-side
// per-transfer state (staging file, pending chunk map, error counter) and
// the sender-side request/response loop driving an upload to completion.
package xfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cormorant-labs/chunkxfer/internal/arbitrator"
	"github.com/cormorant-labs/chunkxfer/internal/checksum"
	"github.com/cormorant-labs/chunkxfer/internal/chunkio"
	"github.com/cormorant-labs/chunkxfer/internal/wire"
	"github.com/cormorant-labs/chunkxfer/internal/xerr"
)

// MaxChunkErr is the per-file retry budget: once chunk failures across
// the whole file reach this count, the transfer terminates in failure.
const MaxChunkErr = 5

// DefaultChunkSize is CHUNK_SIZE when NEW's options do not override it.
const DefaultChunkSize = 1024

// File is one receiver-side upload in progress: a staging file on disk,
// the chunks still pending, and the retry counter shared across all of
// them (the protocol counts chunk failures per file, not per chunk).
type File struct {
	mu sync.Mutex

	committedPath string
	stagingPath   string
	size          uint64
	crc           uint64
	chunkSize     uint64
	options       wire.Options

	pending   map[uint64]*chunkio.Chunk
	errCount  int
	failed    bool
	startedAt time.Time
}

// uniqueStagingPath finds an unused filename in path's directory, prefixed
// with "." and suffixed with the smallest non-negative integer that makes
// it unique. Mirrors the deterministic collision-avoidance scheme of the
// original implementation this component is based on.
func uniqueStagingPath(committedPath string) string {
	dir := filepath.Dir(committedPath)
	name := filepath.Base(committedPath)
	for n := 0; ; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf(".%s%d", name, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Create builds a File for an incoming upload: it stages a sparse file of
// the declared size, queues every chunk with arb, and returns the File
// ready to receive CHUNK_DATA frames. peer identifies the uploading peer
// to the arbitrator's queue.
func Create(arb *arbitrator.Arbitrator, peer wire.PeerID, committedPath string, size, crc, chunkSize uint64, opts wire.Options) (*File, error) {
	if committedPath == "" || filepath.Base(committedPath) == "." || filepath.Base(committedPath) == ".." {
		return nil, xerr.ErrInvalidFilePath
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	if dir := filepath.Dir(committedPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("xfile: create parent dirs: %w", err)
		}
	}

	stagingPath := uniqueStagingPath(committedPath)
	f, err := os.Create(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("xfile: create staging file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(stagingPath)
		return nil, fmt.Errorf("xfile: preallocate staging file: %w", err)
	}
	f.Close()

	totalChunks := size / chunkSize
	if size%chunkSize != 0 {
		totalChunks++
	}

	file := &File{
		committedPath: committedPath,
		stagingPath:   stagingPath,
		size:          size,
		crc:           crc,
		chunkSize:     chunkSize,
		options:       opts,
		pending:       make(map[uint64]*chunkio.Chunk, totalChunks),
		startedAt:     time.Now(),
	}

	for i := uint64(0); i < totalChunks; i++ {
		c := chunkio.New(stagingPath, i)
		file.pending[i] = c
		if err := arb.Queue(peer, i); err != nil {
			return nil, fmt.Errorf("xfile: queue chunk %d: %w", i, err)
		}
	}

	return file, nil
}

// Recv delegates an incoming chunk payload to the matching Chunk. It fails
// with xerr.ErrChunkIndex if the index is not pending (already completed,
// never existed, or the file has already failed).
func (f *File) Recv(peer wire.PeerID, index uint64, payload []byte, sink chan<- wire.SinkFrame, onFatal chunkio.FatalHook) error {
	f.mu.Lock()
	c, ok := f.pending[index]
	failed := f.failed
	f.mu.Unlock()
	if !ok || failed {
		return xerr.ErrChunkIndex
	}
	c.Recv(peer, payload, f.chunkSize, sink, onFatal)
	return nil
}

// Sink applies a write-completion for index: on success it releases the
// chunk's arbitrator slot and removes it from the pending map; on failure
// it increments the shared error counter and, unless the counter has
// saturated MaxChunkErr, re-queues the same chunk for another pull.
func (f *File) Sink(arb *arbitrator.Arbitrator, peer wire.PeerID, index uint64, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if success {
		delete(f.pending, index)
		return arb.Release(peer, index)
	}

	if _, ok := f.pending[index]; !ok {
		return xerr.ErrInvalidRequest
	}

	f.errCount++
	if f.errCount >= MaxChunkErr {
		f.failed = true
		return nil
	}
	return arb.Queue(peer, index)
}

// IsComplete reports whether every chunk has been written successfully.
func (f *File) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0 && !f.failed
}

// IsError reports whether the file's retry budget has been exhausted.
func (f *File) IsError() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// Save verifies the staging file's checksum against the value declared in
// NEW, applies the optional backup-then-replace, and renames the staging
// file into place. The staging file is left on disk on checksum failure,
// for forensic inspection, rather than unlinked.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sum, err := f.computeChecksum()
	if err != nil {
		return fmt.Errorf("xfile: compute checksum: %w", err)
	}
	if sum != f.crc {
		return xerr.ErrFailChecksum
	}

	if suffix, enabled := f.options.BackupSuffix(); enabled {
		if _, err := os.Stat(f.committedPath); err == nil {
			if err := os.Rename(f.committedPath, f.committedPath+suffix); err != nil {
				return fmt.Errorf("xfile: backup existing file: %w", err)
			}
		}
	}

	if err := os.Rename(f.stagingPath, f.committedPath); err != nil {
		return fmt.Errorf("xfile: commit staging file: %w", err)
	}
	return nil
}

func (f *File) computeChecksum() (uint64, error) {
	r, err := os.Open(f.stagingPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return checksum.FileCRC(r)
}

// CommittedPath returns the final destination path this File will occupy
// once saved.
func (f *File) CommittedPath() string { return f.committedPath }

// Elapsed returns how long this transfer has been in progress.
func (f *File) Elapsed() time.Duration { return time.Since(f.startedAt) }

// Size returns the transfer's declared total byte size.
func (f *File) Size() uint64 { return f.size }

// ChunkCount returns the total number of chunks this transfer was split
// into, ⌈size/chunk_size⌉.
func (f *File) ChunkCount() uint64 {
	n := f.size / f.chunkSize
	if f.size%f.chunkSize != 0 {
		n++
	}
	return n
}

// ErrorCount returns the number of chunk-write failures observed so far,
// for diagnostic logging.
func (f *File) ErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errCount
}

// Send drives the sender side of an upload to completion over rw,
// blocking until the transfer reaches a terminal Ok/Err or an I/O error
// occurs. sourcePath is read to compute size, crc, and to answer chunk
// pulls; remotePath is the path the server should commit to.
func Send(rw io.ReadWriter, sourcePath, remotePath string, chunkSize uint64, options wire.Options) error {
	info, err := os.Stat(sourcePath)
	if err != nil || info.IsDir() {
		return xerr.ErrInvalidFilePath
	}

	r, err := os.Open(sourcePath)
	if err != nil {
		return xerr.ErrInvalidFilePath
	}
	crc, err := checksum.FileCRC(r)
	r.Close()
	if err != nil {
		return fmt.Errorf("xfile: checksum source file: %w", err)
	}

	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	optionsJSON, err := wire.EncodeOptions(options)
	if err != nil {
		return fmt.Errorf("xfile: encode options: %w", err)
	}

	newMsg := wire.NewMessage{
		Path:        remotePath,
		Size:        uint64(info.Size()),
		CRC:         crc,
		ChunkSize:   chunkSize,
		OptionsJSON: optionsJSON,
	}
	if err := wire.WriteFrame(rw, wire.FrameNew, newMsg, nil); err != nil {
		return fmt.Errorf("xfile: send NEW: %w", err)
	}

	fileSize := uint64(info.Size())
	for {
		t, header, err := wire.ReadFrameHeader(rw)
		if err != nil {
			return fmt.Errorf("xfile: read reply: %w", err)
		}

		switch t {
		case wire.FrameOK:
			return nil

		case wire.FrameErr:
			var msg wire.ErrMessage
			if err := json.Unmarshal(header, &msg); err != nil {
				return xerr.ErrInvalidReply
			}
			return xerr.NewUploadError(msg.Message)

		case wire.FrameChunkPull:
			var pull wire.ChunkPullMessage
			if err := json.Unmarshal(header, &pull); err != nil {
				return xerr.ErrInvalidReply
			}
			c := chunkio.New(sourcePath, pull.Index)
			if err := c.Send(rw, chunkSize, fileSize); err != nil {
				return fmt.Errorf("xfile: send chunk %d: %w", pull.Index, err)
			}

		default:
			return xerr.ErrInvalidReply
		}
	}
}
