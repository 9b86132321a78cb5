// Package wire defines the frame set exchanged between client and server
// and the internal sink frame used to carry chunk-write completions back
// to the reactor.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FrameType tags every frame on the router stream.
type FrameType uint8

const (
	// FrameNew is sent client -> server to start a transfer.
	FrameNew FrameType = iota + 1
	// FrameChunkPull is sent server -> client requesting a chunk's bytes.
	FrameChunkPull
	// FrameChunkData is sent client -> server carrying a chunk's bytes.
	FrameChunkData
	// FrameOK is the terminal success reply, server -> client.
	FrameOK
	// FrameErr is a terminal or per-request error reply, server -> client.
	FrameErr
)

func (t FrameType) String() string {
	switch t {
	case FrameNew:
		return "NEW"
	case FrameChunkPull:
		return "CHUNK_PULL"
	case FrameChunkData:
		return "CHUNK_DATA"
	case FrameOK:
		return "OK"
	case FrameErr:
		return "ERR"
	default:
		return "UNKNOWN"
	}
}

// NewMessage is the payload of a FrameNew frame. Options travels as the
// raw options_json blob the protocol defines, not a nested struct;
// encode it with EncodeOptions on the sender side and decode it with
// DecodeOptions on the receiver side.
type NewMessage struct {
	Path        string          `json:"path"`
	Size        uint64          `json:"size"`
	CRC         uint64          `json:"crc"`
	ChunkSize   uint64          `json:"chunk_size"`
	OptionsJSON json.RawMessage `json:"options_json"`
}

// ChunkPullMessage is the payload of a FrameChunkPull frame.
type ChunkPullMessage struct {
	Index uint64 `json:"index"`
}

// ChunkDataMessage is the payload of a FrameChunkData frame. Bytes travels
// out-of-band (raw, immediately following the JSON header) so large
// payloads never round-trip through base64.
type ChunkDataMessage struct {
	Index uint64 `json:"index"`
}

// ErrMessage is the payload of a FrameErr frame.
type ErrMessage struct {
	Message string `json:"message"`
}

// Options is the decoded form of the options_json field of NEW. Unknown
// keys are ignored on decode; encoders always emit both known keys.
type Options struct {
	BackupExisting *string `json:"backup_existing"`
	ChunkSize      *uint64 `json:"chunk_size"`
}

// DefaultBackupSuffix is applied when backup_existing is present but empty.
const DefaultBackupSuffix = ".bak"

// BackupSuffix returns the suffix to use when replacing an existing
// committed file, and whether a backup should be taken at all.
func (o Options) BackupSuffix() (suffix string, enabled bool) {
	if o.BackupExisting == nil {
		return "", false
	}
	if *o.BackupExisting == "" {
		return DefaultBackupSuffix, true
	}
	return *o.BackupExisting, true
}

// EncodeOptions serializes Options to the wire's options_json field.
func EncodeOptions(o Options) ([]byte, error) {
	return json.Marshal(o)
}

// DecodeOptions parses the options_json field. Unknown keys are ignored by
// json.Unmarshal's default behavior, which is exactly the contract here.
func DecodeOptions(raw []byte) (Options, error) {
	var o Options
	if len(raw) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}
	return o, nil
}

// ErrShortHeader is returned when a frame header is truncated.
var ErrShortHeader = errors.New("wire: short frame header")

// WriteFrame writes a type-tagged, length-prefixed JSON header followed by
// an optional raw payload (used only by FrameChunkData, which appends the
// chunk bytes after its JSON header).
func WriteFrame(w io.Writer, t FrameType, header interface{}, raw []byte) error {
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("wire: marshal header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint8(t)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if len(raw) > 0 {
		if err := binary.Write(w, binary.BigEndian, uint32(len(raw))); err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrameHeader reads the type tag and JSON header of the next frame.
// Callers that expect a raw payload (FrameChunkData) must call ReadRaw
// next.
func ReadFrameHeader(r io.Reader) (FrameType, []byte, error) {
	var t uint8
	if err := binary.Read(r, binary.BigEndian, &t); err != nil {
		return 0, nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, nil, ErrShortHeader
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return FrameType(t), data, nil
}

// ReadRaw reads a length-prefixed raw payload following a frame header.
func ReadRaw(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, ErrShortHeader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SinkFrame is the internal completion record posted by chunk workers and
// by the arbitrator's timer task onto the reactor's sink channel. It never
// touches the network.
type SinkFrame struct {
	PeerID  PeerID
	Index   uint64
	Success bool
}

// PeerID is the opaque identity of a connected peer, assigned by the
// transport layer when it accepts a connection.
type PeerID string
