package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cs := uint64(4096)
	optionsJSON, err := EncodeOptions(Options{ChunkSize: &cs})
	if err != nil {
		t.Fatalf("EncodeOptions: %v", err)
	}
	msg := NewMessage{Path: "dest.bin", Size: 2048, CRC: 0xdeadbeef, ChunkSize: 512, OptionsJSON: optionsJSON}
	if err := WriteFrame(&buf, FrameNew, msg, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	typ, header, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader: %v", err)
	}
	if typ != FrameNew {
		t.Fatalf("got type %v, want FrameNew", typ)
	}

	var got NewMessage
	if err := json.Unmarshal(header, &got); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if got.Path != msg.Path || got.Size != msg.Size || got.CRC != msg.CRC || got.ChunkSize != msg.ChunkSize {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
	opts, err := DecodeOptions(got.OptionsJSON)
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if opts.ChunkSize == nil || *opts.ChunkSize != cs {
		t.Fatalf("got options %+v, want ChunkSize=%d", opts, cs)
	}
}

func TestWriteReadFrameWithRawPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("chunk contents")
	if err := WriteFrame(&buf, FrameChunkData, ChunkDataMessage{Index: 3}, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	typ, header, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader: %v", err)
	}
	if typ != FrameChunkData {
		t.Fatalf("got type %v, want FrameChunkData", typ)
	}
	var msg ChunkDataMessage
	if err := json.Unmarshal(header, &msg); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if msg.Index != 3 {
		t.Fatalf("got index %d, want 3", msg.Index)
	}

	raw, err := ReadRaw(&buf)
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if !bytes.Equal(raw, payload) {
		t.Fatalf("got raw %q, want %q", raw, payload)
	}
}

func TestReadFrameHeaderShort(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(FrameOK))
	buf.WriteByte(0xff) // truncated length prefix
	if _, _, err := ReadFrameHeader(&buf); err == nil {
		t.Fatal("expected error reading truncated header")
	}
}

func TestOptionsBackupSuffix(t *testing.T) {
	var o Options
	if _, enabled := o.BackupSuffix(); enabled {
		t.Fatal("nil BackupExisting should disable backups")
	}

	empty := ""
	o.BackupExisting = &empty
	suffix, enabled := o.BackupSuffix()
	if !enabled || suffix != DefaultBackupSuffix {
		t.Fatalf("got (%q, %v), want (%q, true)", suffix, enabled, DefaultBackupSuffix)
	}

	custom := ".orig"
	o.BackupExisting = &custom
	suffix, enabled = o.BackupSuffix()
	if !enabled || suffix != ".orig" {
		t.Fatalf("got (%q, %v), want (.orig, true)", suffix, enabled)
	}
}

func TestEncodeDecodeOptionsRoundTrip(t *testing.T) {
	cs := uint64(4096)
	o := Options{ChunkSize: &cs}
	data, err := EncodeOptions(o)
	if err != nil {
		t.Fatalf("EncodeOptions: %v", err)
	}
	got, err := DecodeOptions(data)
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if got.ChunkSize == nil || *got.ChunkSize != cs {
		t.Fatalf("got %+v, want ChunkSize=%d", got, cs)
	}
}

func TestDecodeOptionsEmpty(t *testing.T) {
	o, err := DecodeOptions(nil)
	if err != nil {
		t.Fatalf("DecodeOptions(nil): %v", err)
	}
	if o.BackupExisting != nil || o.ChunkSize != nil {
		t.Fatalf("expected zero-value Options, got %+v", o)
	}
}

func TestFrameTypeString(t *testing.T) {
	cases := map[FrameType]string{
		FrameNew:       "NEW",
		FrameChunkPull: "CHUNK_PULL",
		FrameChunkData: "CHUNK_DATA",
		FrameOK:        "OK",
		FrameErr:       "ERR",
		FrameType(99):  "UNKNOWN",
	}
	for ft, want := range cases {
		if got := ft.String(); got != want {
			t.Errorf("FrameType(%d).String() = %q, want %q", ft, got, want)
		}
	}
}
