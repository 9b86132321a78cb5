package checksum

import (
	"bytes"
	"hash/crc64"
	"testing"
	"testing/iotest"
)

func TestFileCRCMatchesStdlib(t *testing.T) {
	data := []byte("abcdefghijklmnopqrstuvwxyz")
	got, err := FileCRC(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("FileCRC: %v", err)
	}
	want := crc64.Checksum(data, crc64.MakeTable(crc64.ECMA))
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestFileCRCEmpty(t *testing.T) {
	got, err := FileCRC(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("FileCRC: %v", err)
	}
	if got != 0 {
		t.Fatalf("got %#x, want 0 for empty input", got)
	}
}

func TestFileCRCStableAcrossBufferBoundaries(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, streamBufferSize*3+7)
	got1, err := FileCRC(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("FileCRC: %v", err)
	}
	got2, err := FileCRC(iotest.OneByteReader(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("FileCRC: %v", err)
	}
	if got1 != got2 {
		t.Fatalf("checksum differs across read boundaries: %#x vs %#x", got1, got2)
	}
}
