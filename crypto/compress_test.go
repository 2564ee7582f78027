package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	c := NewCompressor(CompressionDefault)
	defer c.Close()

	plaintext := []byte(strings.Repeat("content-defined chunking reduces duplicate storage ", 200))

	compressed, err := c.Compress(plaintext)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) >= len(plaintext) {
		t.Errorf("compressed size %d not smaller than plaintext %d for repetitive input", len(compressed), len(plaintext))
	}

	decompressed, err := c.Decompress(compressed, len(plaintext))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(decompressed, plaintext) {
		t.Error("decompressed output does not match original plaintext")
	}
}

func TestShouldCompress(t *testing.T) {
	if ShouldCompress(CompressionOff, []byte{1}, []byte{1, 2, 3}) {
		t.Error("ShouldCompress must be false when compression is off")
	}
	if !ShouldCompress(CompressionDefault, []byte{1}, []byte{1, 2, 3}) {
		t.Error("ShouldCompress should be true when compressed is smaller")
	}
	if ShouldCompress(CompressionDefault, []byte{1, 2, 3, 4}, []byte{1, 2, 3}) {
		t.Error("ShouldCompress should be false when compressed is not smaller")
	}
}
