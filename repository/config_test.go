package repository

import (
	"testing"
	"time"

	"github.com/rustic-rs/rustic/crypto"
)

func TestDefaultConfigIsVersioned(t *testing.T) {
	c := DefaultConfig()
	if c.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", c.Version, CurrentVersion)
	}
	if c.DataPackTargetSize <= 0 || c.TreePackTargetSize <= 0 {
		t.Error("expected positive pack target sizes")
	}
	if c.CompressionLevel != crypto.CompressionDefault {
		t.Errorf("CompressionLevel = %v, want CompressionDefault", c.CompressionLevel)
	}
	if !c.ExtraVerify {
		t.Error("expected ExtraVerify to default to true")
	}
}

func TestEncodeDecodeConfigRoundTrip(t *testing.T) {
	c := DefaultConfig()
	c.AppendOnly = true
	c.ChunkerMinSize = 512 * 1024

	data, err := EncodeConfig(c)
	if err != nil {
		t.Fatalf("EncodeConfig: %v", err)
	}

	got, err := DecodeConfig(data)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if got != c {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestChunkerParamsReflectsConfig(t *testing.T) {
	c := DefaultConfig()
	c.ChunkerMinSize = 256 * 1024
	c.ChunkerMaxSize = 2 * 1024 * 1024

	p := c.ChunkerParams()
	if p.MinSize != c.ChunkerMinSize {
		t.Errorf("MinSize = %d, want %d", p.MinSize, c.ChunkerMinSize)
	}
	if p.MaxSize != c.ChunkerMaxSize {
		t.Errorf("MaxSize = %d, want %d", p.MaxSize, c.ChunkerMaxSize)
	}
	if uint64(p.Pol) != c.ChunkerPolynomial {
		t.Errorf("Pol = %d, want %d", p.Pol, c.ChunkerPolynomial)
	}
	if p.Mask != c.ChunkerMask {
		t.Errorf("Mask = %d, want %d", p.Mask, c.ChunkerMask)
	}
}

func TestTargetSizeGrowsWithTotalBytes(t *testing.T) {
	base := int64(16 << 20)

	small := TargetSize(base, 1.0, base)
	large := TargetSize(base, 1.0, base*1000)

	if small < base {
		t.Errorf("TargetSize with modest total = %d, want >= base %d", small, base)
	}
	if large <= small {
		t.Errorf("TargetSize did not grow with larger total bytes: small=%d large=%d", small, large)
	}
}

func TestTargetSizeWithZeroTotalReturnsBase(t *testing.T) {
	base := int64(4 << 20)
	if got := TargetSize(base, 1.0, 0); got != base {
		t.Errorf("TargetSize with zero total = %d, want base %d", got, base)
	}
}

func TestEncodeDecodeKeyFileRoundTrip(t *testing.T) {
	kf := KeyFile{
		ID:          "key-1",
		Salt:        []byte{1, 2, 3, 4},
		KDFParams:   crypto.DefaultKDFParams(),
		WrappedKey:  []byte{5, 6, 7, 8, 9},
		CreatedAt:   time.Now().Truncate(time.Second).UTC(),
		Description: "test key",
	}

	data, err := EncodeKeyFile(kf)
	if err != nil {
		t.Fatalf("EncodeKeyFile: %v", err)
	}

	got, err := DecodeKeyFile(data)
	if err != nil {
		t.Fatalf("DecodeKeyFile: %v", err)
	}

	if got.ID != kf.ID || got.Description != kf.Description {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, kf)
	}
	if !got.CreatedAt.Equal(kf.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, kf.CreatedAt)
	}
	if got.KDFParams != kf.KDFParams {
		t.Errorf("KDFParams = %+v, want %+v", got.KDFParams, kf.KDFParams)
	}
}
