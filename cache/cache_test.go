package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/crypto"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("cached snapshot bytes")
	if err := c.Put(backend.KindSnapshot, "abc123", data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(backend.KindSnapshot, "abc123")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := c.Get(backend.KindIndex, "never-written"); ok {
		t.Error("expected cache miss for unwritten entry")
	}
}

func TestEvictionByBytes(t *testing.T) {
	c, err := Open(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.Put(backend.KindIndex, "a", bytes.Repeat([]byte{1}, 5)); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := c.Put(backend.KindIndex, "b", bytes.Repeat([]byte{2}, 5)); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if c.Bytes() != 10 {
		t.Fatalf("Bytes() = %d, want 10", c.Bytes())
	}

	// Touch "a" so "b" becomes the least-recently-used entry.
	if _, ok := c.Get(backend.KindIndex, "a"); !ok {
		t.Fatal("expected a to be cached")
	}
	if err := c.Put(backend.KindIndex, "c", bytes.Repeat([]byte{3}, 5)); err != nil {
		t.Fatalf("Put c: %v", err)
	}

	if _, ok := c.Get(backend.KindIndex, "b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get(backend.KindIndex, "a"); !ok {
		t.Error("a should still be cached")
	}
}

func TestExplicitEvict(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Put(backend.KindConfig, "config", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Evict(backend.KindConfig, "config"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok := c.Get(backend.KindConfig, "config"); ok {
		t.Error("expected entry to be gone after explicit Evict")
	}
}

func TestValidateEvictsTamperedEntry(t *testing.T) {
	c, err := Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	good := []byte("untampered contents")
	goodID := crypto.Hash(good)
	if err := c.Put(backend.KindSnapshot, "s1", good); err != nil {
		t.Fatalf("Put s1: %v", err)
	}

	tampered := []byte("different contents entirely")
	tamperedWant := crypto.Hash([]byte("whatever the index actually expects"))
	if err := c.Put(backend.KindSnapshot, "s2", tampered); err != nil {
		t.Fatalf("Put s2: %v", err)
	}

	expected := func(kind backend.Kind, name string) (string, bool) {
		switch name {
		case "s1":
			return fmt.Sprintf("%x", goodID), true
		case "s2":
			return fmt.Sprintf("%x", tamperedWant), true
		default:
			return "", false
		}
	}

	if err := c.Validate(context.Background(), expected); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if _, ok := c.Get(backend.KindSnapshot, "s1"); !ok {
		t.Error("s1 should survive validation")
	}
	if _, ok := c.Get(backend.KindSnapshot, "s2"); ok {
		t.Error("s2 should have been evicted by validation")
	}
}
