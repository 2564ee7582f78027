package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(Integrity, "deadbeef", errors.New("hash mismatch"))
	if !Is(err, Integrity) {
		t.Error("expected Is(err, Integrity) to be true")
	}
	if Is(err, NotFound) {
		t.Error("expected Is(err, NotFound) to be false")
	}
}

func TestIsMatchesWrappedError(t *testing.T) {
	inner := New(PolicyViolation, "", errors.New("append-only"))
	wrapped := fmt.Errorf("prune: %w", inner)
	if !Is(wrapped, PolicyViolation) {
		t.Error("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if Is(errors.New("plain"), Cancelled) {
		t.Error("expected Is to be false for a non-*Error")
	}
}

func TestErrorStringIncludesSubject(t *testing.T) {
	err := New(NotFound, "snap-123", errors.New("missing"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error string")
	}
	if !errors.Is(err, err.Err) {
		t.Error("expected Unwrap to expose the underlying error")
	}
}

func TestKindStringIsStable(t *testing.T) {
	cases := map[Kind]string{
		BackendTransient: "BackendTransient",
		Integrity:        "Integrity",
		SourceIO:         "SourceIo",
		DestinationIO:    "DestinationIo",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
